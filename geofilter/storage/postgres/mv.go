package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/geofilter/geofilter/geofilter/dialect"
	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/storage"
	"github.com/geofilter/geofilter/geofilter/storage/sqlbuilder"
)

// mvPrefix namespaces every view this engine creates; session-scoped
// names avoid collisions between concurrent sessions and make orphaned
// views enumerable for bulk cleanup.
const mvPrefix = "geofilter_mv"

// Handle identifies one materialized result set. Callers hold the
// handle only as a lookup key; the manager owns the view.
type Handle struct {
	Name        string
	Fingerprint string
	BaseTable   string
	CreatedAt   time.Time
	LastRefresh time.Time
}

// Statistics is a point-in-time snapshot of a materialized view.
type Statistics struct {
	RowCount    int64
	SizeBytes   int64
	LastRefresh time.Time
}

// MVManager promotes expensive filters into persisted, indexed,
// session-scoped result sets. Creation is singleflight-guarded so
// concurrent builds of the same fingerprint produce exactly one view.
type MVManager struct {
	db      storage.DBTX
	session string

	mu       sync.Mutex
	byFprint map[string]Handle
	sf       singleflight.Group
}

func NewMVManager(db storage.DBTX, sessionID string) *MVManager {
	return &MVManager{
		db:       db,
		session:  shortSession(sessionID),
		byFprint: make(map[string]Handle),
	}
}

func shortSession(id string) string {
	clean := make([]byte, 0, 8)
	for i := 0; i < len(id) && len(clean) < 8; i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			clean = append(clean, c)
		}
	}
	if len(clean) == 0 {
		return "anon"
	}
	return string(clean)
}

// Fingerprint keys a view by its defining query text.
func Fingerprint(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:6])
}

func (m *MVManager) viewName(fingerprint string) string {
	return fmt.Sprintf("%s_%s_%s", mvPrefix, m.session, fingerprint)
}

// Lookup returns the registered handle for a query, if any.
func (m *MVManager) Lookup(query string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byFprint[Fingerprint(query)]
	return h, ok
}

// Ensure returns the view for the query, creating it on first use.
// reused=true means the view already existed and no creation ran.
func (m *MVManager) Ensure(ctx context.Context, query, baseTable, geomColumn string) (Handle, bool, error) {
	fp := Fingerprint(query)

	m.mu.Lock()
	if h, ok := m.byFprint[fp]; ok {
		m.mu.Unlock()
		return h, true, nil
	}
	m.mu.Unlock()

	v, err, shared := m.sf.Do(fp, func() (any, error) {
		h, err := m.create(ctx, fp, query, baseTable, geomColumn)
		if err != nil {
			return Handle{}, err
		}
		m.mu.Lock()
		m.byFprint[fp] = h
		m.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return Handle{}, false, err
	}
	return v.(Handle), shared, nil
}

func (m *MVManager) create(ctx context.Context, fp, query, baseTable, geomColumn string) (Handle, error) {
	name := m.viewName(fp)
	stmt := fmt.Sprintf("CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS %s",
		sqlbuilder.QuoteIdent(name), query)
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return Handle{}, gferr.ExecutionError(dialect.RelationalStore.String(), "create materialized view", err)
	}
	if geomColumn != "" {
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (%s)",
			sqlbuilder.QuoteIdent(name+"_gix"), sqlbuilder.QuoteIdent(name), sqlbuilder.QuoteIdent(geomColumn))
		if _, err := m.db.ExecContext(ctx, idx); err != nil {
			return Handle{}, gferr.ExecutionError(dialect.RelationalStore.String(), "index materialized view", err)
		}
	}
	now := time.Now()
	return Handle{
		Name:        name,
		Fingerprint: fp,
		BaseTable:   baseTable,
		CreatedAt:   now,
		LastRefresh: now,
	}, nil
}

// Exists checks the catalog, not just the in-memory registry, so a
// view dropped behind the manager's back is reported honestly.
func (m *MVManager) Exists(ctx context.Context, h Handle) (bool, error) {
	qb := sqlbuilder.New(sqlbuilder.Dollar)
	rows, err := m.db.QueryContext(ctx,
		"SELECT 1 FROM pg_matviews WHERE matviewname = "+qb.Arg(h.Name), qb.Args()...)
	if err != nil {
		return false, gferr.ExecutionError(dialect.RelationalStore.String(), "materialized view lookup", err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func (m *MVManager) Refresh(ctx context.Context, h Handle) error {
	stmt := "REFRESH MATERIALIZED VIEW " + sqlbuilder.QuoteIdent(h.Name)
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return gferr.ExecutionError(dialect.RelationalStore.String(), "refresh materialized view", err)
	}
	m.mu.Lock()
	if cur, ok := m.byFprint[h.Fingerprint]; ok {
		cur.LastRefresh = time.Now()
		m.byFprint[h.Fingerprint] = cur
	}
	m.mu.Unlock()
	return nil
}

func (m *MVManager) Drop(ctx context.Context, h Handle) error {
	stmt := "DROP MATERIALIZED VIEW IF EXISTS " + sqlbuilder.QuoteIdent(h.Name)
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return gferr.ExecutionError(dialect.RelationalStore.String(), "drop materialized view", err)
	}
	m.mu.Lock()
	delete(m.byFprint, h.Fingerprint)
	m.mu.Unlock()
	return nil
}

func (m *MVManager) Statistics(ctx context.Context, h Handle) (Statistics, error) {
	var stats Statistics
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT count(*), pg_total_relation_size('%s') FROM %s",
		h.Name, sqlbuilder.QuoteIdent(h.Name)))
	if err != nil {
		return stats, gferr.ExecutionError(dialect.RelationalStore.String(), "materialized view statistics", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&stats.RowCount, &stats.SizeBytes); err != nil {
			return stats, gferr.ExecutionError(dialect.RelationalStore.String(), "scan statistics", err)
		}
	}
	m.mu.Lock()
	if cur, ok := m.byFprint[h.Fingerprint]; ok {
		stats.LastRefresh = cur.LastRefresh
	}
	m.mu.Unlock()
	return stats, rows.Err()
}

// Handles lists every view registered in this session.
func (m *MVManager) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.byFprint))
	for _, h := range m.byFprint {
		out = append(out, h)
	}
	return out
}

// DropAllForSession removes every view carrying this session's name
// prefix, catalog-enumerated so artifacts orphaned by a crash between
// creation and use are cleaned up too.
func (m *MVManager) DropAllForSession(ctx context.Context) error {
	pattern := fmt.Sprintf("%s_%s_%%", mvPrefix, m.session)
	qb := sqlbuilder.New(sqlbuilder.Dollar)
	rows, err := m.db.QueryContext(ctx,
		"SELECT matviewname FROM pg_matviews WHERE matviewname LIKE "+qb.Arg(pattern), qb.Args()...)
	if err != nil {
		return gferr.ExecutionError(dialect.RelationalStore.String(), "enumerate session views", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return gferr.ExecutionError(dialect.RelationalStore.String(), "scan view name", err)
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return gferr.ExecutionError(dialect.RelationalStore.String(), "enumerate session views", err)
	}

	for _, n := range names {
		if _, err := m.db.ExecContext(ctx, "DROP MATERIALIZED VIEW IF EXISTS "+sqlbuilder.QuoteIdent(n)); err != nil {
			return gferr.ExecutionError(dialect.RelationalStore.String(), "drop session view", err)
		}
	}

	m.mu.Lock()
	m.byFprint = make(map[string]Handle)
	m.mu.Unlock()
	return nil
}
