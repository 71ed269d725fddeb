package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"
)

// fakeDB stands in for a PostGIS connection: DDL is recorded and
// mirrored into an in-memory catalog table so the managers' existence
// checks see what they created.
type fakeDB struct {
	t  *testing.T
	db *sql.DB

	mu    sync.Mutex
	execs []string
}

func newFakeDB(t *testing.T) *fakeDB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open fake catalog: %v", err)
	}
	if _, err := db.Exec("CREATE TABLE objects (name TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("create fake catalog: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &fakeDB{t: t, db: db}
}

var identRe = regexp.MustCompile(`"([^"]+)"`)

func (f *fakeDB) record(stmt string) {
	f.mu.Lock()
	f.execs = append(f.execs, stmt)
	f.mu.Unlock()
}

func (f *fakeDB) countExecs(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.execs {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.record(query)
	name := ""
	if m := identRe.FindStringSubmatch(query); m != nil {
		name = m[1]
	}
	switch {
	case strings.HasPrefix(query, "CREATE MATERIALIZED VIEW"),
		strings.HasPrefix(query, "CREATE INDEX"):
		return f.db.ExecContext(ctx, "INSERT OR IGNORE INTO objects (name) VALUES (?)", name)
	case strings.HasPrefix(query, "DROP MATERIALIZED VIEW"):
		return f.db.ExecContext(ctx, "DELETE FROM objects WHERE name = ?", name)
	default:
		return f.db.ExecContext(ctx, "SELECT 1 WHERE 1 = 0")
	}
}

func (f *fakeDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	switch {
	case strings.Contains(query, "pg_total_relation_size"):
		return f.db.QueryContext(ctx, "SELECT 42, 1024")
	case strings.Contains(query, "pg_matviews") && strings.Contains(query, "LIKE"):
		return f.db.QueryContext(ctx, "SELECT name FROM objects WHERE name LIKE ?", args[0])
	case strings.Contains(query, "pg_matviews"):
		return f.db.QueryContext(ctx, "SELECT 1 FROM objects WHERE name = ?", args[0])
	case strings.Contains(query, "pg_indexes"):
		// args are (table, name[, schema]); the catalog keys on name.
		return f.db.QueryContext(ctx, "SELECT 1 FROM objects WHERE name = ?", args[1])
	default:
		f.t.Fatalf("unexpected catalog query: %s", query)
		return nil, nil
	}
}

func TestEnsureCreatesOnceAndReuses(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDB(t)
	m := NewMVManager(fake, "0d9c4f2e-session")

	query := `SELECT "fid", "geom" FROM "big_layer" WHERE ST_Intersects("geom", ST_GeomFromText('POINT(1 2)', 2193))`

	h1, reused, err := m.Ensure(ctx, query, "big_layer", "geom")
	if err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	if reused {
		t.Fatalf("first call must create, not reuse")
	}
	if !strings.HasPrefix(h1.Name, "geofilter_mv_0d9c4f2e_") {
		t.Fatalf("handle name not session-scoped: %s", h1.Name)
	}

	// identical request immediately repeated: reused, no second create
	h2, reused, err := m.Ensure(ctx, query, "big_layer", "geom")
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if !reused || h2.Name != h1.Name {
		t.Fatalf("expected reuse of %s, got %s reused=%v", h1.Name, h2.Name, reused)
	}
	if n := fake.countExecs("CREATE MATERIALIZED VIEW"); n != 1 {
		t.Fatalf("view created %d times, want 1", n)
	}

	// a different query gets its own view
	if _, reused, err := m.Ensure(ctx, query+" AND 1=1", "big_layer", "geom"); err != nil || reused {
		t.Fatalf("distinct query must create: reused=%v err=%v", reused, err)
	}
	if n := fake.countExecs("CREATE MATERIALIZED VIEW"); n != 2 {
		t.Fatalf("view created %d times, want 2", n)
	}
}

func TestExistsRefreshDrop(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDB(t)
	m := NewMVManager(fake, "abc123")

	h, _, err := m.Ensure(ctx, "SELECT 1", "t", "geom")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	ok, err := m.Exists(ctx, h)
	if err != nil || !ok {
		t.Fatalf("Exists = (%v, %v), want (true, nil)", ok, err)
	}

	if err := m.Refresh(ctx, h); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	stats, err := m.Statistics(ctx, h)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.RowCount != 42 || stats.SizeBytes != 1024 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.LastRefresh.IsZero() {
		t.Fatalf("refresh timestamp not tracked")
	}

	if err := m.Drop(ctx, h); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	ok, err = m.Exists(ctx, h)
	if err != nil || ok {
		t.Fatalf("dropped view still reported: (%v, %v)", ok, err)
	}
}

func TestDropAllForSessionSweepsOrphans(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDB(t)
	m := NewMVManager(fake, "feedbeef")

	if _, _, err := m.Ensure(ctx, "SELECT 1", "t", "geom"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// an orphan from a crashed run of the same session
	if _, err := fake.db.Exec("INSERT INTO objects (name) VALUES ('geofilter_mv_feedbeef_deadcafe')"); err != nil {
		t.Fatalf("plant orphan: %v", err)
	}
	// another session's view must survive
	if _, err := fake.db.Exec("INSERT INTO objects (name) VALUES ('geofilter_mv_other000_aaaa')"); err != nil {
		t.Fatalf("plant other: %v", err)
	}

	if err := m.DropAllForSession(ctx); err != nil {
		t.Fatalf("DropAllForSession: %v", err)
	}

	rows, err := fake.db.Query("SELECT name FROM objects WHERE name LIKE 'geofilter_mv_%' ORDER BY name")
	if err != nil {
		t.Fatalf("inspect catalog: %v", err)
	}
	defer rows.Close()
	var left []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			t.Fatalf("scan: %v", err)
		}
		left = append(left, n)
	}
	if len(left) != 1 || left[0] != "geofilter_mv_other000_aaaa" {
		t.Fatalf("catalog after sweep: %v", left)
	}
	if len(m.Handles()) != 0 {
		t.Fatalf("registry not cleared")
	}
}
