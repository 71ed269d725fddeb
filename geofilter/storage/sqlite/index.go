package sqlite

import (
	"context"
	"fmt"
	"sync"

	"github.com/geofilter/geofilter/geofilter/dialect"
	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/storage"
	"github.com/geofilter/geofilter/geofilter/storage/sqlbuilder"
)

// IndexManager lazily creates the SpatiaLite R*Tree index for a
// geometry column. EnsureIndex is idempotent; the SpatialIndex
// metadata table is the source of truth, the in-memory set only saves
// the repeat catalog lookup.
type IndexManager struct {
	db storage.DBTX

	mu      sync.Mutex
	ensured map[string]string
}

func NewIndexManager(db storage.DBTX) *IndexManager {
	return &IndexManager{db: db, ensured: make(map[string]string)}
}

// EnsureIndex returns the virtual index table name, creating the index
// only when the geometry_columns catalog says none exists.
func (m *IndexManager) EnsureIndex(ctx context.Context, table, geomColumn string) (string, error) {
	key := table + "." + geomColumn
	name := fmt.Sprintf("idx_%s_%s", table, geomColumn)

	m.mu.Lock()
	if cached, ok := m.ensured[key]; ok {
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	exists, err := m.exists(ctx, table, geomColumn)
	if err != nil {
		return "", err
	}
	if !exists {
		stmt := fmt.Sprintf("SELECT CreateSpatialIndex(%s, %s)",
			sqlbuilder.QuoteLiteral(table), sqlbuilder.QuoteLiteral(geomColumn))
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return "", gferr.ExecutionError(dialect.EmbeddedStore.String(), "create spatial index", err)
		}
	}

	m.mu.Lock()
	m.ensured[key] = name
	m.mu.Unlock()
	return name, nil
}

func (m *IndexManager) exists(ctx context.Context, table, geomColumn string) (bool, error) {
	qb := sqlbuilder.New(sqlbuilder.Question)
	query := fmt.Sprintf(
		"SELECT spatial_index_enabled FROM geometry_columns WHERE f_table_name = %s AND f_geometry_column = %s",
		qb.Arg(table), qb.Arg(geomColumn))
	rows, err := m.db.QueryContext(ctx, query, qb.Args()...)
	if err != nil {
		return false, gferr.ExecutionError(dialect.EmbeddedStore.String(), "spatial index lookup", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return false, rows.Err()
	}
	var enabled int
	if err := rows.Scan(&enabled); err != nil {
		return false, gferr.ExecutionError(dialect.EmbeddedStore.String(), "scan index flag", err)
	}
	return enabled == 1, rows.Err()
}
