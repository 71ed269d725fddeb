package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/geofilter/geofilter/geofilter/dialect"
	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/storage"
	"github.com/geofilter/geofilter/geofilter/storage/sqlbuilder"
)

// IndexManager ensures a GIST index exists on a geometry column before
// a filter runs. EnsureIndex is idempotent and safe to call every run.
type IndexManager struct {
	db storage.DBTX

	mu      sync.Mutex
	ensured map[string]string // schema.table.column -> index name
}

func NewIndexManager(db storage.DBTX) *IndexManager {
	return &IndexManager{db: db, ensured: make(map[string]string)}
}

func indexName(table, geomColumn string) string {
	name := fmt.Sprintf("gf_gix_%s_%s", table, geomColumn)
	return strings.ToLower(name)
}

// EnsureIndex checks the catalog and creates the index only when
// missing. The second call for the same (table, column) is a registry
// hit and issues no SQL at all.
func (m *IndexManager) EnsureIndex(ctx context.Context, schema, table, geomColumn string) (string, error) {
	key := schema + "." + table + "." + geomColumn

	m.mu.Lock()
	if name, ok := m.ensured[key]; ok {
		m.mu.Unlock()
		return name, nil
	}
	m.mu.Unlock()

	name := indexName(table, geomColumn)

	exists, err := m.exists(ctx, schema, table, name)
	if err != nil {
		return "", err
	}
	if !exists {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (%s)",
			sqlbuilder.QuoteIdent(name),
			sqlbuilder.QualifyTable(schema, table),
			sqlbuilder.QuoteIdent(geomColumn))
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return "", gferr.ExecutionError(dialect.RelationalStore.String(), "create spatial index", err)
		}
	}

	m.mu.Lock()
	m.ensured[key] = name
	m.mu.Unlock()
	return name, nil
}

func (m *IndexManager) exists(ctx context.Context, schema, table, name string) (bool, error) {
	qb := sqlbuilder.New(sqlbuilder.Dollar)
	query := fmt.Sprintf("SELECT 1 FROM pg_indexes WHERE tablename = %s AND indexname = %s",
		qb.Arg(table), qb.Arg(name))
	if schema != "" {
		query += " AND schemaname = " + qb.Arg(schema)
	}
	rows, err := m.db.QueryContext(ctx, query, qb.Args()...)
	if err != nil {
		return false, gferr.ExecutionError(dialect.RelationalStore.String(), "spatial index lookup", err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}
