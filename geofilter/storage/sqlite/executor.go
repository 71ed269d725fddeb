// Package sqlite is the embedded-store backend: filter execution and
// spatial index management on SQLite/SpatiaLite databases (including
// GeoPackage files).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/geofilter/geofilter/geofilter/dialect"
	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/layer"
	"github.com/geofilter/geofilter/geofilter/storage"
	"github.com/geofilter/geofilter/geofilter/storage/sqlbuilder"
)

const pageSize = 1000

// DriverName is the extension-capable driver registered by this
// package; the SpatiaLite module is loaded per connection.
const DriverName = "sqlite3_spatialite"

var registerOnce sync.Once

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(DriverName, &sqlite3.SQLiteDriver{
			Extensions: []string{"mod_spatialite"},
		})
	})
}

type Executor struct {
	Path   string
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

func New(path string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	registerDriver()
	return &Executor{Path: path, logger: logger}
}

func (e *Executor) Kind() dialect.Kind { return dialect.EmbeddedStore }

func (e *Executor) Capabilities() storage.Capability {
	return storage.Capability{
		SpatialFilter:      true,
		PreparedStatements: true,
		SpatialIndex:       true,
	}
}

func (e *Executor) DB(ctx context.Context) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		return e.db, nil
	}
	dsn := e.Path
	if strings.Contains(dsn, "?") {
		dsn += "&_busy_timeout=5000"
	} else {
		dsn += "?_busy_timeout=5000"
	}
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, gferr.ConnectionError("open embedded store", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, gferr.ConnectionError("open embedded store", err)
	}
	e.db = db
	return db, nil
}

func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		err := e.db.Close()
		e.db = nil
		return err
	}
	return nil
}

func (e *Executor) Execute(ctx context.Context, expr dialect.Expression, target layer.Info) (storage.Result, error) {
	start := time.Now()

	db, err := e.DB(ctx)
	if err != nil {
		return storage.Result{FilterText: expr.Text, ErrorMessage: err.Error()}, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		sqlbuilder.QuoteIdent(target.PK.Column),
		sqlbuilder.QuoteIdent(target.Table),
		expr.Text)

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		wrapped := gferr.ExecutionError(dialect.EmbeddedStore.String(), "filter query failed", err)
		return storage.Result{
			FilterText:   expr.Text,
			Duration:     time.Since(start),
			ErrorMessage: wrapped.Error(),
		}, wrapped
	}
	defer rows.Close()

	var ids []string
	n := 0
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			return storage.Result{}, gferr.ExecutionError(dialect.EmbeddedStore.String(), "scan id", err)
		}
		ids = append(ids, fmt.Sprint(id))
		n++
		if n%pageSize == 0 {
			if err := ctx.Err(); err != nil {
				return storage.Result{}, gferr.Wrap(gferr.ErrCancelled, "execution cancelled", err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return storage.Result{}, gferr.ExecutionError(dialect.EmbeddedStore.String(), "row stream", err)
	}

	return storage.Result{
		Success:    true,
		MatchedIDs: ids,
		FilterText: expr.Text,
		Duration:   time.Since(start),
	}, nil
}
