// Package postgres is the relational-store backend: filter execution,
// spatial index management and materialized result sets on
// PostgreSQL/PostGIS via pgx.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/geofilter/geofilter/geofilter/dialect"
	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/layer"
	"github.com/geofilter/geofilter/geofilter/storage"
	"github.com/geofilter/geofilter/geofilter/storage/sqlbuilder"
)

// pageSize bounds how many ids are scanned between cancellation
// checks.
const pageSize = 1000

type Executor struct {
	DSN    string
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

func New(dsn string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{DSN: dsn, logger: logger}
}

func (e *Executor) Kind() dialect.Kind { return dialect.RelationalStore }

func (e *Executor) Capabilities() storage.Capability {
	return storage.Capability{
		SpatialFilter:       true,
		MaterializedResults: true,
		PreparedStatements:  true,
		Pooling:             true,
		SpatialIndex:        true,
	}
}

// DB returns the pooled connection handle, dialing on first use.
func (e *Executor) DB(ctx context.Context) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		return e.db, nil
	}
	cfg, err := pgx.ParseConfig(e.DSN)
	if err != nil {
		return nil, gferr.ConnectionError("parse relational-store DSN", err)
	}
	db := stdlib.OpenDB(*cfg)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, gferr.ConnectionError("connect to relational store", err)
	}
	e.db = db
	return db, nil
}

// reset discards the pool so the next call redials.
func (e *Executor) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		_ = e.db.Close()
		e.db = nil
	}
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

// Execute runs the built expression as a standalone filter on the
// target table and collects the matched primary keys. A connection
// error gets one reconnect-and-retry before surfacing.
func (e *Executor) Execute(ctx context.Context, expr dialect.Expression, target layer.Info) (storage.Result, error) {
	start := time.Now()

	res, err := e.executeOnce(ctx, expr, target)
	if err != nil && isConnError(err) && ctx.Err() == nil {
		e.logger.Warn("relational-store connection lost, retrying once",
			"layer", target.ID, "error", err)
		e.reset()
		res, err = e.executeOnce(ctx, expr, target)
	}
	if err != nil {
		return storage.Result{
			FilterText:   expr.Text,
			Duration:     time.Since(start),
			ErrorMessage: err.Error(),
		}, err
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (e *Executor) executeOnce(ctx context.Context, expr dialect.Expression, target layer.Info) (storage.Result, error) {
	db, err := e.DB(ctx)
	if err != nil {
		return storage.Result{}, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		sqlbuilder.QuoteIdent(target.PK.Column),
		sqlbuilder.QualifyTable(target.Schema, target.Table),
		expr.Text)

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		if isConnError(err) {
			return storage.Result{}, gferr.ConnectionError("relational-store query", err)
		}
		// Surface native store error text with backend context.
		return storage.Result{}, gferr.ExecutionError(dialect.RelationalStore.String(), "filter query failed", err)
	}
	defer rows.Close()

	ids, err := scanIDs(ctx, rows)
	if err != nil {
		return storage.Result{}, err
	}

	return storage.Result{
		Success:    true,
		MatchedIDs: ids,
		FilterText: expr.Text,
	}, nil
}

// scanIDs collects ids, checking cancellation between pages so a
// cancelled operation leaves no partial state behind.
func scanIDs(ctx context.Context, rows *sql.Rows) ([]string, error) {
	var ids []string
	n := 0
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			return nil, gferr.ExecutionError(dialect.RelationalStore.String(), "scan id", err)
		}
		ids = append(ids, fmt.Sprint(id))
		n++
		if n%pageSize == 0 {
			if err := ctx.Err(); err != nil {
				return nil, gferr.Wrap(gferr.ErrCancelled, "execution cancelled", err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		if isConnError(err) {
			return nil, gferr.ConnectionError("relational-store row stream", err)
		}
		return nil, gferr.ExecutionError(dialect.RelationalStore.String(), "row stream", err)
	}
	return ids, nil
}

func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return gferr.IsKind(err, gferr.ErrConnection)
}
