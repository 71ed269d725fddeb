// Package storage defines the executor contract shared by the three
// store backends and the capability-driven backend selector.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/geofilter/geofilter/geofilter/dialect"
	"github.com/geofilter/geofilter/geofilter/layer"
)

// Capability is the static flag set the selector queries. Flags never
// change at runtime; availability of the store is a separate concern
// surfaced as connection errors.
type Capability struct {
	SpatialFilter       bool
	MaterializedResults bool
	PreparedStatements  bool
	Pooling             bool
	SpatialIndex        bool
}

// Result is the outcome of executing one filter against one target.
// Constructed once, never mutated.
type Result struct {
	Success          bool
	MatchedIDs       []string
	FilterText       string
	Duration         time.Duration
	UsedOptimization bool
	ErrorMessage     string
}

// Executor runs a built expression against its store. Execution may
// block on I/O; cancellation is cooperative via ctx, checked between
// row batches. A connection is checked out for exactly one Execute
// call and returned to the pool immediately after.
type Executor interface {
	Kind() dialect.Kind
	Capabilities() Capability
	Execute(ctx context.Context, expr dialect.Expression, target layer.Info) (Result, error)
	Close() error
}

// DBTX is the narrow database surface the executors and the index/MV
// managers need. *sql.DB and *sql.Tx both satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Select resolves the dialect for a layer. Priority: explicit per-layer
// override, then capability match by storage kind, then the generic
// fallback. Unrecognized storage kinds resolve to the fallback rather
// than erroring; the generic format has no store prerequisites.
func Select(info layer.Info, override *dialect.Kind) dialect.Kind {
	if override != nil {
		switch *override {
		case dialect.RelationalStore, dialect.EmbeddedStore, dialect.GenericFormat:
			return *override
		}
	}
	switch info.Storage {
	case layer.KindPostgres:
		return dialect.RelationalStore
	case layer.KindSpatiaLite, layer.KindGeoPackage:
		return dialect.EmbeddedStore
	case layer.KindShapefile, layer.KindMemory:
		return dialect.GenericFormat
	default:
		return dialect.GenericFormat
	}
}
