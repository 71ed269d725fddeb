package geofilter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/geofilter/geofilter/geofilter/dialect"
	genericdialect "github.com/geofilter/geofilter/geofilter/dialect/generic"
	"github.com/geofilter/geofilter/geofilter/dialect/postgis"
	"github.com/geofilter/geofilter/geofilter/dialect/spatialite"
	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/geomcache"
	"github.com/geofilter/geofilter/geofilter/storage"
	genericstore "github.com/geofilter/geofilter/geofilter/storage/generic"
	"github.com/geofilter/geofilter/geofilter/storage/postgres"
	"github.com/geofilter/geofilter/geofilter/storage/sqlite"
)

// Options configure a session. Zero values select the defaults; a
// store with no DSN/path configured is simply unavailable and requests
// against it degrade to the generic fallback.
type Options struct {
	PostgresDSN    string
	SpatiaLitePath string
	HistoryPath    string // ":memory:" when empty

	PromotionThreshold int64
	MetricSRID         int

	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		HistoryPath:        ":memory:",
		PromotionThreshold: DefaultPromotionThreshold,
		MetricSRID:         DefaultMetricSRID,
	}
}

// Session owns every piece of cross-operation shared state: the
// geometry cache, the materialized-view registry, the index managers,
// the executor pool handles and the metrics. Nothing here is
// process-global; callers pass the session handle into every call, so
// two sessions never couple through hidden state.
type Session struct {
	ID   string
	opts Options

	logger    *slog.Logger
	GeomCache *geomcache.Cache
	Metrics   *Metrics
	History   *HistoryStore

	builders  map[dialect.Kind]dialect.Builder
	executors map[dialect.Kind]storage.Executor

	mu      sync.Mutex
	mv      *postgres.MVManager
	pgIndex *postgres.IndexManager
	slIndex *sqlite.IndexManager
}

// NewSession wires the dialect builders and whatever executors the
// options configure. The generic backend is always present; it is the
// universal fallback and has no prerequisites.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.PromotionThreshold == 0 {
		opts.PromotionThreshold = DefaultPromotionThreshold
	}
	if opts.MetricSRID == 0 {
		opts.MetricSRID = DefaultMetricSRID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryPath == "" {
		opts.HistoryPath = ":memory:"
	}

	history, err := OpenHistory(ctx, opts.HistoryPath)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:        uuid.NewString(),
		opts:      opts,
		logger:    logger,
		GeomCache: geomcache.New(),
		Metrics:   NewMetrics(),
		History:   history,
		builders: map[dialect.Kind]dialect.Builder{
			dialect.RelationalStore: postgis.New(),
			dialect.EmbeddedStore:   spatialite.New(),
			dialect.GenericFormat:   genericdialect.New(),
		},
		executors: map[dialect.Kind]storage.Executor{
			dialect.GenericFormat: genericstore.New(logger),
		},
	}

	if opts.PostgresDSN != "" {
		s.executors[dialect.RelationalStore] = postgres.New(opts.PostgresDSN, logger)
	}
	if opts.SpatiaLitePath != "" {
		s.executors[dialect.EmbeddedStore] = sqlite.New(opts.SpatiaLitePath, logger)
	}

	return s, nil
}

// Builder returns the expression builder for a dialect. All three are
// always registered.
func (s *Session) Builder(kind dialect.Kind) dialect.Builder {
	return s.builders[kind]
}

// Executor returns the executor for a dialect, or the generic fallback
// when that store is not configured.
func (s *Session) Executor(kind dialect.Kind) (storage.Executor, bool) {
	if ex, ok := s.executors[kind]; ok {
		return ex, true
	}
	return s.executors[dialect.GenericFormat], false
}

// GenericExecutor exposes the fallback backend for fixture loading.
func (s *Session) GenericExecutor() *genericstore.Executor {
	return s.executors[dialect.GenericFormat].(*genericstore.Executor)
}

// MVManager lazily builds the materialized-view manager over the
// relational store's pool. Fails when no relational store is
// configured.
func (s *Session) MVManager(ctx context.Context) (*postgres.MVManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mv != nil {
		return s.mv, nil
	}
	ex, ok := s.executors[dialect.RelationalStore].(*postgres.Executor)
	if !ok {
		return nil, gferr.New(gferr.ErrConnection, "no relational store configured")
	}
	db, err := ex.DB(ctx)
	if err != nil {
		return nil, err
	}
	s.mv = postgres.NewMVManager(db, s.ID)
	return s.mv, nil
}

// PGIndexManager lazily builds the relational-store index manager.
func (s *Session) PGIndexManager(ctx context.Context) (*postgres.IndexManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pgIndex != nil {
		return s.pgIndex, nil
	}
	ex, ok := s.executors[dialect.RelationalStore].(*postgres.Executor)
	if !ok {
		return nil, gferr.New(gferr.ErrConnection, "no relational store configured")
	}
	db, err := ex.DB(ctx)
	if err != nil {
		return nil, err
	}
	s.pgIndex = postgres.NewIndexManager(db)
	return s.pgIndex, nil
}

// SLIndexManager lazily builds the embedded-store index manager.
func (s *Session) SLIndexManager(ctx context.Context) (*sqlite.IndexManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slIndex != nil {
		return s.slIndex, nil
	}
	ex, ok := s.executors[dialect.EmbeddedStore].(*sqlite.Executor)
	if !ok {
		return nil, gferr.New(gferr.ErrConnection, "no embedded store configured")
	}
	db, err := ex.DB(ctx)
	if err != nil {
		return nil, err
	}
	s.slIndex = sqlite.NewIndexManager(db)
	return s.slIndex, nil
}

// Close tears down everything the session owns: materialized views
// are bulk-dropped by session prefix (also catching artifacts orphaned
// by an earlier crash), caches invalidated, pools closed.
func (s *Session) Close(ctx context.Context) error {
	var firstErr error

	s.mu.Lock()
	mv := s.mv
	s.mu.Unlock()
	if mv != nil {
		if err := mv.DropAllForSession(ctx); err != nil {
			s.logger.Warn("session view cleanup failed", "session", s.ID, "error", err)
			firstErr = err
		}
	}

	s.GeomCache.InvalidateSession(s.ID)

	for kind, ex := range s.executors {
		if err := ex.Close(); err != nil && firstErr == nil {
			s.logger.Warn("executor close failed", "backend", kind.String(), "error", err)
			firstErr = err
		}
	}

	if err := s.History.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
