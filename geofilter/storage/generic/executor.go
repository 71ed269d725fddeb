// Package generic is the universal fallback backend. It has no store
// prerequisites: expressions are syntax-checked and returned as the
// subset definition for the host format to apply. Attribute-only
// filters are additionally evaluated against in-memory features when
// the caller has loaded fixtures, which keeps the fallback honest for
// formats the engine can fully resolve itself.
package generic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/geofilter/geofilter/geofilter/dialect"
	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/layer"
	"github.com/geofilter/geofilter/geofilter/storage"
)

// Feature is one in-memory fixture row.
type Feature struct {
	ID    string
	Attrs map[string]any
}

type Executor struct {
	logger *slog.Logger

	mu       sync.RWMutex
	features map[string][]Feature // layer id -> fixtures
}

func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger, features: make(map[string][]Feature)}
}

func (e *Executor) Kind() dialect.Kind { return dialect.GenericFormat }

func (e *Executor) Capabilities() storage.Capability {
	return storage.Capability{SpatialFilter: true}
}

func (e *Executor) Close() error { return nil }

// LoadFeatures registers fixture rows for a layer. Optional; layers
// without fixtures still get their expression text back.
func (e *Executor) LoadFeatures(layerID string, feats []Feature) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.features[layerID] = feats
}

func (e *Executor) Execute(ctx context.Context, expr dialect.Expression, target layer.Info) (storage.Result, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return storage.Result{}, gferr.Wrap(gferr.ErrCancelled, "execution cancelled", err)
	}
	if err := checkSyntax(expr.Text); err != nil {
		wrapped := gferr.Wrap(gferr.ErrExpression, "generic expression", err)
		return storage.Result{
			FilterText:   expr.Text,
			Duration:     time.Since(start),
			ErrorMessage: wrapped.Error(),
		}, wrapped
	}

	res := storage.Result{
		Success:    true,
		FilterText: expr.Text,
	}

	e.mu.RLock()
	feats, ok := e.features[target.ID]
	e.mu.RUnlock()
	if ok && !expr.Spatial {
		ids, err := evaluate(expr.Text, feats)
		if err != nil {
			return storage.Result{}, gferr.Wrap(gferr.ErrExpression, "evaluate attribute filter", err)
		}
		res.MatchedIDs = ids
	}

	res.Duration = time.Since(start)
	return res, nil
}
