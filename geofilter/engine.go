package geofilter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/geofilter/geofilter/geofilter/buffer"
	"github.com/geofilter/geofilter/geofilter/dialect"
	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/geomcache"
	"github.com/geofilter/geofilter/geofilter/layer"
	"github.com/geofilter/geofilter/geofilter/sref"
	"github.com/geofilter/geofilter/geofilter/storage"
	"github.com/geofilter/geofilter/geofilter/storage/sqlbuilder"
)

// Engine coordinates one filter operation: build, optimize, execute,
// record. An operation's build-then-execute sequence is sequential and
// non-reentrant; the host may run several Engines (or Apply calls on
// distinct requests) concurrently against the same session.
type Engine struct {
	session *Session
	logger  *slog.Logger
}

func NewEngine(s *Session) *Engine {
	return &Engine{session: s, logger: s.logger}
}

// Apply compiles and executes the request against every target.
// Request-level defects (no predicates, malformed buffer expression,
// missing source geometry) fail the whole batch up front; anything
// per-layer aborts that layer only and the batch continues.
func (e *Engine) Apply(ctx context.Context, req FilterRequest) (BatchResult, error) {
	var batch BatchResult

	if len(req.Predicates) == 0 {
		return batch, gferr.ExpressionError("request has no predicates")
	}
	if req.SourceWKT == "" {
		return batch, gferr.ExpressionError("request has no source geometry")
	}
	if req.CombineOp == "" {
		req.CombineOp = dialect.CombineAnd
	}

	buf := buffer.ResolveConfig(req.BufferExpression, req.BufferDistance, req.BufferOverrideActive, buffer.Config{
		Segments: req.BufferSegments,
		Endcap:   buffer.EndcapStyle(req.BufferEndcap),
		Join:     buffer.JoinStyle(req.BufferJoin),
	})
	if buf.PerFeature() {
		if err := buffer.ValidateExpression(buf.Expression); err != nil {
			return batch, gferr.Wrap(gferr.ErrExpression, "per-feature buffer expression", err)
		}
	}

	srcWKT, srcSRID, err := e.sourceGeometry(req)
	if err != nil {
		return batch, err
	}

	opts := dialect.BuildOptions{
		CentroidApprox: req.CentroidApprox,
		MetricSRID:     e.session.opts.MetricSRID,
	}

	for _, target := range req.Targets {
		if err := ctx.Err(); err != nil {
			// Cooperative cancellation between layers: already-applied
			// layers stand, the rest are untouched.
			return batch, gferr.Wrap(gferr.ErrCancelled, "operation cancelled", err)
		}
		res := e.applyOne(ctx, req, target, srcWKT, srcSRID, buf, opts)
		batch.Results = append(batch.Results, res)
		if res.Success {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
	}
	return batch, nil
}

// sourceGeometry memoizes the request geometry once per batch so a
// multi-target operation does not re-carry it per layer.
func (e *Engine) sourceGeometry(req FilterRequest) (string, int, error) {
	sum := sha256.Sum256([]byte(req.SourceWKT + "\x00" + req.SourceFeatureID))
	key := geomcache.Key{
		SessionID:   e.session.ID,
		LayerID:     req.Source.ID,
		Fingerprint: hex.EncodeToString(sum[:6]),
	}
	srid := req.Source.SRID
	if srid == 0 {
		return "", 0, gferr.New(gferr.ErrCRS, "source layer has no CRS")
	}
	return e.session.GeomCache.GetOrCompute(key, func() (string, int, error) {
		return req.SourceWKT, srid, nil
	})
}

func (e *Engine) applyOne(ctx context.Context, req FilterRequest, target TargetSpec, srcWKT string, srcSRID int, buf buffer.Config, opts dialect.BuildOptions) FilterResult {
	kind := storage.Select(target.Layer, target.Override)
	ref := e.buildRef(req, target.Layer, kind, srcWKT, srcSRID)

	usedFallback := false
	expr, diag, err := e.session.Builder(kind).Build(ref, req.Predicates, req.CombineOp, buf, target.Layer, opts)
	if err != nil && gferr.IsKind(err, gferr.ErrUnsupported) && kind != dialect.GenericFormat {
		// Explicit escape hatch: rebuild in the generic format rather
		// than dropping the unsupported piece, which would change the
		// matched set.
		e.logger.Info("falling back to generic builder",
			"layer", target.Layer.ID, "dialect", kind.String(), "reason", err)
		kind = dialect.GenericFormat
		usedFallback = true
		expr, diag, err = e.session.Builder(kind).Build(ref, req.Predicates, req.CombineOp, buf, target.Layer, opts)
	}
	if err != nil {
		// Nothing ran against a store; metrics count executions only.
		return failedResult(target.Layer.ID, kind, err)
	}

	executor, configured := e.session.Executor(kind)
	usedOptimization := false
	if configured {
		usedOptimization = e.prepareStore(ctx, kind, expr, target.Layer)
	}

	res, err := executor.Execute(ctx, expr, target.Layer)
	e.session.Metrics.Record(kind, res.Duration, err != nil)
	if err != nil {
		// The layer's previous filter state is left unchanged:
		// fail-safe, never fail-open to "no filter".
		e.logger.Error("filter execution failed",
			"backend", kind.String(), "layer", target.Layer.ID, "error", err)
		return failedResult(target.Layer.ID, kind, err)
	}

	subset := expr.Text
	if target.CombineWithExisting && target.ExistingSubset != "" {
		subset = "(" + target.ExistingSubset + ") AND (" + expr.Text + ")"
	}

	if _, err := e.session.History.Append(ctx, req.ProjectID, target.Layer.ID, subset); err != nil {
		e.logger.Warn("history append failed", "layer", target.Layer.ID, "error", err)
	}

	e.logger.Debug("filter applied",
		"layer", target.Layer.ID,
		"backend", kind.String(),
		"buffered", diag.Buffered,
		"correlated", diag.CorrelatedSubquery,
		"duration", res.Duration)

	return FilterResult{
		LayerID:          target.Layer.ID,
		Success:          true,
		SubsetDefinition: subset,
		MatchedIDs:       res.MatchedIDs,
		Duration:         res.Duration,
		UsedOptimization: usedOptimization || res.UsedOptimization,
		UsedFallback:     usedFallback,
		Dialect:          kind,
	}
}

// buildRef constructs the structured geometry reference once; nothing
// downstream ever re-derives table or column names from generated
// expression text. Correlated form needs source and target in the same
// store; cross-store always goes literal.
func (e *Engine) buildRef(req FilterRequest, target layer.Info, kind dialect.Kind, srcWKT string, srcSRID int) sref.Ref {
	sameStore := kind != dialect.GenericFormat &&
		storage.Select(req.Source, nil) == kind &&
		req.Source.Table != "" &&
		req.Source.Storage == target.Storage

	if !sameStore {
		return sref.LiteralRef(srcWKT, srcSRID)
	}
	ref := sref.CorrelatedRef(req.Source.Schema, req.Source.Table, req.Source.GeomColumn, req.Source.PK.Column, srcSRID)
	ref.WKT = srcWKT // kept so a generic fallback rebuild needs no re-extraction
	ref.SourceFeatureID = req.SourceFeatureID
	return ref
}

// prepareStore runs the store-side optimizations that must never
// change the matched set: spatial index presence and, above the
// promotion threshold, a materialized result set. Failures here are
// logged and skipped — an optimization is never allowed to fail the
// filter. Returns whether an existing materialized set was reused.
func (e *Engine) prepareStore(ctx context.Context, kind dialect.Kind, expr dialect.Expression, target layer.Info) bool {
	switch kind {
	case dialect.RelationalStore:
		if im, err := e.session.PGIndexManager(ctx); err == nil {
			if _, err := im.EnsureIndex(ctx, target.Schema, target.Table, target.GeomColumn); err != nil {
				e.logger.Warn("spatial index ensure failed", "layer", target.ID, "error", err)
			}
		}
		if target.FeatureCount < e.session.opts.PromotionThreshold {
			return false
		}
		mv, err := e.session.MVManager(ctx)
		if err != nil {
			return false
		}
		query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s",
			sqlbuilder.QuoteIdent(target.PK.Column),
			sqlbuilder.QuoteIdent(target.GeomColumn),
			sqlbuilder.QualifyTable(target.Schema, target.Table),
			expr.Text)
		_, reused, err := mv.Ensure(ctx, query, target.Table, target.GeomColumn)
		if err != nil {
			e.logger.Warn("materialized result set skipped", "layer", target.ID, "error", err)
			return false
		}
		return reused
	case dialect.EmbeddedStore:
		if im, err := e.session.SLIndexManager(ctx); err == nil {
			if _, err := im.EnsureIndex(ctx, target.Table, target.GeomColumn); err != nil {
				e.logger.Warn("spatial index ensure failed", "layer", target.ID, "error", err)
			}
		}
		return false
	case dialect.GenericFormat:
		return false
	}
	return false
}

// Preview compiles the request without executing anything: no store
// connections, no history, no optimization side effects. Useful for
// inspecting the subset definition each target would receive.
func (e *Engine) Preview(ctx context.Context, req FilterRequest) (BatchResult, error) {
	var batch BatchResult

	if len(req.Predicates) == 0 {
		return batch, gferr.ExpressionError("request has no predicates")
	}
	if req.SourceWKT == "" {
		return batch, gferr.ExpressionError("request has no source geometry")
	}
	if req.CombineOp == "" {
		req.CombineOp = dialect.CombineAnd
	}

	buf := buffer.ResolveConfig(req.BufferExpression, req.BufferDistance, req.BufferOverrideActive, buffer.Config{
		Segments: req.BufferSegments,
		Endcap:   buffer.EndcapStyle(req.BufferEndcap),
		Join:     buffer.JoinStyle(req.BufferJoin),
	})
	srcWKT, srcSRID, err := e.sourceGeometry(req)
	if err != nil {
		return batch, err
	}
	opts := dialect.BuildOptions{
		CentroidApprox: req.CentroidApprox,
		MetricSRID:     e.session.opts.MetricSRID,
	}

	for _, target := range req.Targets {
		if err := ctx.Err(); err != nil {
			return batch, gferr.Wrap(gferr.ErrCancelled, "operation cancelled", err)
		}
		kind := storage.Select(target.Layer, target.Override)
		ref := e.buildRef(req, target.Layer, kind, srcWKT, srcSRID)
		usedFallback := false
		expr, _, err := e.session.Builder(kind).Build(ref, req.Predicates, req.CombineOp, buf, target.Layer, opts)
		if err != nil && gferr.IsKind(err, gferr.ErrUnsupported) && kind != dialect.GenericFormat {
			kind = dialect.GenericFormat
			usedFallback = true
			expr, _, err = e.session.Builder(kind).Build(ref, req.Predicates, req.CombineOp, buf, target.Layer, opts)
		}
		if err != nil {
			batch.Results = append(batch.Results, failedResult(target.Layer.ID, kind, err))
			batch.Failed++
			continue
		}
		batch.Results = append(batch.Results, FilterResult{
			LayerID:          target.Layer.ID,
			Success:          true,
			SubsetDefinition: expr.Text,
			UsedFallback:     usedFallback,
			Dialect:          kind,
		})
		batch.Succeeded++
	}
	return batch, nil
}

// RemoveLayer deletes the layer's history rows; called when the layer
// itself is removed from the project.
func (e *Engine) RemoveLayer(ctx context.Context, projectID, layerID string) (int64, error) {
	return e.session.History.DeleteForLayer(ctx, projectID, layerID)
}

func failedResult(layerID string, kind dialect.Kind, err error) FilterResult {
	return FilterResult{
		LayerID:      layerID,
		Dialect:      kind,
		ErrorMessage: err.Error(),
	}
}
