package geofilter

import (
	"time"

	"github.com/geofilter/geofilter/geofilter/dialect"
	"github.com/geofilter/geofilter/geofilter/layer"
)

// TargetSpec names one dataset to filter, with an optional per-layer
// dialect override and an optional existing subset definition to
// combine with.
type TargetSpec struct {
	Layer    layer.Info
	Override *dialect.Kind

	// ExistingSubset is the target's current subset definition. When
	// CombineWithExisting is set the new filter is ANDed onto it
	// instead of replacing it.
	ExistingSubset      string
	CombineWithExisting bool
}

// FilterRequest is the declarative input consumed from the control
// surface: one source geometry, a predicate set, a buffer
// configuration, and the target datasets.
type FilterRequest struct {
	ProjectID string

	Source          layer.Info
	SourceWKT       string
	SourceFeatureID string // restricts correlated filtering to one source feature

	Predicates []string
	CombineOp  dialect.CombineOp

	BufferExpression     string
	BufferDistance       float64
	BufferOverrideActive bool
	BufferSegments       int
	BufferEndcap         string
	BufferJoin           string

	// CentroidApprox substitutes the source centroid for the full
	// geometry, trading accuracy for speed on complex polygons.
	CentroidApprox bool

	Targets []TargetSpec
}

// FilterResult is the per-target outcome. Constructed once, never
// mutated. SubsetDefinition is the engine's primary output: the caller
// persists it as the dataset's subset; the engine never applies it.
type FilterResult struct {
	LayerID          string
	Success          bool
	SubsetDefinition string
	MatchedIDs       []string
	Duration         time.Duration
	UsedOptimization bool
	UsedFallback     bool
	Dialect          dialect.Kind
	ErrorMessage     string
}

// BatchResult reports a multi-target operation. A failed layer aborts
// that layer only; the rest of the batch still runs.
type BatchResult struct {
	Results   []FilterResult
	Succeeded int
	Failed    int
}

// Partial reports whether the batch succeeded for some layers but not
// all.
func (b BatchResult) Partial() bool {
	return b.Succeeded > 0 && b.Failed > 0
}
