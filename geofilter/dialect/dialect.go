package dialect

import (
	"github.com/geofilter/geofilter/geofilter/buffer"
	"github.com/geofilter/geofilter/geofilter/layer"
	"github.com/geofilter/geofilter/geofilter/sref"
)

// Kind is the tagged variant over the three supported dialects. Every
// switch over Kind lists all three cases so adding a fourth dialect is
// a checked change, not a silent fallthrough.
type Kind int

const (
	RelationalStore Kind = iota
	EmbeddedStore
	GenericFormat
)

func (k Kind) String() string {
	switch k {
	case RelationalStore:
		return "relational"
	case EmbeddedStore:
		return "embedded"
	case GenericFormat:
		return "generic"
	}
	return "unknown"
}

// CombineOp joins the per-predicate boolean tests.
type CombineOp string

const (
	CombineAnd CombineOp = "AND"
	CombineOr  CombineOp = "OR"
)

// Expression is a built filter expression. Immutable once built.
type Expression struct {
	Text    string
	Spatial bool
	// Fields lists the target columns the expression references,
	// quoted exactly as cataloged.
	Fields  []string
	Dialect Kind
}

// Diagnostics records what the builder decided, for logging and for
// the caller's used_optimization reporting.
type Diagnostics struct {
	TransformedToMetric bool
	MetricSRID          int
	Buffered            bool
	CentroidApprox      bool
	CorrelatedSubquery  bool
	PredicateOrder      []string
}

// BuildOptions tune a single build.
type BuildOptions struct {
	// CentroidApprox substitutes the centroid for the full source
	// geometry, trading accuracy for speed on complex polygons.
	CentroidApprox bool
	// MetricSRID is the projected system used when a geographic input
	// must be transformed before buffering. Zero selects the default.
	MetricSRID int
}

// Builder turns a geometry reference, predicate set, buffer config and
// target layer into one dialect-correct filter expression. Builders
// are pure: no I/O, no retained state between calls.
type Builder interface {
	Kind() Kind
	Build(ref sref.Ref, predicates []string, op CombineOp, buf buffer.Config, target layer.Info, opts BuildOptions) (Expression, Diagnostics, error)
}
