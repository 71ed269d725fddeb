// Package generic builds filter expressions in the expression-engine
// format that every storage kind can evaluate. It is the explicit
// escape hatch for features the native dialects cannot express
// (per-row buffers without a source table, mixed geometry collections)
// and the universal fallback for unrecognized storage kinds.
package generic

import (
	"fmt"
	"strings"

	"github.com/geofilter/geofilter/geofilter/buffer"
	"github.com/geofilter/geofilter/geofilter/dialect"
	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/layer"
	"github.com/geofilter/geofilter/geofilter/predicate"
	"github.com/geofilter/geofilter/geofilter/sref"
	"github.com/geofilter/geofilter/geofilter/storage/sqlbuilder"
)

const DefaultMetricSRID = 3857

type Builder struct{}

func New() Builder { return Builder{} }

func (Builder) Kind() dialect.Kind { return dialect.GenericFormat }

// Build produces an expression over the implicit $geometry of each
// target feature. The generic format has no table context, so the
// source geometry always enters as a literal payload; a correlated ref
// is usable only when it carries the WKT alongside its table
// coordinates.
func (b Builder) Build(ref sref.Ref, predicates []string, op dialect.CombineOp, buf buffer.Config, target layer.Info, opts dialect.BuildOptions) (dialect.Expression, dialect.Diagnostics, error) {
	var diag dialect.Diagnostics

	if ref.WKT == "" {
		return dialect.Expression{}, diag, gferr.ExpressionError("generic dialect needs a literal geometry payload")
	}
	if len(predicates) == 0 {
		return dialect.Expression{}, diag, gferr.ExpressionError("no predicates")
	}

	ordered := predicate.SortBySelectivity(predicates)
	diag.PredicateOrder = ordered

	symbols := make([]string, len(ordered))
	for i, name := range ordered {
		sym, ok := predicate.DialectSymbol(name, dialect.GenericFormat)
		if !ok {
			// Every canonical predicate is registered for the generic
			// format; only an unknown caller-supplied name lands here.
			return dialect.Expression{}, diag, gferr.UnsupportedError(fmt.Sprintf("unknown predicate %q", name))
		}
		symbols[i] = sym
	}

	g := fmt.Sprintf("geom_from_wkt(%s)", sqlbuilder.QuoteLiteral(ref.WKT))

	if opts.CentroidApprox {
		g = fmt.Sprintf("centroid(%s)", g)
		diag.CentroidApprox = true
	}

	srid := ref.SRID
	if buf.Active {
		if layer.GeographicSRID(srid) {
			metric := opts.MetricSRID
			if metric == 0 {
				metric = DefaultMetricSRID
			}
			g = fmt.Sprintf("transform(%s, 'EPSG:%d', 'EPSG:%d')", g, srid, metric)
			srid = metric
			diag.TransformedToMetric = true
			diag.MetricSRID = metric
		}
		g = fmt.Sprintf("buffer(%s, %s, %d)", g, b.distanceTerm(buf), buf.Segments)
		diag.Buffered = true
	}

	if srid != target.SRID {
		g = fmt.Sprintf("transform(%s, 'EPSG:%d', 'EPSG:%d')", g, srid, target.SRID)
	}

	tests := make([]string, len(symbols))
	for i, sym := range symbols {
		tests[i] = fmt.Sprintf("%s($geometry, %s)", sym, g)
	}
	text := strings.Join(tests, " "+string(op)+" ")

	expr := dialect.Expression{
		Text:    text,
		Spatial: true,
		Fields:  nil, // $geometry is implicit, no cataloged columns referenced
		Dialect: dialect.GenericFormat,
	}
	return expr, diag, nil
}

// distanceTerm carries a per-feature expression verbatim; the
// expression engine resolves quoted field references per row, which is
// why dynamic buffers always work in this dialect.
func (b Builder) distanceTerm(buf buffer.Config) string {
	if buf.PerFeature() {
		return "(" + buf.Expression + ")"
	}
	return sqlbuilder.FormatFloat(buf.Distance)
}
