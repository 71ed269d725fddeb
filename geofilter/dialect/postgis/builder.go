// Package postgis builds filter expressions in the relational-store
// dialect (PostGIS SQL).
package postgis

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

// DefaultMetricSRID is the projected system used when a geographic
// input must be transformed before buffering.
const DefaultMetricSRID = 3857

const srcAlias = "gf_src"

type Builder struct{}

func New() Builder { return Builder{} }

func (Builder) Kind() dialect.Kind { return dialect.RelationalStore }

// Build produces a standalone PostGIS WHERE-clause fragment for the
// target layer. For correlated refs the whole test is wrapped in an
// EXISTS subquery against the source table so the result filters the
// target alone.
func (b Builder) Build(ref sref.Ref, predicates []string, op dialect.CombineOp, buf buffer.Config, target layer.Info, opts dialect.BuildOptions) (dialect.Expression, dialect.Diagnostics, error) {
	var diag dialect.Diagnostics

	if err := ref.Validate(); err != nil {
		return dialect.Expression{}, diag, gferr.Wrap(gferr.ErrExpression, "geometry reference", err)
	}
	if len(predicates) == 0 {
		return dialect.Expression{}, diag, gferr.ExpressionError("no predicates")
	}
	if buf.PerFeature() && ref.Kind != sref.Correlated {
		// A per-row buffer expression needs a source row to evaluate
		// against; a literal payload has none.
		return dialect.Expression{}, diag, gferr.UnsupportedError("per-feature buffer requires a same-store source table")
	}

	ordered := predicate.SortBySelectivity(predicates)
	diag.PredicateOrder = ordered

	symbols := make([]string, len(ordered))
	for i, name := range ordered {
		sym, ok := predicate.DialectSymbol(name, dialect.RelationalStore)
		if !ok {
			return dialect.Expression{}, diag, gferr.UnsupportedError(fmt.Sprintf("predicate %q has no relational-store form", name))
		}
		symbols[i] = sym
	}

	srcGeom := b.sourceGeometry(ref, buf, target, opts, &diag)
	targetGeom := sqlbuilder.QuoteIdent(target.GeomColumn)
	if ref.Kind == sref.Correlated {
		targetGeom = sqlbuilder.QualifyTable("", target.Table) + "." + targetGeom
	}

	tests := make([]string, len(symbols))
	for i, sym := range symbols {
		tests[i] = fmt.Sprintf("%s(%s, %s)", sym, targetGeom, srcGeom)
	}
	body := strings.Join(tests, " "+string(op)+" ")

	text := body
	if ref.Kind == sref.Correlated {
		text = b.wrapExists(ref, body)
		diag.CorrelatedSubquery = true
	}

	expr := dialect.Expression{
		Text:    text,
		Spatial: true,
		Fields:  []string{target.GeomColumn},
		Dialect: dialect.RelationalStore,
	}
	return expr, diag, nil
}

// sourceGeometry renders the source geometry term: centroid first if
// requested, then transform to a metric system when the input is
// geographic and buffering is active (buffering degrees directly is
// off by orders of magnitude), then the buffer call, then transform
// back to the target SRID.
func (b Builder) sourceGeometry(ref sref.Ref, buf buffer.Config, target layer.Info, opts dialect.BuildOptions, diag *dialect.Diagnostics) string {
	var g string
	switch ref.Kind {
	case sref.Literal:
		g = fmt.Sprintf("ST_GeomFromText(%s, %d)", sqlbuilder.QuoteLiteral(ref.WKT), ref.SRID)
	case sref.Correlated:
		g = srcAlias + "." + sqlbuilder.QuoteIdent(ref.GeomColumn)
	}

	if opts.CentroidApprox {
		g = fmt.Sprintf("ST_Centroid(%s)", g)
		diag.CentroidApprox = true
	}

	srid := ref.SRID
	if buf.Active {
		if layer.GeographicSRID(srid) {
			metric := opts.MetricSRID
			if metric == 0 {
				metric = DefaultMetricSRID
			}
			g = fmt.Sprintf("ST_Transform(%s, %d)", g, metric)
			srid = metric
			diag.TransformedToMetric = true
			diag.MetricSRID = metric
		}
		g = fmt.Sprintf("ST_Buffer(%s, %s, %s)", g, b.distanceTerm(buf), sqlbuilder.QuoteLiteral(styleParams(buf)))
		diag.Buffered = true
	}

	if srid != target.SRID {
		g = fmt.Sprintf("ST_Transform(%s, %d)", g, target.SRID)
	}
	return g
}

func (b Builder) distanceTerm(buf buffer.Config) string {
	if buf.PerFeature() {
		// The expression references source-row columns; it is carried
		// verbatim, parenthesized to keep precedence intact.
		return "(" + buf.Expression + ")"
	}
	return sqlbuilder.FormatFloat(buf.Distance)
}

func styleParams(buf buffer.Config) string {
	return fmt.Sprintf("quad_segs=%d endcap=%s join=%s", buf.Segments, buf.Endcap, buf.Join)
}

func (b Builder) wrapExists(ref sref.Ref, body string) string {
	from := sqlbuilder.QualifyTable(ref.Schema, ref.Table) + " AS " + srcAlias
	where := body
	if ref.SourceFeatureID != "" && ref.PKColumn != "" {
		where = fmt.Sprintf("%s.%s = %s AND (%s)",
			srcAlias, sqlbuilder.QuoteIdent(ref.PKColumn), sqlbuilder.QuoteLiteral(ref.SourceFeatureID), body)
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s)", from, where)
}
