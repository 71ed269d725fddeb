// Package spatialite builds filter expressions in the embedded-store
// dialect (SpatiaLite SQL).
package spatialite

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

const srcAlias = "gf_src"

type Builder struct{}

func New() Builder { return Builder{} }

func (Builder) Kind() dialect.Kind { return dialect.EmbeddedStore }

// Build produces a standalone SpatiaLite WHERE-clause fragment. When
// the source is a literal geometry it also emits a SpatialIndex rowid
// pre-filter so the R*Tree is consulted before the exact predicate.
func (b Builder) Build(ref sref.Ref, predicates []string, op dialect.CombineOp, buf buffer.Config, target layer.Info, opts dialect.BuildOptions) (dialect.Expression, dialect.Diagnostics, error) {
	var diag dialect.Diagnostics

	if err := ref.Validate(); err != nil {
		return dialect.Expression{}, diag, gferr.Wrap(gferr.ErrExpression, "geometry reference", err)
	}
	if len(predicates) == 0 {
		return dialect.Expression{}, diag, gferr.ExpressionError("no predicates")
	}
	if buf.PerFeature() && ref.Kind != sref.Correlated {
		return dialect.Expression{}, diag, gferr.UnsupportedError("per-feature buffer requires a same-store source table")
	}
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(ref.WKT)), "GEOMETRYCOLLECTION") {
		// SpatiaLite predicate behavior on mixed collections is
		// unreliable; fail closed so the caller falls back to the
		// generic builder.
		return dialect.Expression{}, diag, gferr.UnsupportedError("geometry collections are not supported by the embedded-store dialect")
	}

	ordered := predicate.SortBySelectivity(predicates)
	diag.PredicateOrder = ordered

	symbols := make([]string, len(ordered))
	for i, name := range ordered {
		sym, ok := predicate.DialectSymbol(name, dialect.EmbeddedStore)
		if !ok {
			return dialect.Expression{}, diag, gferr.UnsupportedError(fmt.Sprintf("predicate %q has no embedded-store form", name))
		}
		symbols[i] = sym
	}

	srcGeom := b.sourceGeometry(ref, buf, target, opts, &diag)
	targetGeom := sqlbuilder.QuoteIdent(target.GeomColumn)
	if ref.Kind == sref.Correlated {
		targetGeom = sqlbuilder.QuoteIdent(target.Table) + "." + targetGeom
	}

	tests := make([]string, len(symbols))
	for i, sym := range symbols {
		tests[i] = fmt.Sprintf("%s(%s, %s)", sym, targetGeom, srcGeom)
	}
	body := strings.Join(tests, " "+string(op)+" ")

	var text string
	switch ref.Kind {
	case sref.Correlated:
		text = b.wrapExists(ref, body)
		diag.CorrelatedSubquery = true
	case sref.Literal:
		text = body
		if idx := b.indexPrefilter(ref, buf, target, ordered, opts); idx != "" {
			text = "(" + body + ") AND " + idx
		}
	}

	expr := dialect.Expression{
		Text:    text,
		Spatial: true,
		Fields:  []string{target.GeomColumn},
		Dialect: dialect.EmbeddedStore,
	}
	return expr, diag, nil
}

func (b Builder) sourceGeometry(ref sref.Ref, buf buffer.Config, target layer.Info, opts dialect.BuildOptions, diag *dialect.Diagnostics) string {
	var g string
	switch ref.Kind {
	case sref.Literal:
		g = fmt.Sprintf("GeomFromText(%s, %d)", sqlbuilder.QuoteLiteral(ref.WKT), ref.SRID)
	case sref.Correlated:
		g = srcAlias + "." + sqlbuilder.QuoteIdent(ref.GeomColumn)
	}

	if opts.CentroidApprox {
		g = fmt.Sprintf("Centroid(%s)", g)
		diag.CentroidApprox = true
	}

	srid := ref.SRID
	if buf.Active {
		if layer.GeographicSRID(srid) {
			metric := opts.MetricSRID
			if metric == 0 {
				metric = DefaultMetricSRID
			}
			g = fmt.Sprintf("Transform(%s, %d)", g, metric)
			srid = metric
			diag.TransformedToMetric = true
			diag.MetricSRID = metric
		}
		// SpatiaLite's Buffer takes no endcap/join parameters; the
		// segment and style settings apply to the other dialects only.
		g = fmt.Sprintf("Buffer(%s, %s)", g, b.distanceTerm(buf))
		diag.Buffered = true
	}

	if srid != target.SRID {
		g = fmt.Sprintf("Transform(%s, %d)", g, target.SRID)
	}
	return g
}

func (b Builder) distanceTerm(buf buffer.Config) string {
	if buf.PerFeature() {
		return "(" + buf.Expression + ")"
	}
	return sqlbuilder.FormatFloat(buf.Distance)
}

// indexPrefilter emits the R*Tree lookup. Disjoint filters match rows
// outside the search frame, so the pre-filter would change the result
// set and is skipped.
func (b Builder) indexPrefilter(ref sref.Ref, buf buffer.Config, target layer.Info, ordered []string, opts dialect.BuildOptions) string {
	for _, name := range ordered {
		if name == predicate.Disjoint {
			return ""
		}
	}
	frame := b.sourceGeometry(ref, buf, target, opts, &dialect.Diagnostics{})
	return fmt.Sprintf(
		"ROWID IN (SELECT ROWID FROM SpatialIndex WHERE f_table_name = %s AND search_frame = %s)",
		sqlbuilder.QuoteLiteral(target.Table), frame)
}

func (b Builder) wrapExists(ref sref.Ref, body string) string {
	from := sqlbuilder.QuoteIdent(ref.Table) + " AS " + srcAlias
	where := body
	if ref.SourceFeatureID != "" && ref.PKColumn != "" {
		where = fmt.Sprintf("%s.%s = %s AND (%s)",
			srcAlias, sqlbuilder.QuoteIdent(ref.PKColumn), sqlbuilder.QuoteLiteral(ref.SourceFeatureID), body)
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s)", from, where)
}
