package generic

import (
	"strings"
	"testing"

	"github.com/geofilter/geofilter/geofilter/buffer"
	"github.com/geofilter/geofilter/geofilter/dialect"
	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/layer"
	"github.com/geofilter/geofilter/geofilter/predicate"
	"github.com/geofilter/geofilter/geofilter/sref"
)

func target() layer.Info {
	return layer.Info{ID: "sites", Table: "sites", GeomColumn: "geom", SRID: 2193}
}

func TestBuildBasic(t *testing.T) {
	ref := sref.LiteralRef("POINT(1 2)", 2193)
	expr, _, err := New().Build(ref, []string{predicate.Intersects}, dialect.CombineAnd, buffer.DefaultConfig(), target(), dialect.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := "intersects($geometry, geom_from_wkt('POINT(1 2)'))"
	if expr.Text != want {
		t.Fatalf("got %q, want %q", expr.Text, want)
	}
}

func TestTransformBeforeBufferUsesEPSGStrings(t *testing.T) {
	ref := sref.LiteralRef("POINT(174.76 -36.84)", 4326)
	buf := buffer.ResolveConfig("", 100, false, buffer.DefaultConfig())
	expr, diag, err := New().Build(ref, []string{predicate.Intersects}, dialect.CombineAnd, buf, target(), dialect.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !diag.TransformedToMetric {
		t.Fatalf("geographic input must be transformed before buffering")
	}
	if !strings.Contains(expr.Text, "buffer(transform(geom_from_wkt('POINT(174.76 -36.84)'), 'EPSG:4326', 'EPSG:3857'), 100, 8)") {
		t.Fatalf("transform/buffer chain wrong:\n%s", expr.Text)
	}
	// back to the target CRS for the predicate test
	if !strings.Contains(expr.Text, "'EPSG:3857', 'EPSG:2193'") {
		t.Fatalf("missing transform back to target CRS:\n%s", expr.Text)
	}
}

func TestPerFeatureBufferSupported(t *testing.T) {
	// Dynamic per-row buffers are exactly what the escape hatch is
	// for: the expression engine resolves field references per row.
	ref := sref.LiteralRef("POINT(1 2)", 2193)
	buf := buffer.ResolveConfig(`"dist_field"`, 0, true, buffer.DefaultConfig())
	expr, _, err := New().Build(ref, []string{predicate.Intersects}, dialect.CombineAnd, buf, target(), dialect.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(expr.Text, `buffer(geom_from_wkt('POINT(1 2)'), ("dist_field"), 8)`) {
		t.Fatalf("per-feature buffer missing:\n%s", expr.Text)
	}
}

func TestEveryCanonicalPredicateBuilds(t *testing.T) {
	ref := sref.LiteralRef("POINT(1 2)", 2193)
	for _, name := range predicate.Canonical() {
		if _, _, err := New().Build(ref, []string{name}, dialect.CombineAnd, buffer.DefaultConfig(), target(), dialect.BuildOptions{}); err != nil {
			t.Errorf("generic builder rejected %s: %v", name, err)
		}
	}
}

func TestNeedsLiteralPayload(t *testing.T) {
	ref := sref.CorrelatedRef("", "zones", "geom", "id", 2193) // no WKT attached
	_, _, err := New().Build(ref, []string{predicate.Intersects}, dialect.CombineAnd, buffer.DefaultConfig(), target(), dialect.BuildOptions{})
	if !gferr.IsKind(err, gferr.ErrExpression) {
		t.Fatalf("expected expression error, got %v", err)
	}

	ref.WKT = "POINT(1 2)"
	if _, _, err := New().Build(ref, []string{predicate.Intersects}, dialect.CombineAnd, buffer.DefaultConfig(), target(), dialect.BuildOptions{}); err != nil {
		t.Fatalf("correlated ref with payload should build: %v", err)
	}
}
