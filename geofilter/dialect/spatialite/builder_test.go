package spatialite

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
	return layer.Info{
		ID:         "buildings",
		Table:      "buildings",
		GeomColumn: "geometry",
		SRID:       2193,
		PK:         layer.PrimaryKey{Column: "fid", Integer: true},
	}
}

func TestTransformBeforeBuffer(t *testing.T) {
	ref := sref.LiteralRef("POINT(174.76 -36.84)", 4326)
	buf := buffer.ResolveConfig("", 50, false, buffer.DefaultConfig())
	expr, diag, err := New().Build(ref, []string{predicate.Intersects}, dialect.CombineAnd, buf, target(), dialect.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !diag.TransformedToMetric {
		t.Fatalf("geographic input must be transformed before buffering")
	}
	if !strings.Contains(expr.Text, "Buffer(Transform(GeomFromText(") {
		t.Fatalf("buffer does not wrap the transform:\n%s", expr.Text)
	}
}

func TestSpatialIndexPrefilter(t *testing.T) {
	ref := sref.LiteralRef("POINT(1 2)", 2193)
	expr, _, err := New().Build(ref, []string{predicate.Intersects}, dialect.CombineAnd, buffer.DefaultConfig(), target(), dialect.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(expr.Text, "ROWID IN (SELECT ROWID FROM SpatialIndex WHERE f_table_name = 'buildings'") {
		t.Fatalf("R*Tree prefilter missing:\n%s", expr.Text)
	}
	if !strings.Contains(expr.Text, "search_frame =") {
		t.Fatalf("search frame missing:\n%s", expr.Text)
	}
}

func TestDisjointSkipsPrefilter(t *testing.T) {
	// Disjoint matches rows outside the frame; the prefilter would
	// silently shrink the result set.
	ref := sref.LiteralRef("POINT(1 2)", 2193)
	expr, _, err := New().Build(ref, []string{predicate.Disjoint}, dialect.CombineAnd, buffer.DefaultConfig(), target(), dialect.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if strings.Contains(expr.Text, "SpatialIndex") {
		t.Fatalf("disjoint filter must not use the index prefilter:\n%s", expr.Text)
	}
}

func TestCoversFailsClosed(t *testing.T) {
	ref := sref.LiteralRef("POINT(1 2)", 2193)
	_, _, err := New().Build(ref, []string{predicate.Covers}, dialect.CombineAnd, buffer.DefaultConfig(), target(), dialect.BuildOptions{})
	if !gferr.IsKind(err, gferr.ErrUnsupported) {
		t.Fatalf("covers has no SpatiaLite form and must fail closed, got %v", err)
	}
}

func TestGeometryCollectionUnsupported(t *testing.T) {
	ref := sref.LiteralRef("GEOMETRYCOLLECTION(POINT(1 2))", 2193)
	_, _, err := New().Build(ref, []string{predicate.Intersects}, dialect.CombineAnd, buffer.DefaultConfig(), target(), dialect.BuildOptions{})
	if !gferr.IsKind(err, gferr.ErrUnsupported) {
		t.Fatalf("expected unsupported error for collection input, got %v", err)
	}
}

func TestCorrelatedExists(t *testing.T) {
	ref := sref.CorrelatedRef("", "zones", "geometry", "id", 2193)
	expr, diag, err := New().Build(ref, []string{predicate.Within}, dialect.CombineAnd, buffer.DefaultConfig(), target(), dialect.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !diag.CorrelatedSubquery {
		t.Fatalf("expected correlated wrap, diag=%+v", diag)
	}
	if !strings.HasPrefix(expr.Text, `EXISTS (SELECT 1 FROM "zones" AS gf_src WHERE `) {
		t.Fatalf("not a standalone EXISTS filter:\n%s", expr.Text)
	}
}
