package generic

import (
	"context"
	"reflect"
	"testing"

	"github.com/geofilter/geofilter/geofilter/dialect"
	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/layer"
)

func fixtures() []Feature {
	return []Feature{
		{ID: "1", Attrs: map[string]any{"kind": "river", "width": 12.0}},
		{ID: "2", Attrs: map[string]any{"kind": "river", "width": 4.0}},
		{ID: "3", Attrs: map[string]any{"kind": "road", "width": 20.0}},
		{ID: "4", Attrs: map[string]any{"kind": "canal"}},
	}
}

func TestExecuteAttributeFilter(t *testing.T) {
	e := New(nil)
	e.LoadFeatures("water", fixtures())
	target := layer.Info{ID: "water", Table: "water", PK: layer.PrimaryKey{Column: "fid"}}

	expr := dialect.Expression{Text: `"kind" = 'river' AND "width" > 10`, Dialect: dialect.GenericFormat}
	res, err := e.Execute(context.Background(), expr, target)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || !reflect.DeepEqual(res.MatchedIDs, []string{"1"}) {
		t.Fatalf("matched = %v", res.MatchedIDs)
	}
	if res.FilterText != expr.Text {
		t.Fatalf("filter text must round through unchanged")
	}
}

func TestExecuteSpatialReturnsTextOnly(t *testing.T) {
	e := New(nil)
	e.LoadFeatures("water", fixtures())
	target := layer.Info{ID: "water"}

	expr := dialect.Expression{
		Text:    "intersects($geometry, geom_from_wkt('POINT(1 2)'))",
		Spatial: true,
		Dialect: dialect.GenericFormat,
	}
	res, err := e.Execute(context.Background(), expr, target)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Spatial evaluation belongs to the host format; the engine's
	// deliverable is the validated expression text.
	if !res.Success || res.MatchedIDs != nil {
		t.Fatalf("spatial expression should pass through: %+v", res)
	}
}

func TestExecuteRejectsMalformedExpression(t *testing.T) {
	e := New(nil)
	expr := dialect.Expression{Text: `"kind" = 'river`, Dialect: dialect.GenericFormat}
	_, err := e.Execute(context.Background(), expr, layer.Info{ID: "x"})
	if !gferr.IsKind(err, gferr.ErrExpression) {
		t.Fatalf("expected expression error, got %v", err)
	}
}

func TestCheckSyntax(t *testing.T) {
	good := []string{
		`"a" = 1`,
		`("a" = 1 AND "b" = 2) OR "c" = 'x'`,
		`"name" = 'it''s'`,
		`"col ""q""" = 3`,
	}
	for _, s := range good {
		if err := checkSyntax(s); err != nil {
			t.Errorf("checkSyntax(%q) = %v", s, err)
		}
	}
	bad := []string{`("a" = 1`, `"a" = 1)`, `'unterminated`, `"unterminated`}
	for _, s := range bad {
		if err := checkSyntax(s); err == nil {
			t.Errorf("checkSyntax(%q) should fail", s)
		}
	}
}

func TestEvaluateOperators(t *testing.T) {
	feats := fixtures()
	cases := []struct {
		expr string
		want []string
	}{
		{`"kind" = 'river'`, []string{"1", "2"}},
		{`"kind" != 'river'`, []string{"3", "4"}},
		{`"width" >= 12`, []string{"1", "3"}},
		{`"width" < 5`, []string{"2"}},
		{`"kind" = 'river' OR "width" > 15`, []string{"1", "2", "3"}},
		{`"missing" = 1`, nil},
	}
	for _, tc := range cases {
		got, err := evaluate(tc.expr, feats)
		if err != nil {
			t.Errorf("evaluate(%q): %v", tc.expr, err)
			continue
		}
		if len(got) == 0 {
			got = nil
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}
