package sref

import "testing"

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		ref  Ref
		ok   bool
	}{
		{"literal", LiteralRef("POINT(1 2)", 4326), true},
		{"literal no wkt", LiteralRef("", 4326), false},
		{"literal no srid", LiteralRef("POINT(1 2)", 0), false},
		{"correlated", CorrelatedRef("public", "zones", "geom", "fid", 2193), true},
		{"correlated no schema", CorrelatedRef("", "zones", "geom", "fid", 2193), true},
		{"correlated no table", CorrelatedRef("public", "", "geom", "fid", 2193), false},
		{"correlated no geom column", CorrelatedRef("public", "zones", "", "fid", 2193), false},
		{"unknown kind", Ref{Kind: RefKind(7), WKT: "POINT(0 0)", SRID: 4326}, false},
	}
	for _, tc := range cases {
		if err := tc.ref.Validate(); (err == nil) != tc.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestCorrelatedRefCarriesPayloadForFallback(t *testing.T) {
	ref := CorrelatedRef("", "zones", "geom", "fid", 2193)
	ref.WKT = "POINT(1 2)"
	if err := ref.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ref.Kind != Correlated || ref.WKT == "" {
		t.Fatalf("payload lost: %+v", ref)
	}
}
