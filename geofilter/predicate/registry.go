// Package predicate is the canonical registry of spatial predicate
// names, their per-dialect symbols, and the static selectivity order
// used to pre-sort predicate sets before expression building.
package predicate

import (
	"sort"

	"github.com/geofilter/geofilter/geofilter/dialect"
)

// Canonical predicate names. Callers pass these; dialect symbols are
// never exposed outside the built expression.
const (
	Intersects = "intersects"
	Contains   = "contains"
	Within     = "within"
	Equals     = "equals"
	Touches    = "touches"
	Overlaps   = "overlaps"
	Crosses    = "crosses"
	Disjoint   = "disjoint"
	Covers     = "covers"
	CoveredBy  = "coveredby"
)

// unknownOrder sorts unregistered predicates last instead of erroring;
// an unknown name still fails closed later when no dialect symbol
// resolves.
const unknownOrder = 99

// selectivity is static domain knowledge: equality and containment
// reject more candidate rows than overlap-style tests, so they run
// first under short-circuit evaluation.
var selectivity = map[string]int{
	Equals:     5,
	Within:     10,
	Contains:   15,
	CoveredBy:  20,
	Covers:     25,
	Crosses:    30,
	Touches:    35,
	Overlaps:   40,
	Intersects: 45,
	Disjoint:   90,
}

// relationalSymbols are PostGIS function names.
var relationalSymbols = map[string]string{
	Intersects: "ST_Intersects",
	Contains:   "ST_Contains",
	Within:     "ST_Within",
	Equals:     "ST_Equals",
	Touches:    "ST_Touches",
	Overlaps:   "ST_Overlaps",
	Crosses:    "ST_Crosses",
	Disjoint:   "ST_Disjoint",
	Covers:     "ST_Covers",
	CoveredBy:  "ST_CoveredBy",
}

// embeddedSymbols are SpatiaLite function names. Covers/CoveredBy have
// no native SpatiaLite function; they are absent so a request using
// them fails closed and the caller falls back to the generic builder.
var embeddedSymbols = map[string]string{
	Intersects: "Intersects",
	Contains:   "Contains",
	Within:     "Within",
	Equals:     "Equals",
	Touches:    "Touches",
	Overlaps:   "Overlaps",
	Crosses:    "Crosses",
	Disjoint:   "Disjoint",
}

// genericSymbols are expression-engine function names; the generic
// format expresses every canonical predicate.
var genericSymbols = map[string]string{
	Intersects: "intersects",
	Contains:   "contains",
	Within:     "within",
	Equals:     "equals",
	Touches:    "touches",
	Overlaps:   "overlaps",
	Crosses:    "crosses",
	Disjoint:   "disjoint",
	Covers:     "covers",
	CoveredBy:  "covered_by",
}

// Known reports whether name is a registered canonical predicate.
func Known(name string) bool {
	_, ok := selectivity[name]
	return ok
}

// DialectSymbol resolves a canonical name to its symbol in the given
// dialect. ok=false means the dialect cannot express the predicate;
// the caller must fail that predicate closed, never drop it.
func DialectSymbol(name string, kind dialect.Kind) (symbol string, ok bool) {
	switch kind {
	case dialect.RelationalStore:
		symbol, ok = relationalSymbols[name]
	case dialect.EmbeddedStore:
		symbol, ok = embeddedSymbols[name]
	case dialect.GenericFormat:
		symbol, ok = genericSymbols[name]
	}
	return symbol, ok
}

// SelectivityOrder returns the static evaluation rank of a predicate;
// lower ranks evaluate first. Unknown names rank last.
func SelectivityOrder(name string) int {
	if o, ok := selectivity[name]; ok {
		return o
	}
	return unknownOrder
}

// SortBySelectivity returns a new slice ordered by selectivity rank.
// The sort is stable: predicates of equal rank keep their caller
// order. Caller order is otherwise never trusted.
func SortBySelectivity(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.SliceStable(out, func(i, j int) bool {
		return SelectivityOrder(out[i]) < SelectivityOrder(out[j])
	})
	return out
}

// Canonical lists every registered predicate name in selectivity order.
func Canonical() []string {
	names := make([]string, 0, len(selectivity))
	for name := range selectivity {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, oj := selectivity[names[i]], selectivity[names[j]]
		if oi != oj {
			return oi < oj
		}
		return names[i] < names[j]
	})
	return names
}
