package sref

import "fmt"

// RefKind distinguishes how the source geometry enters the built
// expression.
type RefKind int

const (
	// Literal embeds the geometry payload (WKT) into the expression.
	Literal RefKind = iota
	// Correlated references the source table directly; only valid when
	// source and target live in the same store.
	Correlated
)

// Ref is the structured reference to the source geometry of a filter.
// It is built once during request construction and consumed by every
// dialect builder; downstream code never re-derives any of these fields
// from generated expression text.
type Ref struct {
	Kind RefKind

	// WKT is the geometry payload. Required for Literal refs;
	// Correlated refs may carry it too so a fallback rebuild against
	// the generic dialect does not have to re-extract the geometry.
	WKT  string
	SRID int

	// Source table coordinates for Correlated refs.
	Schema     string
	Table      string
	GeomColumn string
	PKColumn   string

	// SourceFeatureID restricts a correlated ref to a single source
	// feature; empty means all source features participate.
	SourceFeatureID string
}

// LiteralRef builds a literal geometry reference.
func LiteralRef(wkt string, srid int) Ref {
	return Ref{Kind: Literal, WKT: wkt, SRID: srid}
}

// CorrelatedRef builds a same-store table reference.
func CorrelatedRef(schema, table, geomColumn, pkColumn string, srid int) Ref {
	return Ref{
		Kind:       Correlated,
		Schema:     schema,
		Table:      table,
		GeomColumn: geomColumn,
		PKColumn:   pkColumn,
		SRID:       srid,
	}
}

// Validate rejects refs that cannot produce a correct expression.
func (r Ref) Validate() error {
	switch r.Kind {
	case Literal:
		if r.WKT == "" {
			return fmt.Errorf("literal geometry reference has empty WKT")
		}
	case Correlated:
		if r.Table == "" || r.GeomColumn == "" {
			return fmt.Errorf("correlated geometry reference needs table and geometry column")
		}
	default:
		return fmt.Errorf("unknown geometry reference kind %d", r.Kind)
	}
	if r.SRID == 0 {
		return fmt.Errorf("geometry reference has no SRID")
	}
	return nil
}

// QualifiedTable returns schema.table for correlated refs, quoted by
// the caller's dialect rules.
func (r Ref) QualifiedTable() (schema, table string) {
	return r.Schema, r.Table
}
