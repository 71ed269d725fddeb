package sqlbuilder

import (
	"strconv"
	"strings"
)

// Style selects the placeholder syntax of the executing store.
type Style int

const (
	// Question is the SQLite-family placeholder: ?
	Question Style = iota
	// Dollar is the PostgreSQL placeholder: $1, $2, ...
	Dollar
)

// Builder accumulates query arguments and hands back the placeholder
// matching the store's style. Built filter expressions never carry
// placeholders — they are persisted as standalone text — so only the
// executor-side catalog and history statements parameterize through
// this.
type Builder struct {
	style Style
	args  []any
}

func New(style Style) *Builder {
	return &Builder{style: style}
}

// Arg registers v and returns its placeholder.
func (b *Builder) Arg(v any) string {
	b.args = append(b.args, v)
	if b.style == Dollar {
		return "$" + strconv.Itoa(len(b.args))
	}
	return "?"
}

// Args returns the registered arguments in placeholder order, for
// passing alongside the assembled statement.
func (b *Builder) Args() []any {
	return b.args
}

// QuoteIdent double-quotes an identifier, preserving its cataloged
// case exactly. Stripping quoting is a correctness bug: an unquoted
// mixed-case name silently resolves to the wrong column or fails.
func QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// QualifyTable quotes schema.table, omitting the schema part when
// empty.
func QualifyTable(schema, table string) string {
	if schema == "" {
		return QuoteIdent(table)
	}
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}

// QuoteLiteral single-quotes a string literal for inlining into a
// standalone filter expression.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// FormatFloat renders a float the shortest way that round-trips.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
