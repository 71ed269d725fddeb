// Package buffer decides whether a fixed distance or a per-feature
// expression drives buffering, and carries the geometric parameters of
// the buffer call.
package buffer

import (
	"fmt"
	"strconv"
	"strings"
)

// EndcapStyle shapes buffer line endings.
type EndcapStyle string

const (
	EndcapRound  EndcapStyle = "round"
	EndcapFlat   EndcapStyle = "flat"
	EndcapSquare EndcapStyle = "square"
)

// JoinStyle shapes buffer corners.
type JoinStyle string

const (
	JoinRound JoinStyle = "round"
	JoinMitre JoinStyle = "mitre"
	JoinBevel JoinStyle = "bevel"
)

const DefaultSegments = 8

// Config is a resolved buffer configuration. After Resolve exactly one
// of Distance/Expression is live: Expression != "" means per-feature
// buffering and Distance is zero; otherwise Distance drives, including
// Distance == 0 meaning buffering is off when Active is false.
//
// Negative distances mean erosion and are preserved verbatim; only
// tolerance heuristics may take the absolute value, never the buffer
// call itself.
type Config struct {
	Distance   float64
	Expression string
	Active     bool
	Segments   int
	Endcap     EndcapStyle
	Join       JoinStyle
}

// DefaultConfig returns an inactive buffer with standard geometry
// parameters.
func DefaultConfig() Config {
	return Config{
		Segments: DefaultSegments,
		Endcap:   EndcapRound,
		Join:     JoinRound,
	}
}

// PerFeature reports whether a per-feature expression drives the
// buffer.
func (c Config) PerFeature() bool {
	return c.Active && c.Expression != ""
}

// Resolve decides which of a stored expression and a numeric value
// drives buffering. Priority:
//
//  1. override inactive: the numeric value wins outright, even if an
//     expression is present — a stale expression must never silently
//     reactivate;
//  2. override active but the expression is empty after trimming:
//     fall back to the numeric value;
//  3. override active and the expression is a bare number: parse it
//     into the numeric value and null the expression;
//  4. otherwise carry the expression verbatim and force the numeric
//     value to zero.
func Resolve(expression string, numeric float64, overrideActive bool) (float64, string) {
	if !overrideActive {
		return numeric, ""
	}
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return numeric, ""
	}
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return v, ""
	}
	return 0, trimmed
}

// ValidateExpression rejects per-feature buffer expressions with
// unbalanced quoting or parentheses. A malformed expression is
// surfaced to the caller, never swallowed — swallowing would silently
// disable buffering.
func ValidateExpression(expr string) error {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(expr) && expr[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced parentheses in buffer expression")
			}
		}
	}
	if quote != 0 {
		return fmt.Errorf("unterminated %c quote in buffer expression", quote)
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced parentheses in buffer expression")
	}
	return nil
}

// ResolveConfig applies Resolve and returns a Config ready for the
// dialect builders. Buffering is active when either driver is nonzero.
func ResolveConfig(expression string, numeric float64, overrideActive bool, base Config) Config {
	dist, expr := Resolve(expression, numeric, overrideActive)
	out := base
	if out.Segments <= 0 {
		out.Segments = DefaultSegments
	}
	if out.Endcap == "" {
		out.Endcap = EndcapRound
	}
	if out.Join == "" {
		out.Join = JoinRound
	}
	out.Distance = dist
	out.Expression = expr
	out.Active = expr != "" || dist != 0
	return out
}
