package generic

import (
	"fmt"
	"strconv"
	"strings"
)

// checkSyntax rejects expressions with unbalanced parentheses or
// unterminated quoting. The generic format is applied by the host, so
// a malformed expression must fail here, not after persistence.
func checkSyntax(text string) error {
	depth := 0
	var quote byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			if c == quote {
				// doubled quote chars are escapes
				if i+1 < len(text) && text[i+1] == quote {
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
				return fmt.Errorf("unbalanced parentheses at offset %d", i)
			}
		}
	}
	if quote != 0 {
		return fmt.Errorf("unterminated %c quote", quote)
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced parentheses")
	}
	return nil
}

// evaluate runs an attribute-only filter of the form
//
//	"field" op literal [AND|OR "field" op literal ...]
//
// against fixture rows. This intentionally covers only flat
// comparisons; anything richer belongs in a real store.
func evaluate(text string, feats []Feature) ([]string, error) {
	terms, ops, err := splitTopLevel(text)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0)
	for _, f := range feats {
		match, err := evalTerms(terms, ops, f)
		if err != nil {
			return nil, err
		}
		if match {
			ids = append(ids, f.ID)
		}
	}
	return ids, nil
}

// splitTopLevel splits on AND/OR outside quotes and parentheses.
func splitTopLevel(text string) (terms []string, ops []string, err error) {
	depth := 0
	var quote byte
	last := 0
	upper := strings.ToUpper(text)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			if c == quote {
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
		}
		if depth != 0 || quote != 0 {
			continue
		}
		for _, word := range []string{" AND ", " OR "} {
			if strings.HasPrefix(upper[i:], word) {
				terms = append(terms, strings.TrimSpace(text[last:i]))
				ops = append(ops, strings.TrimSpace(word))
				last = i + len(word)
				i = last - 1
				break
			}
		}
	}
	terms = append(terms, strings.TrimSpace(text[last:]))
	for _, t := range terms {
		if t == "" {
			return nil, nil, fmt.Errorf("empty term in expression")
		}
	}
	return terms, ops, nil
}

func evalTerms(terms, ops []string, f Feature) (bool, error) {
	result, err := evalTerm(terms[0], f)
	if err != nil {
		return false, err
	}
	for i, op := range ops {
		next, err := evalTerm(terms[i+1], f)
		if err != nil {
			return false, err
		}
		if op == "AND" {
			result = result && next
		} else {
			result = result || next
		}
	}
	return result, nil
}

var comparators = []string{"<=", ">=", "!=", "<>", "=", "<", ">"}

func evalTerm(term string, f Feature) (bool, error) {
	term = strings.TrimSpace(term)
	for strings.HasPrefix(term, "(") && strings.HasSuffix(term, ")") {
		inner := strings.TrimSpace(term[1 : len(term)-1])
		if err := checkSyntax(inner); err != nil {
			break
		}
		term = inner
	}
	for _, cmp := range comparators {
		idx := indexOutsideQuotes(term, cmp)
		if idx < 0 {
			continue
		}
		field := unquoteIdent(strings.TrimSpace(term[:idx]))
		lit := strings.TrimSpace(term[idx+len(cmp):])
		val, ok := f.Attrs[field]
		if !ok {
			return false, nil
		}
		return compare(val, cmp, lit)
	}
	return false, fmt.Errorf("unsupported term %q", term)
}

func indexOutsideQuotes(s, sub string) int {
	var quote byte
	for i := 0; i+len(sub) <= len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func unquoteIdent(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

func compare(val any, cmp, lit string) (bool, error) {
	if len(lit) >= 2 && lit[0] == '\'' && lit[len(lit)-1] == '\'' {
		want := strings.ReplaceAll(lit[1:len(lit)-1], "''", "'")
		got := fmt.Sprint(val)
		switch cmp {
		case "=":
			return got == want, nil
		case "!=", "<>":
			return got != want, nil
		case "<":
			return got < want, nil
		case "<=":
			return got <= want, nil
		case ">":
			return got > want, nil
		case ">=":
			return got >= want, nil
		}
		return false, fmt.Errorf("unknown comparator %q", cmp)
	}

	want, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return false, fmt.Errorf("literal %q is neither quoted string nor number", lit)
	}
	got, err := toFloat(val)
	if err != nil {
		return false, nil
	}
	switch cmp {
	case "=":
		return got == want, nil
	case "!=", "<>":
		return got != want, nil
	case "<":
		return got < want, nil
	case "<=":
		return got <= want, nil
	case ">":
		return got > want, nil
	case ">=":
		return got >= want, nil
	}
	return false, fmt.Errorf("unknown comparator %q", cmp)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}
