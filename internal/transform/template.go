package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// Pipelined builds a lazy string from literal segments interleaved with
// interpolated values, the way a tagged template literal would:
//
//	Pipelined([]string{"Summarize: ", ""}, PrevResultNth(0))
//
// len(segments) must be len(values)+1. Interpolated lazy strings are spliced in
// part by part so the result stays a flat sequence.
func Pipelined(segments []string, values ...interface{}) (*Value, error) {
	return NewConverter().Pipelined(segments, values...)
}

// Pipelined is the package-level Pipelined sharing this converter's memo.
func (c *Converter) Pipelined(segments []string, values ...interface{}) (*Value, error) {
	if len(segments) != len(values)+1 {
		return nil, fmt.Errorf("transform: %d segments need %d values, got %d", len(segments), len(segments)-1, len(values))
	}

	parts := []Part{}
	for i, segment := range segments {
		if segment != "" {
			parts = append(parts, Part{Kind: PartLiteral, Type: TypeString, Literal: segment})
		}
		if i == len(values) {
			break
		}

		v, err := c.Transform(values[i])
		if err != nil {
			return nil, err
		}
		parts = append(parts, interpolate(v)...)
	}

	return Lazy(TypeString, parts...), nil
}

func interpolate(v *Value) []Part {
	switch {
	case v.IsLazy() && v.Type == TypeString:
		return v.Transform
	case !v.IsLazy() && v.Type.scalar():
		return []Part{{Kind: PartLiteral, Type: v.Type, Literal: v.Scalar}}
	default:
		return []Part{{Kind: PartValue, Expr: v}}
	}
}

// RefOption adjusts a reference built by PrevResultNth or PrevResultAlias.
type RefOption func(*Reference)

// Match extracts capture group group of pattern from the referenced content.
// Content that does not match, or lacks the group, resolves to "".
func Match(pattern string, group int) RefOption {
	return func(r *Reference) {
		r.Pattern = pattern
		r.Group = group
	}
}

// PrevResultNth references the content of the n-th (zero based) predecessor of
// the node whose request contains the value.
func PrevResultNth(n int, opts ...RefOption) *Value {
	ref := Reference{Nth: &n}
	for _, opt := range opts {
		opt(&ref)
	}
	return Lazy(TypeString, Part{Kind: PartReference, Ref: &ref})
}

// PrevResultAlias references the content of the pipeline node labelled alias.
func PrevResultAlias(alias string, opts ...RefOption) *Value {
	ref := Reference{Alias: alias}
	for _, opt := range opts {
		opt(&ref)
	}
	return Lazy(TypeString, Part{Kind: PartReference, Ref: &ref})
}

// placeholder is the span of one ${...} in a template, and the expression
// between its braces.
type placeholder struct {
	start, end int
	expr       string
}

// scanPlaceholders finds ${...} placeholders. Braces inside a placeholder nest,
// and a backslash escapes the next byte, so patterns such as \d{2} or \} stay
// part of the expression. An unterminated or empty placeholder is left as
// literal text.
func scanPlaceholders(s string) []placeholder {
	var out []placeholder
	for i := 0; i+1 < len(s); {
		if s[i] != '$' || s[i+1] != '{' {
			i++
			continue
		}

		depth, end := 1, -1
		for j := i + 2; j < len(s) && end < 0; j++ {
			switch s[j] {
			case '\\':
				j++
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					end = j
				}
			}
		}
		if end < 0 {
			break
		}
		if end > i+2 {
			out = append(out, placeholder{start: i, end: end + 1, expr: s[i+2 : end]})
		}
		i = end + 1
	}
	return out
}

// ParseTemplate turns a string with ${...} placeholders into a lazy string.
// Placeholders take the forms
//
//	${prev:0}                 content of the first predecessor
//	${alias:writer}           content of the node aliased "writer"
//	${prev:0|X=(\d+)|1}       capture group 1 of the pattern applied to the content
//	${prev:0|X=(\d{2})|1}     braces in the pattern nest
//
// A string without placeholders is returned as a materialised string.
func ParseTemplate(s string) (*Value, error) {
	matches := scanPlaceholders(s)
	if len(matches) == 0 {
		return String(s), nil
	}

	segments := make([]string, 0, len(matches)+1)
	values := make([]interface{}, 0, len(matches))
	last := 0
	for _, m := range matches {
		segments = append(segments, s[last:m.start])
		ref, err := parsePlaceholder(m.expr)
		if err != nil {
			return nil, err
		}
		values = append(values, ref)
		last = m.end
	}
	segments = append(segments, s[last:])

	return Pipelined(segments, values...)
}

func parsePlaceholder(expr string) (*Value, error) {
	target, extract, hasExtract := strings.Cut(strings.TrimSpace(expr), "|")

	var opts []RefOption
	if hasExtract {
		pattern, group := extract, 0
		if i := strings.LastIndex(extract, "|"); i >= 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(extract[i+1:])); err == nil {
				pattern, group = extract[:i], n
			}
		}
		if pattern == "" {
			return nil, fmt.Errorf("transform: placeholder ${%s} has an empty pattern", expr)
		}
		opts = append(opts, Match(pattern, group))
	}

	kind, name, ok := strings.Cut(strings.TrimSpace(target), ":")
	if !ok || name == "" {
		return nil, fmt.Errorf("transform: placeholder ${%s} must be prev:N or alias:NAME", expr)
	}

	switch strings.TrimSpace(kind) {
	case "prev":
		n, err := strconv.Atoi(strings.TrimSpace(name))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("transform: placeholder ${%s} has an invalid ordinal", expr)
		}
		return PrevResultNth(n, opts...), nil
	case "alias":
		return PrevResultAlias(strings.TrimSpace(name), opts...), nil
	}
	return nil, fmt.Errorf("transform: placeholder ${%s} must be prev:N or alias:NAME", expr)
}
