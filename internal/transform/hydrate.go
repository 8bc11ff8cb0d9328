package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/tidwall/gjson"

	"promptchain/internal/common/errors"
)

// matchTimeout bounds a single pattern evaluation against node content.
const matchTimeout = 2 * time.Second

// Scope is everything hydration may read.
type Scope struct {
	// PrevIDs are the consuming node's predecessors in order; ordinal references index it.
	PrevIDs []string
	// AliasToID resolves alias references.
	AliasToID map[string]string
	// Content maps node ids to their accumulated content. Missing ids read as "".
	Content map[string]string
}

// Hydrate resolves v into a plain JSON-like value: nil, bool, string, float64,
// []interface{} or map[string]interface{}.
func Hydrate(scope Scope, v *Value) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if v.IsLazy() {
		return hydrateLazy(scope, v)
	}

	switch v.Type {
	case TypeNull:
		return nil, nil
	case TypeNumber:
		return toFloat(v.Scalar)
	case TypeBoolean, TypeString:
		return v.Scalar, nil
	case TypeArray:
		out := make([]interface{}, len(v.Items))
		for i, item := range v.Items {
			h, err := Hydrate(scope, item)
			if err != nil {
				return nil, err
			}
			out[i] = h
		}
		return out, nil
	case TypeObject:
		out := make(map[string]interface{}, len(v.Entries))
		for _, e := range v.Entries {
			k, err := Hydrate(scope, e.Key)
			if err != nil {
				return nil, err
			}
			val, err := Hydrate(scope, e.Value)
			if err != nil {
				return nil, err
			}
			key, err := Stringify(k)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	}
	return nil, errors.HydrationError(fmt.Sprintf("unknown value type %q", v.Type), nil)
}

// HydrateString hydrates v and renders the result as text.
func HydrateString(scope Scope, v *Value) (string, error) {
	h, err := Hydrate(scope, v)
	if err != nil {
		return "", err
	}
	return Stringify(h)
}

func hydrateLazy(scope Scope, v *Value) (interface{}, error) {
	if v.Type == TypeNull {
		return nil, nil
	}

	var sb strings.Builder
	for _, p := range v.Transform {
		s, err := resolvePart(scope, p)
		if err != nil {
			return nil, err
		}
		sb.WriteString(s)
	}
	return coerce(v.Type, sb.String())
}

func resolvePart(scope Scope, p Part) (string, error) {
	switch p.Kind {
	case PartLiteral:
		return Stringify(p.literal())
	case PartReference:
		if p.Ref == nil {
			return "", errors.HydrationError("reference part without a reference", nil)
		}
		return resolveReference(scope, *p.Ref)
	case PartValue:
		h, err := Hydrate(scope, p.Expr)
		if err != nil {
			return "", err
		}
		return Stringify(h)
	}
	return "", errors.HydrationError(fmt.Sprintf("unknown part kind %q", p.Kind), nil)
}

func resolveReference(scope Scope, ref Reference) (string, error) {
	var id string
	if ref.Nth != nil {
		n := *ref.Nth
		if n < 0 || n >= len(scope.PrevIDs) {
			return "", errors.HydrationError(
				fmt.Sprintf("predecessor %d out of range, node has %d", n, len(scope.PrevIDs)), nil)
		}
		id = scope.PrevIDs[n]
	} else {
		resolved, ok := scope.AliasToID[ref.Alias]
		if !ok {
			return "", errors.HydrationError(fmt.Sprintf("unknown alias %q", ref.Alias), nil)
		}
		id = resolved
	}

	content := scope.Content[id]
	if ref.Pattern == "" {
		return content, nil
	}
	return extract(content, ref.Pattern, ref.Group)
}

// CompilePattern compiles a reference pattern with ECMAScript semantics.
func CompilePattern(pattern string) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(pattern, regexp2.ECMAScript)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = matchTimeout
	return re, nil
}

// extract applies an ECMAScript pattern and returns capture group group of the
// first match, or "" when there is no match or no such group.
func extract(content, pattern string, group int) (string, error) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return "", errors.HydrationError(fmt.Sprintf("invalid pattern %q", pattern), err)
	}

	m, err := re.FindStringMatch(content)
	if err != nil {
		return "", errors.HydrationError(fmt.Sprintf("pattern %q failed", pattern), err)
	}
	if m == nil {
		return "", nil
	}
	g := m.GroupByNumber(group)
	if g == nil {
		return "", nil
	}
	return g.String(), nil
}

// Stringify renders a hydrated value the way it is spliced into text: strings
// as-is, numbers and booleans as literal text, null as "null", arrays and
// objects as JSON.
func Stringify(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return formatNumber(t), nil
	case int:
		return strconv.Itoa(t), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.HydrationError("value cannot be rendered as text", err)
	}
	return string(data), nil
}

func formatNumber(f float64) string {
	if math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func toFloat(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case nil:
		return float64(0), nil
	case int:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	}
	return nil, errors.HydrationError(fmt.Sprintf("number value holds %T", v), nil)
}

// coerce converts concatenated text to the declared type.
func coerce(t Type, s string) (interface{}, error) {
	switch t {
	case TypeString:
		return s, nil
	case TypeNumber:
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			return float64(0), nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.HydrationError(fmt.Sprintf("%q is not a number", s), err)
		}
		return f, nil
	case TypeBoolean:
		switch strings.ToLower(s) {
		case "", "0", "false":
			return false, nil
		}
		return true, nil
	case TypeArray:
		r, err := parseStructured(s)
		if err != nil {
			return nil, err
		}
		if !r.IsArray() {
			return nil, errors.HydrationError(fmt.Sprintf("%q is not an array", s), nil)
		}
		return r.Value(), nil
	case TypeObject:
		r, err := parseStructured(s)
		if err != nil {
			return nil, err
		}
		if !r.IsObject() {
			return nil, errors.HydrationError(fmt.Sprintf("%q is not an object", s), nil)
		}
		return r.Value(), nil
	case TypeNull:
		return nil, nil
	}
	return nil, errors.HydrationError(fmt.Sprintf("unknown value type %q", t), nil)
}

func parseStructured(s string) (gjson.Result, error) {
	if !gjson.Valid(s) {
		return gjson.Result{}, errors.HydrationError(fmt.Sprintf("%q is not valid JSON", s), nil)
	}
	return gjson.Parse(s), nil
}
