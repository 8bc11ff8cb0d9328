// Package transform implements deferred values: request payload fields that are
// authored before the content they depend on exists.
//
// A Value is either materialised (a concrete boolean, string, number, null,
// array or object) or lazy, in which case it carries an ordered list of Parts
// that are resolved against predecessor content at hydration time and coerced
// back to the Value's declared Type.
package transform

import (
	"encoding/json"
	"fmt"
)

// Type is the declared shape of a Value.
type Type string

const (
	TypeBoolean Type = "boolean"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeNull    Type = "null"
	TypeArray   Type = "array"
	TypeObject  Type = "object"
)

func (t Type) valid() bool {
	switch t {
	case TypeBoolean, TypeString, TypeNumber, TypeNull, TypeArray, TypeObject:
		return true
	}
	return false
}

func (t Type) scalar() bool {
	return t == TypeBoolean || t == TypeString || t == TypeNumber || t == TypeNull
}

// Value is a tagged, possibly lazy value.
//
// Exactly one representation is in use: when Transform is non-nil the value is
// lazy and Scalar, Items and Entries are ignored.
type Value struct {
	Type Type

	// Scalar holds a bool, string, float64 or nil for materialised scalar types.
	Scalar interface{}
	// Items holds the elements of a materialised array.
	Items []*Value
	// Entries holds the ordered key/value pairs of a materialised object.
	Entries []Entry

	Transform []Part
}

// Entry is one key/value pair of an object Value. Keys are Values themselves
// so that object keys can be computed from upstream content too.
type Entry struct {
	Key   *Value
	Value *Value
}

// IsLazy reports whether v must be hydrated before its contents are known.
func (v *Value) IsLazy() bool {
	return v != nil && v.Transform != nil
}

func String(s string) *Value  { return &Value{Type: TypeString, Scalar: s} }
func Number(f float64) *Value { return &Value{Type: TypeNumber, Scalar: f} }
func Bool(b bool) *Value      { return &Value{Type: TypeBoolean, Scalar: b} }
func Null() *Value            { return &Value{Type: TypeNull} }

// Array builds a materialised array.
func Array(items ...*Value) *Value {
	if items == nil {
		items = []*Value{}
	}
	return &Value{Type: TypeArray, Items: items}
}

// Object builds a materialised object keeping the entries in the given order.
func Object(entries ...Entry) *Value {
	if entries == nil {
		entries = []Entry{}
	}
	return &Value{Type: TypeObject, Entries: entries}
}

// Lazy builds a value of type t computed from parts.
func Lazy(t Type, parts ...Part) *Value {
	if parts == nil {
		parts = []Part{}
	}
	return &Value{Type: t, Transform: parts}
}

// PartKind tags the variants of Part.
type PartKind string

const (
	// PartLiteral carries a concrete scalar and its declared type.
	PartLiteral PartKind = "literal"
	// PartReference reads the accumulated content of another node.
	PartReference PartKind = "reference"
	// PartValue evaluates a nested Value and substitutes the result.
	PartValue PartKind = "value"
)

// Part is one element of a lazy Value's transform list.
type Part struct {
	Kind PartKind `json:"kind"`

	Type    Type        `json:"type,omitempty"`
	Literal interface{} `json:"literal,omitempty"`

	Ref  *Reference `json:"ref,omitempty"`
	Expr *Value     `json:"expr,omitempty"`
}

// literal returns the literal scalar, restoring zero values dropped by omitempty.
func (p Part) literal() interface{} {
	if p.Literal != nil {
		return p.Literal
	}
	switch p.Type {
	case TypeString:
		return ""
	case TypeNumber:
		return float64(0)
	case TypeBoolean:
		return false
	}
	return nil
}

// Reference addresses the content of a node either by ordinal position among the
// consuming node's predecessors or by alias. Pattern, when set, is applied to the
// content and capture group Group is substituted instead of the whole text.
type Reference struct {
	Nth     *int   `json:"nth,omitempty"`
	Alias   string `json:"alias,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Group   int    `json:"group,omitempty"`
}

func (r Reference) String() string {
	target := "alias:" + r.Alias
	if r.Nth != nil {
		target = fmt.Sprintf("prev:%d", *r.Nth)
	}
	if r.Pattern == "" {
		return target
	}
	return fmt.Sprintf("%s|%s|%d", target, r.Pattern, r.Group)
}

type wireValue struct {
	Type      Type            `json:"type"`
	Value     json.RawMessage `json:"value,omitempty"`
	Transform *[]Part         `json:"transform,omitempty"`
}

// MarshalJSON encodes v as {"type":..,"value":..} or {"type":..,"transform":[..]}.
// Object values are encoded as an ordered list of [key, value] pairs.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Transform != nil {
		parts := v.Transform
		return json.Marshal(wireValue{Type: v.Type, Transform: &parts})
	}

	var (
		raw []byte
		err error
	)
	switch v.Type {
	case TypeBoolean, TypeString, TypeNumber:
		raw, err = json.Marshal(v.Scalar)
	case TypeNull:
		raw = []byte("null")
	case TypeArray:
		items := v.Items
		if items == nil {
			items = []*Value{}
		}
		raw, err = json.Marshal(items)
	case TypeObject:
		pairs := make([][2]*Value, len(v.Entries))
		for i, e := range v.Entries {
			pairs[i] = [2]*Value{e.Key, e.Value}
		}
		raw, err = json.Marshal(pairs)
	default:
		return nil, fmt.Errorf("transform: unknown value type %q", v.Type)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.Type, Value: raw})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Type.valid() {
		return fmt.Errorf("transform: unknown value type %q", w.Type)
	}

	*v = Value{Type: w.Type}
	if w.Transform != nil {
		v.Transform = *w.Transform
		if v.Transform == nil {
			v.Transform = []Part{}
		}
		return nil
	}

	raw := w.Value
	if len(raw) == 0 {
		raw = []byte("null")
	}

	switch w.Type {
	case TypeBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("transform: boolean value: %w", err)
		}
		v.Scalar = b
	case TypeString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("transform: string value: %w", err)
		}
		v.Scalar = s
	case TypeNumber:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("transform: number value: %w", err)
		}
		v.Scalar = f
	case TypeArray:
		var items []*Value
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("transform: array value: %w", err)
		}
		for i := range items {
			if items[i] == nil {
				items[i] = Null()
			}
		}
		if items == nil {
			items = []*Value{}
		}
		v.Items = items
	case TypeObject:
		var pairs [][2]*Value
		if err := json.Unmarshal(raw, &pairs); err != nil {
			return fmt.Errorf("transform: object value: %w", err)
		}
		v.Entries = make([]Entry, len(pairs))
		for i, p := range pairs {
			if p[0] == nil {
				return fmt.Errorf("transform: object entry %d has no key", i)
			}
			if p[1] == nil {
				p[1] = Null()
			}
			v.Entries[i] = Entry{Key: p[0], Value: p[1]}
		}
	}
	return nil
}
