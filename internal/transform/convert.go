package transform

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Pair is one key/value of an OrderedObject.
type Pair struct {
	Key   interface{}
	Value interface{}
}

// OrderedObject converts to an object Value whose entries keep the given order.
// Plain maps are converted with their keys sorted.
type OrderedObject []Pair

type identity struct {
	ptr    uintptr
	length int
	kind   reflect.Kind
}

// Converter turns plain Go values into Values. It remembers every map and slice
// it has converted so that a shared sub-tree is wrapped once and converted
// Values are reused instead of re-wrapped. A Converter is meant to live for one
// compilation and is not safe for concurrent use.
type Converter struct {
	seen       map[identity]*Value
	inProgress map[identity]bool
}

// NewConverter returns an empty Converter.
func NewConverter() *Converter {
	return &Converter{
		seen:       make(map[identity]*Value),
		inProgress: make(map[identity]bool),
	}
}

// Transform converts in with a fresh Converter.
func Transform(in interface{}) (*Value, error) {
	return NewConverter().Transform(in)
}

// MustTransform is Transform that panics on unsupported input. Intended for
// literals in tests and static pipeline definitions.
func MustTransform(in interface{}) *Value {
	v, err := Transform(in)
	if err != nil {
		panic(err)
	}
	return v
}

// Transform deep-converts in. Strings, numbers, booleans and nil become
// materialised scalars, slices and maps recurse, and a *Value is returned
// unchanged.
func (c *Converter) Transform(in interface{}) (*Value, error) {
	switch v := in.(type) {
	case nil:
		return Null(), nil
	case *Value:
		if v == nil {
			return Null(), nil
		}
		return v, nil
	case Value:
		return &v, nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case float64:
		return Number(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
		return Number(f), nil
	case OrderedObject:
		return c.ordered(v)
	}

	rv := reflect.ValueOf(in)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Number(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Number(float64(rv.Uint())), nil
	case reflect.Float32:
		return Number(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null(), nil
		}
		return c.Transform(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return Array(), nil
		}
		return c.memo(identity{rv.Pointer(), rv.Len(), reflect.Slice}, func() (*Value, error) {
			return c.sequence(rv)
		})
	case reflect.Array:
		return c.sequence(rv)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("transform: map keys must be strings, got %s", rv.Type().Key())
		}
		if rv.IsNil() {
			return Object(), nil
		}
		return c.memo(identity{rv.Pointer(), 0, reflect.Map}, func() (*Value, error) {
			return c.mapping(rv)
		})
	}

	return nil, fmt.Errorf("transform: unsupported value of type %T", in)
}

func (c *Converter) memo(id identity, convert func() (*Value, error)) (*Value, error) {
	if v, ok := c.seen[id]; ok {
		return v, nil
	}
	if c.inProgress[id] {
		return nil, fmt.Errorf("transform: value contains itself")
	}

	c.inProgress[id] = true
	v, err := convert()
	delete(c.inProgress, id)
	if err != nil {
		return nil, err
	}

	c.seen[id] = v
	return v, nil
}

func (c *Converter) sequence(rv reflect.Value) (*Value, error) {
	items := make([]*Value, rv.Len())
	for i := range items {
		item, err := c.Transform(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		items[i] = item
	}
	return Array(items...), nil
}

func (c *Converter) mapping(rv reflect.Value) (*Value, error) {
	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		val, err := c.Transform(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: String(k), Value: val})
	}
	return Object(entries...), nil
}

func (c *Converter) ordered(pairs OrderedObject) (*Value, error) {
	entries := make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		key, err := c.Transform(p.Key)
		if err != nil {
			return nil, err
		}
		val, err := c.Transform(p.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: key, Value: val})
	}
	return Object(entries...), nil
}
