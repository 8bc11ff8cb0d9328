package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptchain/internal/common/errors"
)

func TestTransform_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want *Value
	}{
		{"nil", nil, Null()},
		{"string", "hello", String("hello")},
		{"bool", true, Bool(true)},
		{"float", 1.5, Number(1.5)},
		{"int", 42, Number(42)},
		{"uint8", uint8(7), Number(7)},
		{"float32", float32(0.5), Number(0.5)},
		{"json number", json.Number("3"), Number(3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transform(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.False(t, got.IsLazy())
		})
	}
}

func TestTransform_ReturnsTaggedValueUnchanged(t *testing.T) {
	lazy := PrevResultNth(0)
	got, err := Transform(lazy)
	require.NoError(t, err)
	assert.Same(t, lazy, got)

	again, err := Transform(got)
	require.NoError(t, err)
	assert.Same(t, lazy, again)
}

func TestTransform_Composites(t *testing.T) {
	got, err := Transform(map[string]interface{}{
		"b": []interface{}{1.0, "x", nil},
		"a": true,
	})
	require.NoError(t, err)

	require.Equal(t, TypeObject, got.Type)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, String("a"), got.Entries[0].Key)
	assert.Equal(t, Bool(true), got.Entries[0].Value)
	assert.Equal(t, String("b"), got.Entries[1].Key)
	assert.Equal(t, Array(Number(1), String("x"), Null()), got.Entries[1].Value)
}

func TestTransform_OrderedObjectKeepsOrder(t *testing.T) {
	got, err := Transform(OrderedObject{
		{Key: "z", Value: 1},
		{Key: PrevResultNth(0), Value: "v"},
	})
	require.NoError(t, err)

	require.Len(t, got.Entries, 2)
	assert.Equal(t, String("z"), got.Entries[0].Key)
	assert.True(t, got.Entries[1].Key.IsLazy())
}

func TestConverter_SharesConvertedSubtrees(t *testing.T) {
	shared := []interface{}{"x", "y"}
	c := NewConverter()

	got, err := c.Transform([]interface{}{shared, shared})
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Same(t, got.Items[0], got.Items[1])

	again, err := c.Transform(shared)
	require.NoError(t, err)
	assert.Same(t, got.Items[0], again)
}

func TestConverter_RejectsCyclesAndUnsupported(t *testing.T) {
	cyclic := map[string]interface{}{}
	cyclic["self"] = cyclic
	_, err := Transform(cyclic)
	assert.Error(t, err)

	_, err = Transform(make(chan int))
	assert.Error(t, err)

	_, err = Transform(map[int]string{1: "x"})
	assert.Error(t, err)
}

func TestHydrate_LiteralRoundTrip(t *testing.T) {
	inputs := []interface{}{
		nil,
		"plain",
		3.25,
		false,
		[]interface{}{1.0, "two", true, nil, []interface{}{}},
		map[string]interface{}{
			"name":   "node",
			"nested": map[string]interface{}{"list": []interface{}{"a", 2.0}},
			"empty":  map[string]interface{}{},
		},
	}

	for _, in := range inputs {
		v, err := Transform(in)
		require.NoError(t, err)

		out, err := Hydrate(Scope{}, v)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func scopeWith(prev []string, aliases map[string]string, content map[string]string) Scope {
	return Scope{PrevIDs: prev, AliasToID: aliases, Content: content}
}

func TestPipelined_ConcatenatesInSourceOrder(t *testing.T) {
	v, err := Pipelined(
		[]string{"first=", " second=", " count=", " flag=", ""},
		PrevResultNth(0),
		PrevResultAlias("writer"),
		3,
		true,
	)
	require.NoError(t, err)
	assert.Equal(t, TypeString, v.Type)

	scope := scopeWith([]string{"n1"}, map[string]string{"writer": "n2"}, map[string]string{
		"n1": "alpha",
		"n2": "beta",
	})
	out, err := Hydrate(scope, v)
	require.NoError(t, err)
	assert.Equal(t, "first=alpha second=beta count=3 flag=true", out)
}

func TestPipelined_SplicesLazyStrings(t *testing.T) {
	inner, err := Pipelined([]string{"<", ">"}, PrevResultNth(0))
	require.NoError(t, err)

	outer, err := Pipelined([]string{"[", "]"}, inner)
	require.NoError(t, err)

	for _, p := range outer.Transform {
		assert.NotEqual(t, PartValue, p.Kind, "lazy strings must be spliced, not nested")
	}
	assert.Len(t, outer.Transform, 5)

	out, err := Hydrate(scopeWith([]string{"n1"}, nil, map[string]string{"n1": "x"}), outer)
	require.NoError(t, err)
	assert.Equal(t, "[<x>]", out)
}

func TestPipelined_NestsComposites(t *testing.T) {
	v, err := Pipelined([]string{"data: ", ""}, []interface{}{1.0, "a"})
	require.NoError(t, err)

	out, err := Hydrate(Scope{}, v)
	require.NoError(t, err)
	assert.Equal(t, `data: [1,"a"]`, out)
}

func TestPipelined_SegmentCount(t *testing.T) {
	_, err := Pipelined([]string{"a"}, "b")
	assert.Error(t, err)
}

func TestReference_RegexCaptureGroup(t *testing.T) {
	scope := scopeWith([]string{"n1"}, map[string]string{"calc": "n1"}, map[string]string{"n1": "X=5"})

	tests := []struct {
		name string
		v    *Value
		want string
	}{
		{"capture group 1", PrevResultNth(0, Match(`X=(\d+)`, 1)), "5"},
		{"whole match", PrevResultAlias("calc", Match(`X=\d+`, 0)), "X=5"},
		{"no match", PrevResultNth(0, Match(`Y=(\d+)`, 1)), ""},
		{"missing group", PrevResultNth(0, Match(`X=(\d+)`, 3)), ""},
		{"no pattern", PrevResultNth(0), "X=5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Hydrate(scope, tt.v)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestReference_Errors(t *testing.T) {
	scope := scopeWith([]string{"n1"}, map[string]string{}, map[string]string{})

	_, err := Hydrate(scope, PrevResultNth(2))
	assert.True(t, errors.IsType(err, errors.ErrTypeHydration))

	_, err = Hydrate(scope, PrevResultAlias("ghost"))
	assert.True(t, errors.IsType(err, errors.ErrTypeHydration))

	_, err = Hydrate(scope, PrevResultNth(0, Match(`(unclosed`, 1)))
	assert.True(t, errors.IsType(err, errors.ErrTypeHydration))
}

func TestHydrate_Coercion(t *testing.T) {
	scope := func(content string) Scope {
		return scopeWith([]string{"n1"}, nil, map[string]string{"n1": content})
	}
	ref := Part{Kind: PartReference, Ref: &Reference{Nth: intPtr(0)}}

	tests := []struct {
		name    string
		typ     Type
		content string
		want    interface{}
		wantErr bool
	}{
		{"number", TypeNumber, " 42.5 ", 42.5, false},
		{"empty number", TypeNumber, "", float64(0), false},
		{"bad number", TypeNumber, "forty", nil, true},
		{"bool empty", TypeBoolean, "", false, false},
		{"bool zero", TypeBoolean, "0", false, false},
		{"bool FALSE", TypeBoolean, "FALSE", false, false},
		{"bool text", TypeBoolean, "no", true, false},
		{"bool one", TypeBoolean, "1", true, false},
		{"array", TypeArray, `[1, "a"]`, []interface{}{1.0, "a"}, false},
		{"array from object", TypeArray, `{"a":1}`, nil, true},
		{"object", TypeObject, `{"a":[true]}`, map[string]interface{}{"a": []interface{}{true}}, false},
		{"object from text", TypeObject, `not json`, nil, true},
		{"null ignores parts", TypeNull, "whatever", nil, false},
		{"string", TypeString, "as is", "as is", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Hydrate(scope(tt.content), Lazy(tt.typ, ref))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrTypeHydration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestHydrate_LiteralPartsStringified(t *testing.T) {
	v := Lazy(TypeString,
		Part{Kind: PartLiteral, Type: TypeNumber, Literal: 2.0},
		Part{Kind: PartLiteral, Type: TypeBoolean, Literal: false},
		Part{Kind: PartLiteral, Type: TypeNull},
		Part{Kind: PartValue, Expr: Object(Entry{Key: String("k"), Value: Number(1)})},
	)

	out, err := Hydrate(Scope{}, v)
	require.NoError(t, err)
	assert.Equal(t, `2falsenull{"k":1}`, out)
}

func TestFindRequiredReferences(t *testing.T) {
	nested, err := Pipelined([]string{"", " and ", ""}, PrevResultNth(1), PrevResultAlias("b"))
	require.NoError(t, err)

	obj, err := Transform(OrderedObject{
		{Key: PrevResultAlias("keyed"), Value: []interface{}{PrevResultNth(0), nested}},
	})
	require.NoError(t, err)

	wrapped := Lazy(TypeObject, Part{Kind: PartValue, Expr: obj})

	req := FindRequiredReferences(wrapped, PrevResultNth(1), PrevResultAlias("a"), nil, String("plain"))
	assert.Equal(t, []int{0, 1}, req.Ordinals)
	assert.Equal(t, []string{"a", "b", "keyed"}, req.Aliases)
	assert.False(t, req.Empty())

	assert.True(t, FindRequiredReferences(String("x")).Empty())

	matched := FindRequiredReferences(PrevResultNth(0, Match(`b(\d)`, 1)), PrevResultAlias("a", Match("a+", 0)), PrevResultNth(0, Match("a+", 0)))
	assert.Equal(t, []string{"a+", `b(\d)`}, matched.Patterns)
}

func TestParseTemplate(t *testing.T) {
	v, err := ParseTemplate(`Compare ${prev:0} with ${alias:critic} (score ${prev:1|score=(\d+)|1})`)
	require.NoError(t, err)

	req := FindRequiredReferences(v)
	assert.Equal(t, []int{0, 1}, req.Ordinals)
	assert.Equal(t, []string{"critic"}, req.Aliases)

	scope := scopeWith([]string{"a", "b"}, map[string]string{"critic": "c"}, map[string]string{
		"a": "draft",
		"b": "score=9 overall",
		"c": "review",
	})
	out, err := Hydrate(scope, v)
	require.NoError(t, err)
	assert.Equal(t, "Compare draft with review (score 9)", out)
}

func TestParseTemplate_PlainAndInvalid(t *testing.T) {
	v, err := ParseTemplate("no placeholders")
	require.NoError(t, err)
	assert.Equal(t, String("no placeholders"), v)

	for _, bad := range []string{"${prev:x}", "${nothing}", "${other:1}", "${prev:0||1}"} {
		_, err := ParseTemplate(bad)
		assert.Error(t, err, bad)
	}

	// a pattern may contain alternation when the group index is explicit
	v, err = ParseTemplate("${prev:0|(a|b)|1}")
	require.NoError(t, err)
	out, err := Hydrate(scopeWith([]string{"n"}, nil, map[string]string{"n": "xb"}), v)
	require.NoError(t, err)
	assert.Equal(t, "b", out)
}

func TestParseTemplate_BracesInsidePattern(t *testing.T) {
	v, err := ParseTemplate(`code ${prev:0|X=(\d{2})|1} and ${prev:0|\}(\w+)|1}.`)
	require.NoError(t, err)

	out, err := Hydrate(scopeWith([]string{"n"}, nil, map[string]string{"n": "X=421 }tail"}), v)
	require.NoError(t, err)
	assert.Equal(t, "code 42 and tail.", out)

	// empty and unterminated placeholders stay literal
	v, err = ParseTemplate("${} then ${prev:0")
	require.NoError(t, err)
	assert.Equal(t, String("${} then ${prev:0"), v)

	v, err = ParseTemplate("${prev:0} then ${prev:0")
	require.NoError(t, err)
	out, err = Hydrate(scopeWith([]string{"n"}, nil, map[string]string{"n": "A"}), v)
	require.NoError(t, err)
	assert.Equal(t, "A then ${prev:0", out)
}

func TestValue_JSONRoundTrip(t *testing.T) {
	tmpl, err := Pipelined([]string{"n=", " ok=", ""}, PrevResultNth(0, Match(`(\d+)`, 1)), false)
	require.NoError(t, err)

	original := Object(
		Entry{Key: String("prompt"), Value: tmpl},
		Entry{Key: String("list"), Value: Array(Number(0), Bool(false), String(""), Null())},
		Entry{Key: PrevResultAlias("k"), Value: Lazy(TypeString)},
	)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Value
	require.NoError(t, json.Unmarshal(data, &decoded))

	scope := scopeWith([]string{"n1"}, map[string]string{"k": "n1"}, map[string]string{"n1": "id 77"})
	want, err := Hydrate(scope, original)
	require.NoError(t, err)
	got, err := Hydrate(scope, &decoded)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.True(t, decoded.Entries[2].Value.IsLazy())
	assert.Empty(t, decoded.Entries[2].Value.Transform)
}

func TestValue_UnmarshalRejectsUnknownType(t *testing.T) {
	var v Value
	assert.Error(t, json.Unmarshal([]byte(`{"type":"date","value":"x"}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"type":"number","value":"x"}`), &v))
}

func intPtr(n int) *int { return &n }
