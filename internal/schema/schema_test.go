package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := New([]Feature{
		{Name: "age", Kind: Numeric, Min: 0, Max: 120},
		{Name: "browser", Kind: Categorical, Values: []string{"Chrome", "Firefox", "Safari"}},
		{Name: "weekend", Kind: Boolean},
	})
	require.NoError(t, err)
	return s
}

func requireSchemaError(t *testing.T, err error, kind ErrorKind, field string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchema))

	var se *Error
	require.True(t, errors.As(err, &se), "expected *schema.Error, got %T", err)
	assert.Equal(t, kind, se.Kind)
	assert.Equal(t, field, se.Field)
}

func TestNew_RejectsBadDeclarations(t *testing.T) {
	cases := map[string][]Feature{
		"empty":         nil,
		"no name":       {{Kind: Numeric, Max: 1}},
		"no range":      {{Name: "a", Kind: Numeric}},
		"point range":   {{Name: "a", Kind: Numeric, Min: 3, Max: 3}},
		"duplicate":     {{Name: "a", Kind: Boolean}, {Name: "a", Kind: Boolean}},
		"inverted":      {{Name: "a", Kind: Numeric, Min: 5, Max: 1}},
		"no categories": {{Name: "a", Kind: Categorical}},
		"dup category":  {{Name: "a", Kind: Categorical, Values: []string{"x", "x"}}},
	}
	for name, features := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(features)
			assert.Error(t, err)
		})
	}
}

func TestNew_NumericRangeFromYAML(t *testing.T) {
	var features []Feature
	require.NoError(t, yaml.Unmarshal([]byte("- {name: age, kind: numeric}\n"), &features))
	_, err := New(features)
	assert.ErrorContains(t, err, `"age" needs min < max`)

	require.NoError(t, yaml.Unmarshal([]byte("- {name: age, kind: numeric, max: 120}\n"), &features))
	s, err := New(features)
	require.NoError(t, err)
	_, err = s.Validate(RawInput{"age": 35})
	assert.NoError(t, err)
}

func TestValidated_Digest(t *testing.T) {
	s := testSchema(t)
	a, err := s.Validate(RawInput{"age": 40, "browser": "Chrome", "weekend": true})
	require.NoError(t, err)
	b, err := s.Validate(RawInput{"weekend": "yes", "browser": "Chrome", "age": "40"})
	require.NoError(t, err)
	c, err := s.Validate(RawInput{"age": 41, "browser": "Chrome", "weekend": true})
	require.NoError(t, err)

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	dc, err := c.Digest()
	require.NoError(t, err)

	assert.Equal(t, da, db, "same validated values")
	assert.NotEqual(t, da, dc)
	assert.Len(t, da, 64)

	_, err = Validated{}.Digest()
	assert.Error(t, err)
}

func TestNew_CopiesInput(t *testing.T) {
	features := []Feature{{Name: "browser", Kind: Categorical, Values: []string{"Chrome"}}}
	s, err := New(features)
	require.NoError(t, err)

	features[0].Values[0] = "Edge"
	features[0].Name = "mutated"

	f, ok := s.Feature("browser")
	require.True(t, ok)
	assert.Equal(t, []string{"Chrome"}, f.Values)
}

func TestValidate_Valid(t *testing.T) {
	s := testSchema(t)

	v, err := s.Validate(RawInput{"age": "40", "browser": "Chrome", "weekend": "yes"})
	require.NoError(t, err)

	age, _ := v.Get("age")
	assert.Equal(t, 40.0, age.Float())
	browser, _ := v.Get("browser")
	assert.Equal(t, "Chrome", browser.Category())
	weekend, _ := v.Get("weekend")
	assert.True(t, weekend.Bool())

	assert.Equal(t, RawInput{"age": 40.0, "browser": "Chrome", "weekend": true}, v.Raw())
}

func TestValidate_FieldSet(t *testing.T) {
	s := testSchema(t)

	_, err := s.Validate(RawInput{"age": 30, "weekend": false})
	requireSchemaError(t, err, MissingField, "browser")

	_, err = s.Validate(RawInput{"age": 30, "browser": "Chrome", "weekend": false, "zeta": 1, "alpha": 2})
	requireSchemaError(t, err, UnknownField, "alpha")
}

func TestValidate_Domains(t *testing.T) {
	s := testSchema(t)

	_, err := s.Validate(RawInput{"age": 121, "browser": "Chrome", "weekend": false})
	requireSchemaError(t, err, OutOfDomain, "age")

	_, err = s.Validate(RawInput{"age": 30, "browser": "Edge", "weekend": false})
	requireSchemaError(t, err, OutOfDomain, "browser")

	_, err = s.Validate(RawInput{"age": "NaN", "browser": "Chrome", "weekend": false})
	requireSchemaError(t, err, OutOfDomain, "age")
}

func TestValidate_TypeCoercion(t *testing.T) {
	s := testSchema(t)

	// Booleans never become numbers.
	_, err := s.Validate(RawInput{"age": true, "browser": "Chrome", "weekend": false})
	requireSchemaError(t, err, TypeMismatch, "age")

	_, err = s.Validate(RawInput{"age": "forty", "browser": "Chrome", "weekend": false})
	requireSchemaError(t, err, TypeMismatch, "age")

	// No truthy casting of arbitrary strings or numbers.
	_, err = s.Validate(RawInput{"age": 30, "browser": "Chrome", "weekend": "sure"})
	requireSchemaError(t, err, TypeMismatch, "weekend")

	_, err = s.Validate(RawInput{"age": 30, "browser": "Chrome", "weekend": 2})
	requireSchemaError(t, err, TypeMismatch, "weekend")

	v, err := s.Validate(RawInput{"age": json.Number("33.5"), "browser": "Safari", "weekend": 0})
	require.NoError(t, err)
	weekend, _ := v.Get("weekend")
	assert.False(t, weekend.Bool())
}

func TestValidate_IntegerCategoryCodes(t *testing.T) {
	s, err := New([]Feature{{Name: "TrafficType", Kind: Categorical, Values: []string{"1", "2", "3"}}})
	require.NoError(t, err)

	v, err := s.Validate(RawInput{"TrafficType": 2.0})
	require.NoError(t, err)
	tt, _ := v.Get("TrafficType")
	assert.Equal(t, "2", tt.Category())

	_, err = s.Validate(RawInput{"TrafficType": 2.5})
	requireSchemaError(t, err, TypeMismatch, "TrafficType")
}

func TestValidate_DoesNotMutateInput(t *testing.T) {
	s := testSchema(t)
	raw := RawInput{"age": "40", "browser": "Chrome", "weekend": "no"}
	_, err := s.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, RawInput{"age": "40", "browser": "Chrome", "weekend": "no"}, raw)
}

func TestKind_TextRoundTrip(t *testing.T) {
	for _, k := range []Kind{Numeric, Categorical, Boolean} {
		text, err := k.MarshalText()
		require.NoError(t, err)

		var got Kind
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, k, got)
	}

	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("tensor")))
}
