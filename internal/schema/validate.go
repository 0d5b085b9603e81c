package schema

import (
	"encoding/json"
	"errors"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/intentlab/intent/pkg/canonical"
)

// RawInput maps feature names to caller-supplied values (string, number or
// bool). It is not validated.
type RawInput map[string]any

// Clone returns a shallow copy; values are scalars so the copy is independent.
func (r RawInput) Clone() RawInput {
	out := make(RawInput, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// boolLookup is the only way a non-bool value becomes a boolean.
var boolLookup = map[string]bool{
	"true":  true,
	"false": false,
	"yes":   true,
	"no":    false,
	"y":     true,
	"n":     false,
	"t":     true,
	"f":     false,
	"1":     true,
	"0":     false,
}

// Value is a coerced, typed feature value.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
}

// NumericValue, CategoricalValue and BoolValue build typed values directly.
func NumericValue(v float64) Value    { return Value{kind: Numeric, num: v} }
func CategoricalValue(v string) Value { return Value{kind: Categorical, str: v} }
func BoolValue(v bool) Value          { return Value{kind: Boolean, b: v} }

func (v Value) Kind() Kind       { return v.kind }
func (v Value) Float() float64   { return v.num }
func (v Value) Category() string { return v.str }
func (v Value) Bool() bool       { return v.b }

// Any returns the value as a plain Go scalar.
func (v Value) Any() any {
	switch v.kind {
	case Numeric:
		return v.num
	case Categorical:
		return v.str
	default:
		return v.b
	}
}

// Equal compares kind and payload. Numeric comparison is bitwise so that
// -0 and 0 are distinct, matching what the pipeline would produce.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Numeric:
		return math.Float64bits(v.num) == math.Float64bits(o.num)
	case Categorical:
		return v.str == o.str
	default:
		return v.b == o.b
	}
}

// Validated is an input that passed Validate. Values are index-aligned to
// the schema's declaration order.
type Validated struct {
	schema *Schema
	values []Value
}

// Schema returns the schema the input was validated against.
func (v Validated) Schema() *Schema { return v.schema }

// Len returns the number of values.
func (v Validated) Len() int { return len(v.values) }

// At returns the value at declaration index i.
func (v Validated) At(i int) Value { return v.values[i] }

// Get returns the value for a feature name.
func (v Validated) Get(name string) (Value, bool) {
	if v.schema == nil {
		return Value{}, false
	}
	i, ok := v.schema.index[name]
	if !ok {
		return Value{}, false
	}
	return v.values[i], true
}

// Raw converts the validated values back into a RawInput of canonical scalars.
func (v Validated) Raw() RawInput {
	out := make(RawInput, len(v.values))
	for i, f := range v.schema.features {
		out[f.Name] = v.values[i].Any()
	}
	return out
}

// Digest returns the hex SHA-256 of the canonical encoding of Raw. Inputs
// that validate to the same values share a digest.
func (v Validated) Digest() (string, error) {
	if v.schema == nil {
		return "", errors.New("schema: digest of unvalidated input")
	}
	return canonical.Fingerprint(map[string]any(v.Raw()))
}

// Validate checks field-set equality, coerces each value to its declared
// kind and checks domain membership. Failures are reported for the first
// offending field: missing fields in declaration order, then unknown fields
// in lexical order, then per-field checks in declaration order.
func (s *Schema) Validate(raw RawInput) (Validated, error) {
	for _, f := range s.features {
		if _, ok := raw[f.Name]; !ok {
			return Validated{}, newError(MissingField, f.Name, "required by schema")
		}
	}

	if len(raw) != len(s.features) {
		extra := make([]string, 0, len(raw)-len(s.features))
		for name := range raw {
			if _, ok := s.index[name]; !ok {
				extra = append(extra, name)
			}
		}
		slices.Sort(extra)
		return Validated{}, newError(UnknownField, extra[0], "not declared in schema")
	}

	values := make([]Value, len(s.features))
	for i, f := range s.features {
		val, err := coerce(f, raw[f.Name])
		if err != nil {
			return Validated{}, err
		}
		values[i] = val
	}

	return Validated{schema: s, values: values}, nil
}

// ValidateField coerces a single value against the named feature.
func (s *Schema) ValidateField(name string, raw any) (Value, error) {
	i, ok := s.index[name]
	if !ok {
		return Value{}, newError(UnknownField, name, "not declared in schema")
	}
	return coerce(s.features[i], raw)
}

func coerce(f Feature, raw any) (Value, error) {
	switch f.Kind {
	case Numeric:
		x, err := toFloat(f.Name, raw)
		if err != nil {
			return Value{}, err
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Value{}, newError(OutOfDomain, f.Name, "value %v is not finite", x)
		}
		if x < f.Min || x > f.Max {
			return Value{}, newError(OutOfDomain, f.Name, "value %v outside [%v, %v]", x, f.Min, f.Max)
		}
		return NumericValue(x), nil

	case Categorical:
		str, err := toCategory(f.Name, raw)
		if err != nil {
			return Value{}, err
		}
		if !f.Allows(str) {
			return Value{}, newError(OutOfDomain, f.Name, "value %q not in %v", str, f.Values)
		}
		return CategoricalValue(str), nil

	default:
		b, err := toBool(f.Name, raw)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b), nil
	}
}

func toFloat(field string, raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		x, err := v.Float64()
		if err != nil {
			return 0, newError(TypeMismatch, field, "%q is not a number", v.String())
		}
		return x, nil
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, newError(TypeMismatch, field, "%q is not a number", v)
		}
		return x, nil
	default:
		return 0, newError(TypeMismatch, field, "expected number, got %T", raw)
	}
}

func toCategory(field string, raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case json.Number:
		if _, err := v.Int64(); err != nil {
			return "", newError(TypeMismatch, field, "%q is not an integer category code", v.String())
		}
		return v.String(), nil
	case float64:
		// JSON decoding turns integer category codes into float64.
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return "", newError(TypeMismatch, field, "%v is not an integer category code", v)
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", newError(TypeMismatch, field, "expected category string, got %T", raw)
	}
}

func toBool(field string, raw any) (bool, error) {
	var key string
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		key = strings.ToLower(strings.TrimSpace(v))
	case int:
		key = strconv.Itoa(v)
	case int64:
		key = strconv.FormatInt(v, 10)
	case float64:
		key = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		key = v.String()
	default:
		return false, newError(TypeMismatch, field, "expected boolean, got %T", raw)
	}

	b, ok := boolLookup[key]
	if !ok {
		return false, newError(TypeMismatch, field, "%q has no boolean mapping", key)
	}
	return b, nil
}
