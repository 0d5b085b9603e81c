package pipeline

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/intentlab/intent/internal/schema"
)

// Vector is a transformed, model-ready input. It is immutable: accessors
// return copies, and derived vectors are built with With.
type Vector struct {
	values      []float64
	fingerprint string
}

// NewVector wraps values produced outside Transform (for example a frozen
// background row) and tags them with the params fingerprint they belong to.
func NewVector(values []float64, fingerprint string) Vector {
	return Vector{values: slices.Clone(values), fingerprint: fingerprint}
}

// Len returns the number of columns.
func (v Vector) Len() int { return len(v.values) }

// At returns column i.
func (v Vector) At(i int) float64 { return v.values[i] }

// Values returns a copy of the columns.
func (v Vector) Values() []float64 { return slices.Clone(v.values) }

// Fingerprint identifies the params that produced the vector.
func (v Vector) Fingerprint() string { return v.fingerprint }

// With returns a new vector with column i replaced.
func (v Vector) With(i int, x float64) Vector {
	out := slices.Clone(v.values)
	out[i] = x
	return Vector{values: out, fingerprint: v.fingerprint}
}

// Equal reports bit-identical values and the same fingerprint.
func (v Vector) Equal(o Vector) bool {
	if v.fingerprint != o.fingerprint || len(v.values) != len(o.values) {
		return false
	}
	for i := range v.values {
		if v.values[i] != o.values[i] {
			return false
		}
	}
	return true
}

// Transform encodes and scales a validated input into the params' output
// order. It is a pure function of (v, p).
func Transform(v schema.Validated, p *Params) (Vector, error) {
	if p == nil {
		return Vector{}, &Error{Kind: DimensionMismatch, Detail: "nil params"}
	}
	if v.Schema() != p.schema {
		if v.Schema() == nil || !slices.Equal(v.Schema().Names(), p.schema.Names()) {
			return Vector{}, &Error{Kind: DimensionMismatch, Detail: "input was validated against a different schema"}
		}
	}
	if v.Len() != len(p.steps) {
		return Vector{}, &Error{
			Kind:   DimensionMismatch,
			Detail: fmt.Sprintf("input has %d features, params expect %d", v.Len(), len(p.steps)),
		}
	}

	out := make([]float64, len(p.order))
	written := 0
	names := p.schema.Names()

	for i, st := range p.steps {
		val := v.At(i)
		switch st.kind {
		case schema.Numeric:
			out[st.columns[0]] = (val.Float() - st.center) / st.scale
			written++

		case schema.Categorical:
			cat := val.Category()
			switch st.encoding {
			case EncodingOneHot:
				hit := false
				for j, c := range st.categories {
					if c == cat {
						out[st.columns[j]] = 1
						hit = true
					}
				}
				if !hit {
					return Vector{}, unseen(names[i], cat)
				}
				written += len(st.columns)
			default:
				code, ok := st.codes[cat]
				if !ok {
					return Vector{}, unseen(names[i], cat)
				}
				out[st.columns[0]] = code
				written++
			}

		case schema.Boolean:
			if val.Bool() {
				out[st.columns[0]] = 1
			}
			written++
		}
	}

	if written != len(p.order) {
		return Vector{}, &Error{
			Kind:   DimensionMismatch,
			Detail: fmt.Sprintf("produced %d columns, order expects %d", written, len(p.order)),
		}
	}

	return Vector{values: out, fingerprint: p.fingerprint}, nil
}

func unseen(feature, category string) *Error {
	return &Error{
		Kind:    UnseenCategory,
		Feature: feature,
		Detail:  fmt.Sprintf("category %q was not seen at training time", category),
	}
}

type vectorJSON struct {
	Values      []float64 `json:"values"`
	Fingerprint string    `json:"fingerprint"`
}

func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(vectorJSON{Values: v.values, Fingerprint: v.fingerprint})
}
