package schema

import (
	"fmt"
	"slices"
	"strings"
)

// Kind is the declared type of a feature.
type Kind int

const (
	Numeric Kind = iota
	Categorical
	Boolean
)

func (k Kind) String() string {
	switch k {
	case Numeric:
		return "numeric"
	case Categorical:
		return "categorical"
	case Boolean:
		return "boolean"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler so kinds round-trip through
// YAML and JSON manifests as their names.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "numeric", "number", "float":
		*k = Numeric
	case "categorical", "category":
		*k = Categorical
	case "boolean", "bool":
		*k = Boolean
	default:
		return fmt.Errorf("unknown feature kind %q", string(text))
	}
	return nil
}

// Feature declares one named input dimension and its valid domain.
// Numeric features use [Min, Max] (inclusive, Min < Max); categorical features use the
// Values set, whose order is the declaration order used for reporting.
type Feature struct {
	Name   string   `yaml:"name" json:"name"`
	Kind   Kind     `yaml:"kind" json:"kind"`
	Min    float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max    float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`
}

// Allows reports whether a categorical value is in the feature's domain.
func (f Feature) Allows(value string) bool {
	return slices.Contains(f.Values, value)
}

// Schema is an ordered, immutable set of features. The zero value is not
// usable; build one with New.
type Schema struct {
	features []Feature
	index    map[string]int
}

// New validates the declarations and returns a sealed schema. The input slice
// is copied, so later edits by the caller do not leak into the schema.
func New(features []Feature) (*Schema, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("schema: no features declared")
	}

	s := &Schema{
		features: make([]Feature, len(features)),
		index:    make(map[string]int, len(features)),
	}

	for i, f := range features {
		if f.Name == "" {
			return nil, fmt.Errorf("schema: feature %d has no name", i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate feature %q", f.Name)
		}

		switch f.Kind {
		case Numeric:
			// Omitted bounds decode as min = max = 0, which would admit only 0.
			if !(f.Min < f.Max) {
				return nil, fmt.Errorf("schema: numeric feature %q needs min < max, got [%v, %v]", f.Name, f.Min, f.Max)
			}
		case Categorical:
			if len(f.Values) == 0 {
				return nil, fmt.Errorf("schema: categorical feature %q has no allowed values", f.Name)
			}
			seen := make(map[string]struct{}, len(f.Values))
			for _, v := range f.Values {
				if _, ok := seen[v]; ok {
					return nil, fmt.Errorf("schema: categorical feature %q lists %q twice", f.Name, v)
				}
				seen[v] = struct{}{}
			}
		case Boolean:
		default:
			return nil, fmt.Errorf("schema: feature %q has unknown kind %v", f.Name, f.Kind)
		}

		f.Values = slices.Clone(f.Values)
		s.features[i] = f
		s.index[f.Name] = i
	}

	return s, nil
}

// Len returns the number of declared features.
func (s *Schema) Len() int { return len(s.features) }

// Names returns the feature names in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.features))
	for i, f := range s.features {
		names[i] = f.Name
	}
	return names
}

// Features returns a copy of the declarations.
func (s *Schema) Features() []Feature {
	out := make([]Feature, len(s.features))
	for i, f := range s.features {
		f.Values = slices.Clone(f.Values)
		out[i] = f
	}
	return out
}

// Feature looks up a declaration by name.
func (s *Schema) Feature(name string) (Feature, bool) {
	i, ok := s.index[name]
	if !ok {
		return Feature{}, false
	}
	f := s.features[i]
	f.Values = slices.Clone(f.Values)
	return f, true
}

// Position returns the declaration index of a feature.
func (s *Schema) Position(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}
