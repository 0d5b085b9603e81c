package pipeline

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/intentlab/intent/internal/schema"
	"github.com/intentlab/intent/pkg/canonical"
)

// Encoding selects how a categorical feature becomes numeric columns.
type Encoding string

const (
	// EncodingLabel maps each category to a single numeric code.
	EncodingLabel Encoding = "label"
	// EncodingOneHot emits one 0/1 column per known category, named
	// "feature=category".
	EncodingOneHot Encoding = "onehot"
)

// FeatureSpec holds the frozen training-time parameters for one feature.
type FeatureSpec struct {
	Name string `yaml:"name" json:"name"`

	// Categorical
	Encoding   Encoding           `yaml:"encoding,omitempty" json:"encoding,omitempty"`
	Codes      map[string]float64 `yaml:"codes,omitempty" json:"codes,omitempty"`
	Categories []string           `yaml:"categories,omitempty" json:"categories,omitempty"`

	// Numeric: (x - Center) / Scale
	Center float64 `yaml:"center,omitempty" json:"center,omitempty"`
	Scale  float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// Spec is the serializable form of pipeline parameters, as written by the
// training job.
type Spec struct {
	Version  string        `yaml:"version" json:"version"`
	Features []FeatureSpec `yaml:"features" json:"features"`
	// Order is the output column order expected by the paired model. Empty
	// means the natural order (schema declaration order, one-hot columns
	// expanded in category order).
	Order []string `yaml:"order,omitempty" json:"order,omitempty"`
}

type step struct {
	kind       schema.Kind
	encoding   Encoding
	codes      map[string]float64
	categories []string
	center     float64
	scale      float64
	// columns are the output positions this feature writes, aligned with
	// categories for one-hot and of length 1 otherwise.
	columns []int
}

// Params are frozen pipeline parameters bound to one schema. They are
// sealed on construction and safe for concurrent use.
type Params struct {
	version     string
	schema      *schema.Schema
	steps       []step
	order       []string
	fingerprint string
}

// NewParams checks spec against the schema and seals it. Every schema
// feature needs parameters and Order must be a permutation of the produced
// columns. Category codes may cover fewer values than the schema allows;
// those values fail at transform time with UnseenCategory.
func NewParams(s *schema.Schema, spec Spec) (*Params, error) {
	if s == nil {
		return nil, fmt.Errorf("pipeline: nil schema")
	}
	if spec.Version == "" {
		return nil, fmt.Errorf("pipeline: params have no version tag")
	}

	byName := make(map[string]FeatureSpec, len(spec.Features))
	for _, fs := range spec.Features {
		if _, dup := byName[fs.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate parameters for %q", fs.Name)
		}
		if _, ok := s.Position(fs.Name); !ok {
			return nil, fmt.Errorf("pipeline: parameters for undeclared feature %q", fs.Name)
		}
		byName[fs.Name] = fs
	}

	features := s.Features()
	steps := make([]step, len(features))
	var natural []string

	for i, f := range features {
		fs, ok := byName[f.Name]
		if !ok {
			return nil, fmt.Errorf("pipeline: no parameters for feature %q", f.Name)
		}

		st := step{kind: f.Kind}
		switch f.Kind {
		case schema.Numeric:
			st.center = fs.Center
			st.scale = fs.Scale
			if st.scale == 0 {
				st.scale = 1
			}
			if math.IsNaN(st.center) || math.IsNaN(st.scale) || math.IsInf(st.scale, 0) {
				return nil, fmt.Errorf("pipeline: feature %q has non-finite scaling", f.Name)
			}
			natural = append(natural, f.Name)

		case schema.Categorical:
			st.encoding = fs.Encoding
			if st.encoding == "" {
				st.encoding = EncodingLabel
			}
			switch st.encoding {
			case EncodingLabel:
				if len(fs.Codes) == 0 {
					return nil, fmt.Errorf("pipeline: feature %q has no category codes", f.Name)
				}
				st.codes = make(map[string]float64, len(fs.Codes))
				for k, v := range fs.Codes {
					st.codes[k] = v
				}
				natural = append(natural, f.Name)
			case EncodingOneHot:
				if len(fs.Categories) == 0 {
					return nil, fmt.Errorf("pipeline: feature %q has no one-hot categories", f.Name)
				}
				st.categories = slices.Clone(fs.Categories)
				for _, c := range st.categories {
					natural = append(natural, OneHotColumn(f.Name, c))
				}
			default:
				return nil, fmt.Errorf("pipeline: feature %q has unknown encoding %q", f.Name, st.encoding)
			}

		case schema.Boolean:
			natural = append(natural, f.Name)
		}
		steps[i] = st
	}

	order := spec.Order
	if len(order) == 0 {
		order = natural
	}
	if len(order) != len(natural) {
		return nil, &Error{
			Kind:   DimensionMismatch,
			Detail: fmt.Sprintf("order lists %d columns, pipeline produces %d", len(order), len(natural)),
		}
	}

	position := make(map[string]int, len(order))
	for i, col := range order {
		if _, dup := position[col]; dup {
			return nil, fmt.Errorf("pipeline: column %q appears twice in order", col)
		}
		position[col] = i
	}

	for i, f := range features {
		st := &steps[i]
		if st.encoding == EncodingOneHot {
			st.columns = make([]int, len(st.categories))
			for j, c := range st.categories {
				pos, ok := position[OneHotColumn(f.Name, c)]
				if !ok {
					return nil, &Error{Kind: DimensionMismatch, Detail: fmt.Sprintf("order is missing column %q", OneHotColumn(f.Name, c))}
				}
				st.columns[j] = pos
			}
			continue
		}
		pos, ok := position[f.Name]
		if !ok {
			return nil, &Error{Kind: DimensionMismatch, Detail: fmt.Sprintf("order is missing column %q", f.Name)}
		}
		st.columns = []int{pos}
	}

	fp, err := canonical.Fingerprint(struct {
		Schema []schema.Feature `json:"schema"`
		Spec   Spec             `json:"spec"`
		Order  []string         `json:"order"`
	}{features, spec, order})
	if err != nil {
		return nil, fmt.Errorf("pipeline: fingerprint: %w", err)
	}

	return &Params{
		version:     spec.Version,
		schema:      s,
		steps:       steps,
		order:       slices.Clone(order),
		fingerprint: fp,
	}, nil
}

// OneHotColumn names the output column for one category of a one-hot
// encoded feature.
func OneHotColumn(feature, category string) string {
	return feature + "=" + category
}

// SourceFeature maps an output column back to the schema feature it came from.
func SourceFeature(column string) string {
	if i := strings.IndexByte(column, '='); i >= 0 {
		return column[:i]
	}
	return column
}

// Version returns the version tag the training job wrote.
func (p *Params) Version() string { return p.version }

// Fingerprint returns the SHA-256 of the canonical parameters. Two params
// with equal fingerprints transform every input identically.
func (p *Params) Fingerprint() string { return p.fingerprint }

// Schema returns the schema the params were fit against.
func (p *Params) Schema() *schema.Schema { return p.schema }

// Order returns a copy of the output column order.
func (p *Params) Order() []string { return slices.Clone(p.order) }

// Width returns the number of output columns.
func (p *Params) Width() int { return len(p.order) }
