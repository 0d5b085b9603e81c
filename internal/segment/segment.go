// Package segment turns batches of predictions into targeting lists and
// per-segment summaries.
package segment

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/schema"
)

// Target marks one prediction of a top-k selection.
type Target struct {
	Index       int     `json:"index"`
	Probability float64 `json:"probability"`
	Selected    bool    `json:"selected"`
}

// Selection is the result of TopK.
type Selection struct {
	Ratio float64 `json:"top_k_ratio"`
	// Threshold is the probability cut-off; every prediction at or above it
	// is selected, so ties can push the selection past the ratio.
	Threshold float64  `json:"threshold_used"`
	Selected  int      `json:"selected"`
	Targets   []Target `json:"targets"`
}

// TopK selects the top ratio share of predictions by probability. The
// cut-off is the (1 - ratio) quantile with linear interpolation between
// order statistics. Nil entries (failed rows) are skipped but keep their
// index.
func TopK(preds []*inference.Prediction, ratio float64) (Selection, error) {
	if math.IsNaN(ratio) || ratio <= 0 || ratio > 1 {
		return Selection{}, fmt.Errorf("segment: top-k ratio %v outside (0, 1]", ratio)
	}

	probs := make([]float64, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			probs = append(probs, p.Probability)
		}
	}
	if len(probs) == 0 {
		return Selection{}, errors.New("segment: no predictions to rank")
	}

	sel := Selection{
		Ratio:     ratio,
		Threshold: Quantile(probs, 1-ratio),
		Targets:   make([]Target, 0, len(probs)),
	}
	for i, p := range preds {
		if p == nil {
			continue
		}
		t := Target{Index: i, Probability: p.Probability, Selected: p.Probability >= sel.Threshold}
		if t.Selected {
			sel.Selected++
		}
		sel.Targets = append(sel.Targets, t)
	}
	return sel, nil
}

// Quantile returns the q-th quantile of data, interpolating linearly between
// the two nearest order statistics. data is not modified.
func Quantile(data []float64, q float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(data)
	slices.Sort(sorted)

	q = min(max(q, 0), 1)
	h := float64(len(sorted)-1) * q
	lo := int(math.Floor(h))
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// Group summarizes the predictions that share one value of a feature.
type Group struct {
	Value           string  `json:"value"`
	Count           int     `json:"count"`
	MeanProbability float64 `json:"mean_probability"`
	// PositiveRate is the share of predictions labeled positive at the
	// model's threshold.
	PositiveRate float64 `json:"positive_rate"`
	// ConversionRate is the observed purchase rate; nil without labels.
	ConversionRate *float64 `json:"conversion_rate,omitempty"`
}

// Aggregate groups predictions by a categorical or boolean feature of their
// validated input. labels is optional; when given it must be parallel to
// preds. Groups follow the feature's declared value order (false before
// true for booleans) and empty groups are omitted. Nil predictions are
// skipped.
func Aggregate(preds []*inference.Prediction, labels []bool, field string) ([]Group, error) {
	if labels != nil && len(labels) != len(preds) {
		return nil, fmt.Errorf("segment: %d labels for %d predictions", len(labels), len(preds))
	}

	type acc struct {
		count, positive, converted int
		sum                        float64
	}
	var (
		order []string
		accs  = map[string]*acc{}
	)

	for i, p := range preds {
		if p == nil {
			continue
		}
		s := p.Input.Schema()
		if s == nil {
			return nil, fmt.Errorf("segment: prediction %d carries no validated input", i)
		}
		if order == nil {
			var err error
			if order, err = groupOrder(s, field); err != nil {
				return nil, err
			}
		}
		v, ok := p.Input.Get(field)
		if !ok {
			return nil, fmt.Errorf("segment: prediction %d has no feature %q", i, field)
		}
		key := keyOf(v)
		a := accs[key]
		if a == nil {
			a = &acc{}
			accs[key] = a
		}
		a.count++
		a.sum += p.Probability
		if p.Label {
			a.positive++
		}
		if labels != nil && labels[i] {
			a.converted++
		}
	}

	groups := make([]Group, 0, len(accs))
	for _, key := range order {
		a, ok := accs[key]
		if !ok {
			continue
		}
		n := float64(a.count)
		g := Group{
			Value:           key,
			Count:           a.count,
			MeanProbability: a.sum / n,
			PositiveRate:    float64(a.positive) / n,
		}
		if labels != nil {
			rate := float64(a.converted) / n
			g.ConversionRate = &rate
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func groupOrder(s *schema.Schema, field string) ([]string, error) {
	f, ok := s.Feature(field)
	if !ok {
		return nil, fmt.Errorf("segment: unknown feature %q", field)
	}
	switch f.Kind {
	case schema.Categorical:
		return f.Values, nil
	case schema.Boolean:
		return []string{"false", "true"}, nil
	default:
		return nil, fmt.Errorf("segment: feature %q is %s; group by a categorical or boolean feature", field, f.Kind)
	}
}

func keyOf(v schema.Value) string {
	if v.Kind() == schema.Boolean {
		return strconv.FormatBool(v.Bool())
	}
	return v.Category()
}

// Rank orders groups by mean probability, highest first, keeping the
// declared order among equal groups.
func Rank(groups []Group) []Group {
	out := slices.Clone(groups)
	slices.SortStableFunc(out, func(a, b Group) int {
		return cmp.Compare(b.MeanProbability, a.MeanProbability)
	})
	return out
}
