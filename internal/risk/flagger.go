package risk

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/intentlab/intent/internal/attribution"
	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/schema"
)

// Band is a coarse probability bucket.
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

// Policy holds the tunable risk rules.
type Policy struct {
	ProbabilityThreshold    float64 `yaml:"probability_threshold" json:"probability_threshold"`
	MinContributionToReport float64 `yaml:"min_contribution_to_report" json:"min_contribution_to_report"`
	// TopK caps the reported features; <= 0 reports all that pass the minimum.
	TopK int `yaml:"top_k_features" json:"top_k_features"`

	BandHigh   float64 `yaml:"band_high" json:"band_high"`
	BandMedium float64 `yaml:"band_medium" json:"band_medium"`
	// GlobalAverage is the population purchase rate used for relative scores.
	GlobalAverage float64 `yaml:"global_average" json:"global_average"`
}

// DefaultPolicy flags sessions at p >= 0.7 and reports the top five
// features contributing at least 0.01.
func DefaultPolicy() Policy {
	return Policy{
		ProbabilityThreshold:    0.7,
		MinContributionToReport: 0.01,
		TopK:                    5,
		BandHigh:                0.7,
		BandMedium:              0.4,
		GlobalAverage:           0.15,
	}
}

// Validate checks that thresholds are probabilities and bands are ordered.
func (p Policy) Validate() error {
	for name, v := range map[string]float64{
		"probability_threshold": p.ProbabilityThreshold,
		"band_high":             p.BandHigh,
		"band_medium":           p.BandMedium,
		"global_average":        p.GlobalAverage,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("risk: %s %v outside [0, 1]", name, v)
		}
	}
	if p.BandMedium > p.BandHigh {
		return fmt.Errorf("risk: band_medium %v above band_high %v", p.BandMedium, p.BandHigh)
	}
	if p.MinContributionToReport < 0 {
		return fmt.Errorf("risk: min_contribution_to_report must not be negative")
	}
	return nil
}

// BandFor buckets a probability.
func (p Policy) BandFor(prob float64) Band {
	switch {
	case prob >= p.BandHigh:
		return BandHigh
	case prob >= p.BandMedium:
		return BandMedium
	default:
		return BandLow
	}
}

// Flag is the risk verdict for one prediction.
type Flag struct {
	ModelID  string  `json:"model_id"`
	HighRisk bool    `json:"high_risk"`
	Score    float64 `json:"score"`
	Band     Band    `json:"band"`
	// Contributing is sorted by |value| descending, ties in schema order.
	Contributing []attribution.Contribution `json:"contributing"`
	// DeltaToAverage is Score - GlobalAverage; RelativeToAverage divides it
	// by GlobalAverage (0 when the average is 0).
	DeltaToAverage    float64 `json:"delta_to_average"`
	RelativeToAverage float64 `json:"relative_to_average"`
}

// Assess applies policy to a prediction and its attribution. The attribution
// must explain that exact prediction.
func Assess(pred *inference.Prediction, attr *attribution.Result, s *schema.Schema, policy Policy) (Flag, error) {
	if err := policy.Validate(); err != nil {
		return Flag{}, err
	}
	if pred == nil || attr == nil {
		return Flag{}, &attribution.MismatchError{Detail: "prediction and attribution are both required"}
	}
	if attr.ModelID != pred.ModelID || attr.Fingerprint != pred.Fingerprint {
		return Flag{}, &attribution.MismatchError{
			ModelID: pred.ModelID,
			Detail:  fmt.Sprintf("attribution belongs to model %q", attr.ModelID),
		}
	}
	if math.Abs(attr.Probability-pred.Probability) > attribution.Tolerance {
		return Flag{}, &attribution.MismatchError{ModelID: pred.ModelID, Detail: "attribution explains a different probability"}
	}

	type ranked struct {
		attribution.Contribution
		pos int
	}
	picked := make([]ranked, 0, len(attr.Contributions))
	for _, c := range attr.Contributions {
		pos, ok := s.Position(c.Feature)
		if !ok {
			return Flag{}, fmt.Errorf("risk: attribution feature %q is not in the schema", c.Feature)
		}
		if math.Abs(c.Value) >= policy.MinContributionToReport {
			picked = append(picked, ranked{Contribution: c, pos: pos})
		}
	}
	slices.SortFunc(picked, func(a, b ranked) int {
		if c := cmp.Compare(math.Abs(b.Value), math.Abs(a.Value)); c != 0 {
			return c
		}
		return cmp.Compare(a.pos, b.pos)
	})
	if policy.TopK > 0 && len(picked) > policy.TopK {
		picked = picked[:policy.TopK]
	}

	contributing := make([]attribution.Contribution, len(picked))
	for i, r := range picked {
		contributing[i] = r.Contribution
	}

	flag := Flag{
		ModelID:        pred.ModelID,
		HighRisk:       pred.Probability >= policy.ProbabilityThreshold,
		Score:          pred.Probability,
		Band:           policy.BandFor(pred.Probability),
		Contributing:   contributing,
		DeltaToAverage: pred.Probability - policy.GlobalAverage,
	}
	if policy.GlobalAverage > 0 {
		flag.RelativeToAverage = flag.DeltaToAverage / policy.GlobalAverage
	}
	return flag, nil
}
