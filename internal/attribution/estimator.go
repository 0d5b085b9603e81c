package attribution

import (
	"context"
	"math"
	"math/bits"
	"math/rand/v2"
	"slices"

	"github.com/intentlab/intent/internal/model"
)

// Estimate is the raw output of an Estimator: one contribution per feature
// group and the baseline they are measured against.
type Estimate struct {
	Contributions []float64
	Base          float64
	// Exact is true when contributions are exact Shapley values.
	Exact bool
	// Samples is the number of sampled permutations, zero when exact.
	Samples int
	// Scale is the factor applied to raw marginal effects, 1 when unscaled.
	Scale float64
}

// Estimator allocates f(x) - base across feature groups. groups[i] lists the
// vector columns owned by feature i; a feature is switched on or off as a
// whole. Implementations must be deterministic for fixed inputs.
type Estimator interface {
	Estimate(ctx context.Context, f model.ScoreFunc, background [][]float64, x []float64, groups [][]int) (Estimate, error)
}

// Permutation measures, for each feature, the mean drop in output when the
// feature is replaced by background values, and rescales the effects so they
// sum to f(x) - E[f(b)].
type Permutation struct{}

func (Permutation) Estimate(ctx context.Context, f model.ScoreFunc, background [][]float64, x []float64, groups [][]int) (Estimate, error) {
	fx, err := f(x)
	if err != nil {
		return Estimate{}, err
	}
	base, err := meanScore(ctx, f, background)
	if err != nil {
		return Estimate{}, err
	}

	marginal := make([]float64, len(groups))
	z := make([]float64, len(x))
	for i, cols := range groups {
		sum := 0.0
		for _, b := range background {
			if err := ctx.Err(); err != nil {
				return Estimate{}, err
			}
			copy(z, x)
			for _, c := range cols {
				z[c] = b[c]
			}
			fz, err := f(z)
			if err != nil {
				return Estimate{}, err
			}
			sum += fx - fz
		}
		marginal[i] = sum / float64(len(background))
	}

	gap := fx - base
	total := 0.0
	for _, m := range marginal {
		total += m
	}

	out := Estimate{Contributions: marginal, Base: base, Scale: 1}
	switch {
	case math.Abs(total) < 1e-12:
		// Effects cancel; nothing to rescale, so split the gap evenly.
		for i := range out.Contributions {
			out.Contributions[i] = gap / float64(len(groups))
		}
		out.Scale = 0
	default:
		out.Scale = gap / total
		for i := range out.Contributions {
			out.Contributions[i] *= out.Scale
		}
	}
	return out, nil
}

// Shapley computes interventional Shapley values. With at most ExactMax
// groups every coalition is enumerated; above that Samples random
// permutations are walked, each of which telescopes exactly to f(x) - f(b).
type Shapley struct {
	ExactMax int
	Samples  int
	Seed     int64
}

func (s Shapley) Estimate(ctx context.Context, f model.ScoreFunc, background [][]float64, x []float64, groups [][]int) (Estimate, error) {
	if len(groups) <= s.ExactMax {
		return s.exact(ctx, f, background, x, groups)
	}
	return s.sampled(ctx, f, background, x, groups)
}

// exact enumerates all 2^n coalitions. v(S) is the mean over background rows
// of f with the features in S taken from x and the rest from the row.
func (s Shapley) exact(ctx context.Context, f model.ScoreFunc, background [][]float64, x []float64, groups [][]int) (Estimate, error) {
	n := len(groups)
	size := 1 << n
	v := make([]float64, size)
	z := make([]float64, len(x))

	for mask := 0; mask < size; mask++ {
		if err := ctx.Err(); err != nil {
			return Estimate{}, err
		}
		sum := 0.0
		for _, b := range background {
			copy(z, b)
			for i, cols := range groups {
				if mask&(1<<i) != 0 {
					for _, c := range cols {
						z[c] = x[c]
					}
				}
			}
			fz, err := f(z)
			if err != nil {
				return Estimate{}, err
			}
			sum += fz
		}
		v[mask] = sum / float64(len(background))
	}

	// weight[k] = k!(n-k-1)!/n!
	weight := make([]float64, n)
	for k := 0; k < n; k++ {
		weight[k] = math.Exp(lgamma(k+1) + lgamma(n-k) - lgamma(n+1))
	}

	phi := make([]float64, n)
	for i := 0; i < n; i++ {
		bit := 1 << i
		for mask := 0; mask < size; mask++ {
			if mask&bit != 0 {
				continue
			}
			phi[i] += weight[bits.OnesCount(uint(mask))] * (v[mask|bit] - v[mask])
		}
	}

	return Estimate{Contributions: phi, Base: v[0], Exact: true, Scale: 1}, nil
}

func (s Shapley) sampled(ctx context.Context, f model.ScoreFunc, background [][]float64, x []float64, groups [][]int) (Estimate, error) {
	samples := s.Samples
	if samples <= 0 {
		samples = 200
	}
	rng := rand.New(rand.NewPCG(uint64(s.Seed), uint64(s.Seed)^0x9e3779b97f4a7c15))

	n := len(groups)
	phi := make([]float64, n)
	base := 0.0
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	z := make([]float64, len(x))

	for it := 0; it < samples; it++ {
		if err := ctx.Err(); err != nil {
			return Estimate{}, err
		}
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		b := background[rng.IntN(len(background))]

		copy(z, b)
		prev, err := f(z)
		if err != nil {
			return Estimate{}, err
		}
		base += prev
		for _, g := range order {
			for _, c := range groups[g] {
				z[c] = x[c]
			}
			cur, err := f(z)
			if err != nil {
				return Estimate{}, err
			}
			phi[g] += cur - prev
			prev = cur
		}
	}

	for i := range phi {
		phi[i] /= float64(samples)
	}
	return Estimate{Contributions: phi, Base: base / float64(samples), Samples: samples, Scale: 1}, nil
}

func meanScore(ctx context.Context, f model.ScoreFunc, rows [][]float64) (float64, error) {
	sum := 0.0
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		p, err := f(slices.Clone(r))
		if err != nil {
			return 0, err
		}
		sum += p
	}
	return sum / float64(len(rows)), nil
}

func lgamma(n int) float64 {
	v, _ := math.Lgamma(float64(n))
	return v
}
