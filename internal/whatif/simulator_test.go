package whatif

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentlab/intent/internal/attribution"
	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/model/modeltest"
	"github.com/intentlab/intent/internal/schema"
)

func newSimulator(opts ...Option) *Simulator {
	return New(inference.New(), attribution.New(), opts...)
}

func TestSimulate_Delta(t *testing.T) {
	h := modeltest.AgeBrowser(t)
	base := schema.RawInput{"age": 40, "browser": "Chrome"}

	d, err := newSimulator().Simulate(context.Background(), base, schema.RawInput{"age": 25, "browser": "Chrome"}, h, attribution.DefaultConfig())
	require.NoError(t, err)

	assert.InDelta(t, 0.8, d.Base.Probability, 1e-12)
	assert.Equal(t, []string{"age"}, d.ChangedFields, "browser override equals the base value")
	assert.InDelta(t, d.Modified.Probability-d.Base.Probability, d.ProbabilityDelta, 0)
	assert.Less(t, d.ProbabilityDelta, 0.0)

	require.Len(t, d.AttributionDelta, len(d.ModifiedAttribution.Contributions))
	for i, c := range d.ModifiedAttribution.Contributions {
		b := d.BaseAttribution.Contributions[i]
		require.Equal(t, c.Feature, b.Feature)
		assert.InDelta(t, c.Value-b.Value, d.AttributionDelta[c.Feature], 1e-15)
	}
	assert.InDelta(t, d.Modified.Probability, d.ModifiedAttribution.Sum(), attribution.Tolerance)
}

func TestSimulate_NoMutationAndRepeatable(t *testing.T) {
	h := modeltest.AgeBrowser(t)
	base := schema.RawInput{"age": "40", "browser": "Chrome"}
	overrides := schema.RawInput{"browser": "Safari"}
	baseCopy := base.Clone()
	overridesCopy := overrides.Clone()

	s := newSimulator()
	first, err := s.Simulate(context.Background(), base, overrides, h, attribution.DefaultConfig())
	require.NoError(t, err)
	second, err := s.Simulate(context.Background(), base, overrides, h, attribution.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, baseCopy, base)
	assert.Equal(t, overridesCopy, overrides)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"browser"}, first.ChangedFields)
}

func TestSimulate_OutOfDomainOverride(t *testing.T) {
	h := modeltest.AgeBrowser(t)

	_, err := newSimulator().Simulate(context.Background(),
		schema.RawInput{"age": 40, "browser": "Chrome"},
		schema.RawInput{"browser": "Edge"},
		h, attribution.DefaultConfig())
	require.Error(t, err)

	var se *schema.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.OutOfDomain, se.Kind)
	assert.Equal(t, "browser", se.Field)
}

func TestSimulate_UnknownOverride(t *testing.T) {
	h := modeltest.AgeBrowser(t)

	_, err := newSimulator().Simulate(context.Background(),
		schema.RawInput{"age": 40, "browser": "Chrome"},
		schema.RawInput{"os": "linux"},
		h, attribution.DefaultConfig())

	var se *schema.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.UnknownField, se.Kind)
	assert.Equal(t, "os", se.Field)
}

func TestScenarios_LazyAndRestartable(t *testing.T) {
	h := modeltest.AgeBrowser(t)
	base := schema.RawInput{"age": 40, "browser": "Chrome"}
	sets := []schema.RawInput{
		{"age": 20},
		{"browser": "Edge"},
		{"browser": "Firefox", "age": 60},
	}

	seq := newSimulator().Scenarios(context.Background(), base, sets, h, attribution.DefaultConfig())

	collect := func() []Outcome {
		var out []Outcome
		for i, o := range seq {
			assert.Equal(t, i, o.Index)
			out = append(out, o)
		}
		return out
	}
	first := collect()
	second := collect()
	require.Len(t, first, 3)
	assert.Equal(t, first, second)

	assert.NoError(t, first[0].Err)
	assert.True(t, errors.Is(first[1].Err, schema.ErrSchema))
	assert.Equal(t, []string{"age", "browser"}, first[2].Delta.ChangedFields)

	// Stopping early is honored.
	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestRunAll_MatchesSequential(t *testing.T) {
	h := modeltest.AgeBrowser(t)
	base := schema.RawInput{"age": 40, "browser": "Chrome"}
	sets := []schema.RawInput{
		{"age": 10}, {"age": 20}, {"age": 30}, {"browser": "Edge"}, {"browser": "Safari"}, {"age": 119.5},
	}
	s := newSimulator(WithWorkers(4))

	parallel, err := s.RunAll(context.Background(), base, sets, h, attribution.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, parallel, len(sets))

	i := 0
	for idx, o := range s.Scenarios(context.Background(), base, sets, h, attribution.DefaultConfig()) {
		assert.Equal(t, idx, parallel[idx].Index)
		if o.Err != nil {
			assert.Equal(t, inference.Classify(o.Err), inference.Classify(parallel[idx].Err))
		} else {
			assert.Equal(t, o.Delta, parallel[idx].Delta)
		}
		i++
	}
	assert.Equal(t, len(sets), i)
}
