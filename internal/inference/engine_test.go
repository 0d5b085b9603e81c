package inference

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentlab/intent/internal/metrics"
	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/model/modeltest"
	"github.com/intentlab/intent/internal/pipeline"
	"github.com/intentlab/intent/internal/schema"
)

func TestPredictOne_ReferenceSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := New(WithMetrics(m))
	h := modeltest.AgeBrowser(t)

	pred, err := e.PredictOne(context.Background(), schema.RawInput{"age": 40, "browser": "Chrome"}, h)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, pred.Probability, 1e-12)
	assert.True(t, pred.Label)
	assert.Equal(t, []float64{1.0, 0}, pred.Vector.Values())
	assert.Equal(t, h.ID(), pred.ModelID)
	assert.Equal(t, h.Params().Fingerprint(), pred.Fingerprint)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Predictions.WithLabelValues(h.ID(), "true")))
}

func TestPredictOne_Deterministic(t *testing.T) {
	e := New()
	h := modeltest.AgeBrowser(t)
	raw := schema.RawInput{"age": 57.25, "browser": "Firefox"}

	first, err := e.PredictOne(context.Background(), raw, h)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := e.PredictOne(context.Background(), raw, h)
		require.NoError(t, err)
		require.Equal(t, math.Float64bits(first.Probability), math.Float64bits(again.Probability))
		require.True(t, first.Vector.Equal(again.Vector))
	}
}

func TestPredictOne_SchemaErrorKeepsType(t *testing.T) {
	e := New()
	h := modeltest.AgeBrowser(t)

	_, err := e.PredictOne(context.Background(), schema.RawInput{"age": 40, "browser": "Edge"}, h)
	require.Error(t, err)

	var se *schema.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.OutOfDomain, se.Kind)
	assert.Equal(t, "browser", se.Field)
	assert.Contains(t, err.Error(), h.ID())
	assert.False(t, IsStructural(err))
	assert.Equal(t, "schema_out_of_domain", Classify(err))
}

func TestPredictBatch_PartialFailure(t *testing.T) {
	e := New(WithWorkers(3))
	h := modeltest.AgeBrowser(t)

	rows := []schema.RawInput{
		{"age": 40, "browser": "Chrome"},
		{"age": 40},
		{"age": 25, "browser": "Safari"},
		{"age": "old", "browser": "Safari"},
		{"age": 70, "browser": "Firefox"},
	}
	results, err := e.PredictBatch(context.Background(), rows, h)
	require.NoError(t, err)
	require.Len(t, results, len(rows))

	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
	assert.NoError(t, results[0].Err)
	assert.True(t, errors.Is(results[1].Err, schema.ErrSchema))
	assert.NoError(t, results[2].Err)
	assert.True(t, errors.Is(results[3].Err, schema.ErrSchema))
	assert.NoError(t, results[4].Err)
	assert.InDelta(t, 0.8, results[0].Prediction.Probability, 1e-12)
}

// ageGate returns NaN for scaled ages above 5 (raw age above 80).
type ageGate struct{}

func (ageGate) Score(x []float64) (float64, error) {
	if x[0] > 5 {
		return math.NaN(), nil
	}
	return 0.5, nil
}
func (ageGate) Width() int   { return 2 }
func (ageGate) Kind() string { return "gate" }

func TestPredictBatch_StructuralAbortKeepsCompleted(t *testing.T) {
	p := modeltest.AgeBrowserParams(t)
	h, err := model.NewHandle(model.Config{ID: "gate", Params: p, Scorer: ageGate{}, ParamsVersion: p.Version()})
	require.NoError(t, err)

	e := New(WithWorkers(1))
	rows := []schema.RawInput{
		{"age": 20, "browser": "Chrome"},
		{"age": 30, "browser": "Chrome"},
		{"age": 90, "browser": "Chrome"},
		{"age": 40, "browser": "Chrome"},
		{"age": 50, "browser": "Chrome"},
	}

	results, err := e.PredictBatch(context.Background(), rows, h)
	require.Error(t, err)
	assert.True(t, IsStructural(err))
	require.Len(t, results, 5)

	assert.NotNil(t, results[0].Prediction)
	assert.NotNil(t, results[1].Prediction)
	assert.True(t, errors.Is(results[2].Err, model.ErrScoring))
	assert.ErrorIs(t, results[3].Err, ErrNotRun)
	assert.ErrorIs(t, results[4].Err, ErrNotRun)
}

func TestPredictBatch_UnseenCategoryIsPerRow(t *testing.T) {
	s, err := schema.New([]schema.Feature{
		{Name: "age", Kind: schema.Numeric, Min: 0, Max: 120},
		{Name: "browser", Kind: schema.Categorical, Values: []string{"Chrome", "Firefox", "Safari", "Edge"}},
	})
	require.NoError(t, err)
	p, err := pipeline.NewParams(s, pipeline.Spec{
		Version: "ab-v2",
		Features: []pipeline.FeatureSpec{
			{Name: "age", Center: 30, Scale: 10},
			{Name: "browser", Codes: map[string]float64{"Chrome": 0, "Firefox": 1, "Safari": 2}},
		},
	})
	require.NoError(t, err)
	h := modeltest.Logistic(t, "lr-edge", p, []float64{1, 0}, 0)

	results, err := New().PredictBatch(context.Background(), []schema.RawInput{
		{"age": 40, "browser": "Edge"},
		{"age": 40, "browser": "Chrome"},
	}, h)
	require.NoError(t, err)
	assert.True(t, errors.Is(results[0].Err, pipeline.ErrUnseenCategory))
	assert.NotNil(t, results[1].Prediction)
}

func TestPredictBatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := New().PredictBatch(ctx, []schema.RawInput{{"age": 1, "browser": "Chrome"}}, modeltest.AgeBrowser(t))
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrNotRun)
}

func TestPredictBatch_InvalidHandleFailsFast(t *testing.T) {
	var h *model.Handle
	results, err := New().PredictBatch(context.Background(), []schema.RawInput{{}}, h)
	assert.Nil(t, results)
	assert.True(t, errors.Is(err, model.ErrScoring))
}
