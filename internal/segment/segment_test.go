package segment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/model/modeltest"
	"github.com/intentlab/intent/internal/schema"
)

func probs(ps ...float64) []*inference.Prediction {
	out := make([]*inference.Prediction, len(ps))
	for i, p := range ps {
		out[i] = &inference.Prediction{Probability: p}
	}
	return out
}

func TestQuantile_Linear(t *testing.T) {
	data := []float64{0.5, 0.1, 0.4, 0.2, 0.3}
	assert.InDelta(t, 0.34, Quantile(data, 0.6), 1e-12)
	assert.InDelta(t, 0.1, Quantile(data, 0), 1e-12)
	assert.InDelta(t, 0.5, Quantile(data, 1), 1e-12)
	assert.InDelta(t, 0.3, Quantile(data, 0.5), 1e-12)
	assert.Equal(t, []float64{0.5, 0.1, 0.4, 0.2, 0.3}, data, "input untouched")
	assert.InDelta(t, 7.0, Quantile([]float64{7}, 0.95), 0)
}

func TestTopK(t *testing.T) {
	preds := probs(0.5, 0.1, 0.4, 0.2, 0.3)
	preds = append(preds, nil)

	sel, err := TopK(preds, 0.4)
	require.NoError(t, err)
	assert.InDelta(t, 0.34, sel.Threshold, 1e-12)
	assert.Equal(t, 2, sel.Selected)
	require.Len(t, sel.Targets, 5)
	assert.True(t, sel.Targets[0].Selected)
	assert.False(t, sel.Targets[1].Selected)
	assert.True(t, sel.Targets[2].Selected)
	assert.Equal(t, 4, sel.Targets[4].Index)

	// Ties at the cut-off are all selected.
	sel, err = TopK(probs(0.9, 0.9, 0.9, 0.1), 0.25)
	require.NoError(t, err)
	assert.Equal(t, 3, sel.Selected)

	_, err = TopK(preds, 0)
	assert.Error(t, err)
	_, err = TopK(preds, 1.5)
	assert.Error(t, err)
	_, err = TopK([]*inference.Prediction{nil}, 0.1)
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	h := modeltest.AgeBrowser(t)
	rows := []schema.RawInput{
		{"age": 40, "browser": "Safari"},
		{"age": 20, "browser": "Chrome"},
		{"age": 40, "browser": "Chrome"},
		{"age": 60, "browser": "Safari"},
	}
	results, err := inference.New().PredictBatch(context.Background(), rows, h)
	require.NoError(t, err)
	preds := make([]*inference.Prediction, len(results))
	for i, r := range results {
		require.NoError(t, r.Err)
		preds[i] = r.Prediction
	}
	labels := []bool{true, false, true, false}

	groups, err := Aggregate(preds, labels, "browser")
	require.NoError(t, err)
	require.Len(t, groups, 2, "Firefox has no sessions")

	chrome, safari := groups[0], groups[1]
	assert.Equal(t, "Chrome", chrome.Value)
	assert.Equal(t, "Safari", safari.Value)
	assert.Equal(t, 2, chrome.Count)
	assert.InDelta(t, (preds[1].Probability+preds[2].Probability)/2, chrome.MeanProbability, 1e-12)
	require.NotNil(t, chrome.ConversionRate)
	assert.InDelta(t, 0.5, *chrome.ConversionRate, 1e-12)

	positive := 0
	for _, i := range []int{1, 2} {
		if preds[i].Label {
			positive++
		}
	}
	assert.InDelta(t, float64(positive)/2, chrome.PositiveRate, 1e-12)

	noLabels, err := Aggregate(preds, nil, "browser")
	require.NoError(t, err)
	assert.Nil(t, noLabels[0].ConversionRate)

	_, err = Aggregate(preds, nil, "age")
	assert.Error(t, err, "numeric features are not segments")
	_, err = Aggregate(preds, nil, "os")
	assert.Error(t, err)
	_, err = Aggregate(preds, []bool{true}, "browser")
	assert.Error(t, err)
}

func TestAggregate_Boolean(t *testing.T) {
	s, err := schema.New([]schema.Feature{
		{Name: "Weekend", Kind: schema.Boolean},
	})
	require.NoError(t, err)

	var preds []*inference.Prediction
	ps := []float64{0.3, 0.1, 0.5}
	for i, w := range []bool{true, false, true} {
		v, err := s.Validate(schema.RawInput{"Weekend": w})
		require.NoError(t, err)
		preds = append(preds, &inference.Prediction{Probability: ps[i], Input: v})
	}

	groups, err := Aggregate(preds, nil, "Weekend")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "false", groups[0].Value)
	assert.Equal(t, "true", groups[1].Value)
	assert.InDelta(t, 0.4, groups[1].MeanProbability, 1e-12)

	ranked := Rank(groups)
	assert.Equal(t, "true", ranked[0].Value)
	assert.Equal(t, "false", groups[0].Value, "Rank copies")
}
