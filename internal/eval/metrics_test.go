package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRankAUC(t *testing.T) {
	auc, single := rankAUC([]float64{0.1, 0.4, 0.35, 0.8}, []bool{false, false, true, true})
	assert.False(t, single)
	assert.InDelta(t, 0.75, auc, 1e-12)

	// A positive tied with a negative counts one half.
	auc, _ = rankAUC([]float64{0.5, 0.5}, []bool{true, false})
	assert.InDelta(t, 0.5, auc, 1e-12)

	auc, _ = rankAUC([]float64{0.9, 0.2, 0.2, 0.1}, []bool{true, true, false, false})
	assert.InDelta(t, 0.875, auc, 1e-12)

	auc, single = rankAUC([]float64{0.3, 0.7}, []bool{true, true})
	assert.True(t, single)
	assert.Equal(t, 0.5, auc)
}

func TestAveragePrecision(t *testing.T) {
	ap := averagePrecision([]float64{0.1, 0.4, 0.35, 0.8}, []bool{false, false, true, true})
	assert.InDelta(t, 5.0/6.0, ap, 1e-12)

	assert.Equal(t, 0.0, averagePrecision([]float64{0.2}, []bool{false}))
	assert.InDelta(t, 1.0, averagePrecision([]float64{0.9, 0.1}, []bool{true, false}), 1e-12)
}

func TestComputeMetrics(t *testing.T) {
	probs := []float64{0.9, 0.6, 0.4, 0.2}
	labels := []bool{true, false, true, false}
	m := ComputeMetrics(probs, labels, 0.5)

	assert.Equal(t, 1, m.TruePositives)
	assert.Equal(t, 1, m.FalsePositives)
	assert.Equal(t, 1, m.FalseNegatives)
	assert.Equal(t, 1, m.TrueNegatives)
	assert.Equal(t, 2, m.Positives)
	assert.InDelta(t, 0.5, m.Accuracy, 1e-12)
	assert.InDelta(t, 0.5, m.Precision, 1e-12)
	assert.InDelta(t, 0.5, m.Recall, 1e-12)
	assert.InDelta(t, 0.5, m.F1, 1e-12)
	assert.InDelta(t, (0.01+0.36+0.36+0.04)/4, m.Brier, 1e-12)
	assert.InDelta(t, 0.75, m.AUC, 1e-12)

	perfect := ComputeMetrics([]float64{1, 0}, []bool{true, false}, 0.5)
	assert.Equal(t, 0.0, perfect.Brier)
	assert.Less(t, perfect.LogLoss, 1e-12)

	assert.Equal(t, Metrics{}, ComputeMetrics(nil, nil, 0.5))
}

func TestRanking_Validate(t *testing.T) {
	assert.NoError(t, DefaultRanking().Validate())
	assert.NoError(t, Ranking{Primary: MetricF1}.Validate())
	assert.Error(t, Ranking{Primary: "speed"}.Validate())
	assert.Error(t, Ranking{Primary: MetricAUC, Secondary: "speed"}.Validate())
	assert.True(t, MetricLogLoss.LowerIsBetter())
	assert.False(t, MetricAUPRC.LowerIsBetter())
}
