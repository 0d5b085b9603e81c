package eval

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/metrics"
	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/model/modeltest"
	"github.com/intentlab/intent/internal/pipeline"
	"github.com/intentlab/intent/internal/schema"
)

// Buyers are the sessions aged 40 and over. The last row is outside the
// schema's age range.
func sessions() []LabeledRow {
	return []LabeledRow{
		{Input: schema.RawInput{"age": 20, "browser": "Chrome"}, Label: false},
		{Input: schema.RawInput{"age": 30, "browser": "Firefox"}, Label: false},
		{Input: schema.RawInput{"age": 35, "browser": "Chrome"}, Label: false},
		{Input: schema.RawInput{"age": 45, "browser": "Safari"}, Label: true},
		{Input: schema.RawInput{"age": 50, "browser": "Safari"}, Label: true},
		{Input: schema.RawInput{"age": 60, "browser": "Chrome"}, Label: true},
		{Input: schema.RawInput{"age": 200, "browser": "Chrome"}, Label: true},
	}
}

// ranker orders every session correctly but never crosses 0.5; browser only
// looks at the browser, labels five of six right and ranks worse.
func models(t *testing.T) (ranker, browser *model.Handle) {
	p := modeltest.AgeBrowserParams(t)
	ranker = modeltest.Logistic(t, "ranker", p, []float64{1, 0}, -5)
	browser = modeltest.Logistic(t, "browser", p, []float64{0, 2}, -2.5)
	return ranker, browser
}

func TestCompare_HigherAUCRanksFirst(t *testing.T) {
	ranker, browser := models(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := NewComparator(inference.New(), WithMetrics(m))

	report, err := c.Compare(context.Background(), sessions(), []*model.Handle{browser, ranker})
	require.NoError(t, err)
	require.Len(t, report.Models, 2)

	first, second := report.Models[0], report.Models[1]
	assert.Equal(t, "ranker", first.ModelID)
	assert.Equal(t, 1, first.Rank)
	assert.Equal(t, 2, second.Rank)

	assert.InDelta(t, 1.0, first.Metrics.AUC, 1e-12)
	assert.InDelta(t, 0.5, first.Metrics.Accuracy, 1e-12)
	assert.InDelta(t, 7.0/9.0, second.Metrics.AUC, 1e-12)
	assert.InDelta(t, 5.0/6.0, second.Metrics.Accuracy, 1e-12)
	assert.Greater(t, second.Metrics.Accuracy, first.Metrics.Accuracy)

	for _, r := range report.Models {
		assert.Equal(t, 7, r.Rows)
		assert.Equal(t, 1, r.Excluded)
		assert.Equal(t, 6, r.Metrics.NumSamples)
		assert.Equal(t, map[string]int{"schema_out_of_domain": 1}, r.ErrorsByKind)
	}

	require.Len(t, report.Tests, 1)
	test := report.Tests[0]
	assert.Equal(t, "ranker", test.ModelA)
	assert.Equal(t, 2, test.Discordant)
	assert.InDelta(t, 0.5, test.TestStatistic, 1e-12)
	assert.InDelta(t, -1.0, test.EffectSize, 1e-12)
	assert.False(t, test.Significant)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Comparisons))
}

func TestCompare_CustomRanking(t *testing.T) {
	ranker, browser := models(t)
	c := NewComparator(inference.New(), WithRanking(Ranking{Primary: MetricAccuracy, Secondary: MetricAUC}))

	report, err := c.Compare(context.Background(), sessions(), []*model.Handle{ranker, browser})
	require.NoError(t, err)
	assert.Equal(t, "browser", report.Models[0].ModelID)

	c = NewComparator(inference.New(), WithRanking(Ranking{Primary: MetricBrier}))
	report, err = c.Compare(context.Background(), sessions(), []*model.Handle{ranker, browser})
	require.NoError(t, err)
	assert.LessOrEqual(t, report.Models[0].Metrics.Brier, report.Models[1].Metrics.Brier)
}

func TestCompare_TiesKeepDeclarationOrder(t *testing.T) {
	p := modeltest.AgeBrowserParams(t)
	a := modeltest.Logistic(t, "a", p, []float64{1, 0}, 0)
	b := modeltest.Logistic(t, "b", p, []float64{1, 0}, 0)
	c := NewComparator(inference.New())

	for _, order := range [][]*model.Handle{{a, b}, {b, a}} {
		report, err := c.Compare(context.Background(), sessions(), order)
		require.NoError(t, err)
		assert.Equal(t, order[0].ID(), report.Models[0].ModelID)
		assert.Equal(t, order[1].ID(), report.Models[1].ModelID)
	}
}

// pageValues declares a feature no session carries, so every row fails
// validation.
func pageValues(t *testing.T) *model.Handle {
	s, err := schema.New([]schema.Feature{{Name: "PageValues", Kind: schema.Numeric, Min: 0, Max: 400}})
	require.NoError(t, err)
	p, err := pipeline.NewParams(s, pipeline.Spec{
		Version:  "pv-v1",
		Features: []pipeline.FeatureSpec{{Name: "PageValues", Center: 0, Scale: 100}},
	})
	require.NoError(t, err)
	return modeltest.Logistic(t, "page-values", p, []float64{1}, 0)
}

func TestCompare_UnscoredModelRanksLast(t *testing.T) {
	ranker, browser := models(t)
	unscored := pageValues(t)

	for _, primary := range []Metric{MetricBrier, MetricLogLoss, MetricAUC, MetricAccuracy} {
		t.Run(string(primary), func(t *testing.T) {
			c := NewComparator(inference.New(), WithRanking(Ranking{Primary: primary}))
			report, err := c.Compare(context.Background(), sessions(), []*model.Handle{unscored, browser, ranker})
			require.NoError(t, err)
			require.Len(t, report.Models, 3)

			last := report.Models[2]
			assert.Equal(t, "page-values", last.ModelID)
			assert.Equal(t, 3, last.Rank)
			assert.True(t, last.Unscored)
			assert.Equal(t, 7, last.Excluded)
			assert.Equal(t, Metrics{}, last.Metrics)

			for _, r := range report.Models[:2] {
				assert.False(t, r.Unscored)
			}
			require.Len(t, report.Tests, 1)
			assert.NotEqual(t, "page-values", report.Tests[0].ModelA)
			assert.NotEqual(t, "page-values", report.Tests[0].ModelB)
		})
	}
}

type nanScorer struct{}

func (nanScorer) Score([]float64) (float64, error) { return math.NaN(), nil }
func (nanScorer) Width() int                       { return 2 }
func (nanScorer) Kind() string                     { return "nan" }

func TestCompare_StructuralErrorKeepsFinishedReports(t *testing.T) {
	ranker, _ := models(t)
	p := modeltest.AgeBrowserParams(t)
	broken, err := model.NewHandle(model.Config{ID: "broken", Params: p, Scorer: nanScorer{}, ParamsVersion: p.Version()})
	require.NoError(t, err)

	c := NewComparator(inference.New(), WithWorkers(1))
	report, err := c.Compare(context.Background(), sessions(), []*model.Handle{ranker, broken})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrScoring))
	require.NotNil(t, report)
	require.Len(t, report.Models, 1)
	assert.Equal(t, "ranker", report.Models[0].ModelID)
	assert.Empty(t, report.Tests)
}

func TestCompare_RejectsBadInput(t *testing.T) {
	ranker, _ := models(t)
	c := NewComparator(inference.New())

	_, err := c.Compare(context.Background(), sessions(), nil)
	assert.Error(t, err)
	_, err = c.Compare(context.Background(), nil, []*model.Handle{ranker})
	assert.Error(t, err)
	_, err = c.Compare(context.Background(), sessions(), []*model.Handle{ranker, ranker})
	assert.Error(t, err)

	c = NewComparator(inference.New(), WithRanking(Ranking{Primary: "speed"}))
	_, err = c.Compare(context.Background(), sessions(), []*model.Handle{ranker})
	assert.Error(t, err)
}

func TestCompare_BootstrapIsSeeded(t *testing.T) {
	ranker, browser := models(t)
	c := NewComparator(inference.New(), WithBootstrap(200, 3))

	a, err := c.Compare(context.Background(), sessions(), []*model.Handle{ranker, browser})
	require.NoError(t, err)
	b, err := c.Compare(context.Background(), sessions(), []*model.Handle{ranker, browser})
	require.NoError(t, err)

	for i := range a.Models {
		require.NotNil(t, a.Models[i].Metrics.CIs)
		assert.Equal(t, a.Models[i].Metrics.CIs, b.Models[i].Metrics.CIs)
		ci := a.Models[i].Metrics.CIs.AccuracyCI
		assert.LessOrEqual(t, ci[0], ci[1])
	}
}

func TestWriteTable(t *testing.T) {
	ranker, browser := models(t)
	report, err := NewComparator(inference.New()).Compare(context.Background(), sessions(), []*model.Handle{browser, ranker})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, report))
	out := buf.String()
	assert.Contains(t, out, "| 1 | ranker |")
	assert.Contains(t, out, "| 2 | browser |")
	assert.Contains(t, out, "Ranked by auc, then accuracy over 7 rows.")
	assert.Contains(t, out, "| mcnemar | ranker | browser |")
}
