package eval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/metrics"
	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/schema"
	"github.com/intentlab/intent/pkg/otel"
)

const tracerName = "intent/eval"

// Comparator evaluates models on a shared labeled dataset and ranks them.
type Comparator struct {
	engine    *inference.Engine
	ranking   Ranking
	logger    *slog.Logger
	metrics   *metrics.Metrics
	workers   int
	resamples int
	seed      uint64
}

// Option configures a Comparator.
type Option func(*Comparator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Comparator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Comparator) { c.metrics = m }
}

// WithRanking overrides DefaultRanking.
func WithRanking(r Ranking) Option {
	return func(c *Comparator) { c.ranking = r }
}

// WithWorkers bounds how many models are evaluated at once. n <= 0 means
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(c *Comparator) { c.workers = n }
}

// WithBootstrap enables percentile intervals from n seeded resamples.
func WithBootstrap(n int, seed uint64) Option {
	return func(c *Comparator) {
		c.resamples = n
		c.seed = seed
	}
}

func NewComparator(engine *inference.Engine, opts ...Option) *Comparator {
	c := &Comparator{
		engine:  engine,
		ranking: DefaultRanking(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.workers <= 0 {
		c.workers = runtime.GOMAXPROCS(0)
	}
	return c
}

// Compare scores dataset with every handle and ranks the models. Rows that
// fail validation or transformation for a model are excluded from that
// model's metrics and counted. A structural error on any model aborts the
// run; the reports of models that already finished are returned with it.
func (c *Comparator) Compare(ctx context.Context, dataset []LabeledRow, handles []*model.Handle) (*Report, error) {
	if err := c.ranking.Validate(); err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, errors.New("eval: no models to compare")
	}
	if len(dataset) == 0 {
		return nil, errors.New("eval: empty dataset")
	}
	seen := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		if err := h.Verify(); err != nil {
			return nil, err
		}
		if _, dup := seen[h.ID()]; dup {
			return nil, fmt.Errorf("eval: model %q listed twice", h.ID())
		}
		seen[h.ID()] = struct{}{}
	}

	ctx, span := otel.StartSpan(ctx, tracerName, "eval.Compare",
		otel.AttrRows.Int(len(dataset)))
	defer span.End()
	start := time.Now()

	rows := make([]schema.RawInput, len(dataset))
	labels := make([]bool, len(dataset))
	for i, r := range dataset {
		rows[i] = r.Input
		labels[i] = r.Label
	}

	reports := make([]*ModelReport, len(handles))
	outcomes := make([][]inference.RowResult, len(handles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, h := range handles {
		g.Go(func() error {
			results, err := c.engine.PredictBatch(gctx, rows, h)
			if err != nil {
				return fmt.Errorf("eval: model %s: %w", h.ID(), err)
			}
			reports[i] = c.evaluate(h, results, labels)
			outcomes[i] = results
			return nil
		})
	}
	err := g.Wait()

	report := &Report{
		RunID:   uuid.NewString(),
		Ranking: c.ranking,
		Rows:    len(dataset),
	}
	var done []int
	for i, r := range reports {
		if r != nil {
			done = append(done, i)
		}
	}
	c.rank(done, reports)
	for _, i := range done {
		report.Models = append(report.Models, *reports[i])
	}
	if len(done) >= 2 {
		a, b := done[0], done[1]
		report.Tests = append(report.Tests, mcNemar(handles[a], handles[b], outcomes[a], outcomes[b], labels))
	}
	report.Duration = time.Since(start)

	if c.metrics != nil {
		c.metrics.Comparisons.Inc()
		c.metrics.CompareDuration.Observe(report.Duration.Seconds())
	}

	if err != nil {
		otel.RecordError(span, err, "compare aborted")
		c.logger.Error("model comparison aborted",
			"run_id", report.RunID,
			"models", len(handles),
			"finished", len(done),
			"error", err,
		)
		return report, err
	}

	if best, ok := report.Best(); ok {
		c.logger.Info("model comparison finished",
			"run_id", report.RunID,
			"rows", len(dataset),
			"best", best.ModelID,
			string(c.ranking.Primary), best.Metrics.Value(c.ranking.Primary),
		)
	}
	return report, nil
}

func (c *Comparator) evaluate(h *model.Handle, results []inference.RowResult, labels []bool) *ModelReport {
	r := &ModelReport{
		ModelID:   h.ID(),
		Threshold: h.Threshold(),
		Rows:      len(results),
	}
	probs := make([]float64, 0, len(results))
	kept := make([]bool, 0, len(results))
	for i, res := range results {
		if res.Err != nil {
			r.Excluded++
			if r.ErrorsByKind == nil {
				r.ErrorsByKind = make(map[string]int)
			}
			r.ErrorsByKind[inference.Classify(res.Err)]++
			continue
		}
		probs = append(probs, res.Prediction.Probability)
		kept = append(kept, labels[i])
	}
	r.Metrics = ComputeMetrics(probs, kept, h.Threshold())
	r.Metrics.CIs = bootstrap(probs, kept, h.Threshold(), c.resamples, c.seed)
	r.Unscored = len(probs) == 0

	if r.Excluded > 0 {
		c.logger.Warn("rows excluded from evaluation",
			"model_id", h.ID(),
			"excluded", r.Excluded,
			"rows", r.Rows,
		)
	}
	return r
}

// rank sorts idx in place by the configured metrics and assigns 1-based ranks.
// Unscored models go last. Equal models keep declaration order.
func (c *Comparator) rank(idx []int, reports []*ModelReport) {
	by := func(m Metric, a, b *ModelReport) int {
		if m == "" {
			return 0
		}
		x, y := a.Metrics.Value(m), b.Metrics.Value(m)
		if m.LowerIsBetter() {
			return cmp.Compare(x, y)
		}
		return cmp.Compare(y, x)
	}
	slices.SortStableFunc(idx, func(i, j int) int {
		a, b := reports[i], reports[j]
		if a.Unscored != b.Unscored {
			if a.Unscored {
				return 1
			}
			return -1
		}
		if d := by(c.ranking.Primary, a, b); d != 0 {
			return d
		}
		if d := by(c.ranking.Secondary, a, b); d != 0 {
			return d
		}
		return cmp.Compare(i, j)
	})
	for pos, i := range idx {
		reports[i].Rank = pos + 1
	}
}

// mcNemar tests whether two models err on the shared rows at different rates.
// Rows either model failed to score are skipped.
//
// Null hypothesis: P(a correct, b wrong) = P(a wrong, b correct).
func mcNemar(ha, hb *model.Handle, ra, rb []inference.RowResult, labels []bool) StatisticalTest {
	var onlyA, onlyB int
	for i := range labels {
		if ra[i].Err != nil || rb[i].Err != nil {
			continue
		}
		aOK := ra[i].Prediction.Label == labels[i]
		bOK := rb[i].Prediction.Label == labels[i]
		switch {
		case aOK && !bOK:
			onlyA++
		case !aOK && bOK:
			onlyB++
		}
	}

	t := StatisticalTest{
		TestName:   "mcnemar",
		ModelA:     ha.ID(),
		ModelB:     hb.ID(),
		PValue:     1,
		Discordant: onlyA + onlyB,
	}
	if t.Discordant == 0 {
		return t
	}
	// Continuity-corrected statistic, chi-squared with one degree of freedom.
	num := max(math.Abs(float64(onlyA-onlyB))-1, 0)
	t.TestStatistic = num * num / float64(t.Discordant)
	t.PValue = math.Erfc(math.Sqrt(t.TestStatistic / 2))
	t.Significant = t.PValue < 0.05
	t.EffectSize = float64(onlyA-onlyB) / float64(t.Discordant)
	return t
}
