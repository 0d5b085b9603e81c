package whatif

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"maps"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/intentlab/intent/internal/attribution"
	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/metrics"
	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/schema"
	"github.com/intentlab/intent/pkg/otel"
)

const tracerName = "intent/whatif"

// Delta compares a base session with a modified copy.
type Delta struct {
	Base                *inference.Prediction `json:"base"`
	Modified            *inference.Prediction `json:"modified"`
	BaseAttribution     *attribution.Result   `json:"base_attribution"`
	ModifiedAttribution *attribution.Result   `json:"modified_attribution"`
	// ChangedFields are the overridden features whose validated value differs
	// from the base, in schema order.
	ChangedFields    []string           `json:"changed_fields"`
	ProbabilityDelta float64            `json:"probability_delta"`
	AttributionDelta map[string]float64 `json:"attribution_delta"`
}

// Outcome is one scenario of a batch.
type Outcome struct {
	Index int    `json:"index"`
	Delta *Delta `json:"delta,omitempty"`
	Err   error  `json:"-"`
}

// Simulator re-runs the inference chain on edited copies of a session. It
// holds no per-call state.
type Simulator struct {
	engine    *inference.Engine
	explainer *attribution.Engine
	logger    *slog.Logger
	metrics   *metrics.Metrics
	workers   int
}

// Option configures a Simulator.
type Option func(*Simulator)

func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Simulator) { s.metrics = m }
}

// WithWorkers bounds RunAll parallelism. n <= 0 means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(s *Simulator) { s.workers = n }
}

func New(engine *inference.Engine, explainer *attribution.Engine, opts ...Option) *Simulator {
	s := &Simulator{
		engine:    engine,
		explainer: explainer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers <= 0 {
		s.workers = runtime.GOMAXPROCS(0)
	}
	return s
}

// Simulate applies overrides to a copy of base and reports how the prediction
// and its attribution move. Overrides go through the same validation as any
// other input; base and overrides are never modified.
func (s *Simulator) Simulate(ctx context.Context, base, overrides schema.RawInput, h *model.Handle, cfg attribution.Config) (*Delta, error) {
	if err := h.Verify(); err != nil {
		return nil, err
	}
	ctx, span := otel.StartSpan(ctx, tracerName, "whatif.Simulate",
		otel.AttrModelID.String(h.ID()))
	defer span.End()

	d, err := s.simulate(ctx, base, overrides, h, cfg)
	s.count(err)
	if err != nil {
		otel.RecordError(span, err, "")
		return nil, err
	}
	return d, nil
}

func (s *Simulator) simulate(ctx context.Context, base, overrides schema.RawInput, h *model.Handle, cfg attribution.Config) (*Delta, error) {
	sch := h.Schema()

	// An override of an undeclared feature is reported as such, even when
	// the base is also incomplete.
	for _, name := range slices.Sorted(maps.Keys(overrides)) {
		if _, ok := sch.Position(name); !ok {
			_, err := sch.ValidateField(name, overrides[name])
			return nil, err
		}
	}

	baseValid, err := sch.Validate(base)
	if err != nil {
		return nil, err
	}

	merged := base.Clone()
	for k, v := range overrides {
		merged[k] = v
	}
	modValid, err := sch.Validate(merged)
	if err != nil {
		return nil, err
	}

	basePred, err := s.engine.PredictValidated(ctx, baseValid, h)
	if err != nil {
		return nil, err
	}
	modPred, err := s.engine.PredictValidated(ctx, modValid, h)
	if err != nil {
		return nil, err
	}

	baseAttr, err := s.explainer.Explain(ctx, basePred, h, cfg)
	if err != nil {
		return nil, err
	}
	modAttr, err := s.explainer.Explain(ctx, modPred, h, cfg)
	if err != nil {
		return nil, err
	}

	var changed []string
	for i, name := range sch.Names() {
		if _, ok := overrides[name]; !ok {
			continue
		}
		if !baseValid.At(i).Equal(modValid.At(i)) {
			changed = append(changed, name)
		}
	}

	attrDelta, baseByFeature := modAttr.Map(), baseAttr.Map()
	for f, v := range attrDelta {
		attrDelta[f] = v - baseByFeature[f]
	}

	return &Delta{
		Base:                basePred,
		Modified:            modPred,
		BaseAttribution:     baseAttr,
		ModifiedAttribution: modAttr,
		ChangedFields:       changed,
		ProbabilityDelta:    modPred.Probability - basePred.Probability,
		AttributionDelta:    attrDelta,
	}, nil
}

// Scenarios lazily simulates each override set against base. Nothing runs
// until the sequence is ranged over, and ranging again re-runs every scenario.
func (s *Simulator) Scenarios(ctx context.Context, base schema.RawInput, overrides []schema.RawInput, h *model.Handle, cfg attribution.Config) iter.Seq2[int, Outcome] {
	return func(yield func(int, Outcome) bool) {
		for i, ov := range overrides {
			if ctx.Err() != nil {
				return
			}
			d, err := s.Simulate(ctx, base, ov, h, cfg)
			if !yield(i, Outcome{Index: i, Delta: d, Err: err}) {
				return
			}
		}
	}
}

// RunAll simulates every override set in parallel and returns outcomes in
// input order. Input errors stay on their outcome; a structural error stops
// the remaining scenarios and is returned with the finished ones. Scenarios
// that never ran carry inference.ErrNotRun.
func (s *Simulator) RunAll(ctx context.Context, base schema.RawInput, overrides []schema.RawInput, h *model.Handle, cfg attribution.Config) ([]Outcome, error) {
	if err := h.Verify(); err != nil {
		return nil, err
	}

	out := make([]Outcome, len(overrides))
	for i := range out {
		out[i] = Outcome{Index: i, Err: inference.ErrNotRun}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range overrides {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			d, err := s.Simulate(gctx, base, overrides[i], h, cfg)
			switch {
			case err == nil:
				out[i] = Outcome{Index: i, Delta: d}
			case inference.IsStructural(err) || errors.Is(err, attribution.ErrAttributionMismatch):
				out[i] = Outcome{Index: i, Err: err}
				return err
			case gctx.Err() != nil && errors.Is(err, gctx.Err()):
			default:
				out[i] = Outcome{Index: i, Err: err}
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.logger.Error("what-if batch aborted", "model_id", h.ID(), "scenarios", len(overrides), "error", err)
		return out, err
	}
	return out, nil
}

func (s *Simulator) count(err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.Simulations.WithLabelValues(inference.Classify(err)).Inc()
}
