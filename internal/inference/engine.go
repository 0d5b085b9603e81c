package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/intentlab/intent/internal/metrics"
	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/pipeline"
	"github.com/intentlab/intent/internal/schema"
	"github.com/intentlab/intent/pkg/otel"
)

const tracerName = "intent/inference"

// latencyBudget is the single-row target; slower predictions are logged.
const latencyBudget = 10 * time.Millisecond

// ErrNotRun marks batch rows that were not processed because the batch was
// aborted or cancelled first.
var ErrNotRun = errors.New("row not processed: batch aborted")

// Prediction is the result of scoring one input. It is never shared between
// different inputs.
type Prediction struct {
	Probability   float64          `json:"probability"`
	Label         bool             `json:"label"`
	Threshold     float64          `json:"threshold"`
	ModelID       string           `json:"model_id"`
	Fingerprint   string           `json:"fingerprint"`
	ParamsVersion string           `json:"params_version"`
	Vector        pipeline.Vector  `json:"vector"`
	Input         schema.Validated `json:"-"`
}

// RowResult pairs a batch row index with its prediction or error.
type RowResult struct {
	Index      int         `json:"index"`
	Prediction *Prediction `json:"prediction,omitempty"`
	Err        error       `json:"-"`
}

// Engine composes validation, transform and scoring.
type Engine struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	workers int
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithWorkers bounds batch parallelism. n <= 0 means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

func New(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers <= 0 {
		e.workers = runtime.GOMAXPROCS(0)
	}
	return e
}

// Workers returns the batch parallelism bound.
func (e *Engine) Workers() int { return e.workers }

// PredictOne validates, transforms and scores raw against h. Schema, pipeline
// and scoring errors keep their concrete types and are wrapped with the
// model id.
func (e *Engine) PredictOne(ctx context.Context, raw schema.RawInput, h *model.Handle) (*Prediction, error) {
	if err := h.Verify(); err != nil {
		return nil, err
	}
	ctx, span := otel.StartSpan(ctx, tracerName, "inference.PredictOne",
		otel.AttrModelID.String(h.ID()))
	defer span.End()

	pred, err := e.predict(ctx, raw, h)
	if err != nil {
		otel.RecordError(span, err, "")
		return nil, err
	}
	span.SetAttributes(otel.PredictionAttributes(pred.Probability, pred.Label)...)
	return pred, nil
}

// PredictValidated scores an already validated input. It is used by callers
// that validate themselves, such as the what-if simulator.
func (e *Engine) PredictValidated(ctx context.Context, v schema.Validated, h *model.Handle) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := h.Verify(); err != nil {
		return nil, err
	}
	start := time.Now()

	vec, err := pipeline.Transform(v, h.Params())
	if err != nil {
		return nil, e.fail(h, fmt.Errorf("model %s: %w", h.ID(), err))
	}
	p, err := model.Score(h, vec)
	if err != nil {
		return nil, e.fail(h, err)
	}

	pred := &Prediction{
		Probability:   p,
		Label:         p >= h.Threshold(),
		Threshold:     h.Threshold(),
		ModelID:       h.ID(),
		Fingerprint:   vec.Fingerprint(),
		ParamsVersion: h.Params().Version(),
		Vector:        vec,
		Input:         v,
	}
	e.observe(h, pred, time.Since(start))
	return pred, nil
}

func (e *Engine) predict(ctx context.Context, raw schema.RawInput, h *model.Handle) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := h.Schema().Validate(raw)
	if err != nil {
		return nil, e.fail(h, fmt.Errorf("model %s: %w", h.ID(), err))
	}
	return e.PredictValidated(ctx, v, h)
}

// PredictBatch scores rows in parallel on a bounded worker pool. Results are
// returned in input order. Per-row input errors are recorded on the row; a
// structural error stops the remaining rows and is returned together with the
// rows that already finished. Rows that never ran carry ErrNotRun.
func (e *Engine) PredictBatch(ctx context.Context, rows []schema.RawInput, h *model.Handle) ([]RowResult, error) {
	if err := h.Verify(); err != nil {
		return nil, err
	}
	ctx, span := otel.StartSpan(ctx, tracerName, "inference.PredictBatch",
		otel.AttrModelID.String(h.ID()), otel.AttrRows.Int(len(rows)))
	defer span.End()

	if e.metrics != nil {
		e.metrics.BatchSize.Observe(float64(len(rows)))
	}

	results := make([]RowResult, len(rows))
	for i := range results {
		results[i] = RowResult{Index: i, Err: ErrNotRun}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i := range rows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			pred, err := e.predict(gctx, rows[i], h)
			switch {
			case err == nil:
				results[i] = RowResult{Index: i, Prediction: pred}
			case IsStructural(err):
				results[i] = RowResult{Index: i, Err: err}
				return err
			case gctx.Err() != nil && errors.Is(err, gctx.Err()):
				// left as ErrNotRun
			default:
				results[i] = RowResult{Index: i, Err: err}
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	rowErrors := 0
	for _, r := range results {
		if r.Err != nil {
			rowErrors++
		}
	}
	span.SetAttributes(otel.BatchAttributes(len(rows), rowErrors)...)

	if err != nil {
		otel.RecordError(span, err, "batch aborted")
		e.logger.Error("batch aborted",
			"model_id", h.ID(),
			"rows", len(rows),
			"error", err,
		)
		return results, err
	}
	return results, nil
}

// IsStructural reports whether err indicates a deployment bug (dimension or
// pairing mismatch, scorer failure) rather than bad caller input.
func IsStructural(err error) bool {
	return errors.Is(err, pipeline.ErrDimensionMismatch) || errors.Is(err, model.ErrScoring)
}

// Classify returns a short stable label for an error, for metrics and
// transport status mapping.
func Classify(err error) string {
	var (
		se *schema.Error
		pe *pipeline.Error
		me *model.ScoringError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &se):
		return "schema_" + se.Kind.String()
	case errors.As(err, &pe):
		return pe.Kind.String()
	case errors.As(err, &me):
		return me.Kind.String()
	case errors.Is(err, ErrNotRun):
		return "not_run"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

func (e *Engine) fail(h *model.Handle, err error) error {
	if e.metrics != nil {
		e.metrics.RowErrors.WithLabelValues(h.ID(), Classify(err)).Inc()
		if IsStructural(err) {
			e.metrics.StructuralErrors.WithLabelValues(h.ID()).Inc()
		}
	}
	if IsStructural(err) {
		e.logger.Error("structural inference error", "model_id", h.ID(), "error", err)
	}
	return err
}

func (e *Engine) observe(h *model.Handle, pred *Prediction, took time.Duration) {
	if e.metrics != nil {
		e.metrics.Predictions.WithLabelValues(h.ID(), strconv.FormatBool(pred.Label)).Inc()
		e.metrics.PredictionLatency.WithLabelValues(h.ID()).Observe(float64(took.Microseconds()) / 1000)
	}
	if took > latencyBudget {
		e.logger.Warn("prediction over latency budget",
			"model_id", h.ID(),
			"latency_ms", float64(took.Microseconds())/1000,
			"budget_ms", latencyBudget.Milliseconds(),
		)
	}
}
