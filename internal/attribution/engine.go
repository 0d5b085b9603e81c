package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/intentlab/intent/internal/cache"
	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/metrics"
	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/pipeline"
	"github.com/intentlab/intent/pkg/canonical"
	"github.com/intentlab/intent/pkg/otel"
)

const tracerName = "intent/attribution"

// Tolerance bounds |BaseValue + Σ contributions - Probability|.
const Tolerance = 1e-6

// Method names an attribution algorithm.
type Method string

const (
	// MethodPermutation is the exact-marginal, background-replacement method.
	MethodPermutation Method = "permutation"
	// MethodShapley is the additive-contribution method.
	MethodShapley Method = "shapley"
)

// Config selects the method and its reproducibility parameters.
type Config struct {
	Method Method `yaml:"method" json:"method"`
	// BackgroundSize rows are drawn from the handle's background sample;
	// <= 0 or larger than the sample means all rows.
	BackgroundSize int   `yaml:"background_size" json:"background_size"`
	Seed           int64 `yaml:"seed" json:"seed"`
	// Samples is the number of permutations for sampled Shapley.
	Samples int `yaml:"samples" json:"samples"`
	// ExactMaxFeatures is the largest feature count for exact Shapley.
	ExactMaxFeatures int `yaml:"exact_max_features" json:"exact_max_features"`
}

// DefaultConfig returns exact Shapley for up to 10 features.
func DefaultConfig() Config {
	return Config{
		Method:           MethodShapley,
		BackgroundSize:   50,
		Seed:             42,
		Samples:          200,
		ExactMaxFeatures: 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Method == "" {
		c.Method = d.Method
	}
	if c.Samples <= 0 {
		c.Samples = d.Samples
	}
	if c.ExactMaxFeatures <= 0 {
		c.ExactMaxFeatures = d.ExactMaxFeatures
	}
	return c
}

// Contribution is one feature's signed share of the prediction.
type Contribution struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
}

// Result is an explanation of one prediction. Contributions are in schema
// declaration order. Results may be shared through the cache and must be
// treated as read-only.
type Result struct {
	ModelID        string         `json:"model_id"`
	Fingerprint    string         `json:"fingerprint"`
	Method         Method         `json:"method"`
	Exact          bool           `json:"exact"`
	BaseValue      float64        `json:"base_value"`
	Probability    float64        `json:"probability"`
	Contributions  []Contribution `json:"contributions"`
	BackgroundSize int            `json:"background_size"`
	Seed           int64          `json:"seed"`
	Samples        int            `json:"samples,omitempty"`
	Scale          float64        `json:"scale"`
	Tolerance      float64        `json:"tolerance"`
}

// Sum returns BaseValue + Σ contributions.
func (r *Result) Sum() float64 {
	s := r.BaseValue
	for _, c := range r.Contributions {
		s += c.Value
	}
	return s
}

// Residual returns |Sum() - Probability|.
func (r *Result) Residual() float64 { return math.Abs(r.Sum() - r.Probability) }

// Map returns contributions keyed by feature name.
func (r *Result) Map() map[string]float64 {
	out := make(map[string]float64, len(r.Contributions))
	for _, c := range r.Contributions {
		out[c.Feature] = c.Value
	}
	return out
}

// Factory builds an estimator for a config.
type Factory func(Config) Estimator

// Engine explains predictions against the exact vector that produced them.
type Engine struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	cache   *cache.LRUWithTTL[string, *Result]

	mu         sync.RWMutex
	estimators map[Method]Factory
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

// WithCache enables the result cache.
func WithCache(c *cache.LRUWithTTL[string, *Result]) Option {
	return func(e *Engine) { e.cache = c }
}

// New returns an engine with the permutation and shapley estimators.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger: slog.Default(),
		estimators: map[Method]Factory{
			MethodPermutation: func(Config) Estimator { return Permutation{} },
			MethodShapley: func(c Config) Estimator {
				return Shapley{ExactMax: c.ExactMaxFeatures, Samples: c.Samples, Seed: c.Seed}
			},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs or replaces the estimator for a method.
func (e *Engine) Register(m Method, f Factory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.estimators[m] = f
}

func (e *Engine) factory(m Method) (Factory, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.estimators[m]
	return f, ok
}

// Explain attributes a prediction. The prediction must have been produced by
// h: same model id, same params fingerprint, and a probability equal to the
// handle's score of the prediction's vector.
func (e *Engine) Explain(ctx context.Context, pred *inference.Prediction, h *model.Handle, cfg Config) (*Result, error) {
	if err := h.Verify(); err != nil {
		return nil, err
	}
	if pred == nil {
		return nil, &MismatchError{Detail: "nil prediction"}
	}
	if pred.ModelID != h.ID() {
		return nil, &MismatchError{ModelID: h.ID(), Detail: fmt.Sprintf("prediction came from model %q", pred.ModelID)}
	}
	res, err := e.ExplainVector(ctx, pred.Vector, h, cfg)
	if err != nil {
		return nil, err
	}
	if math.Abs(res.Probability-pred.Probability) > Tolerance {
		return nil, &MismatchError{
			ModelID: h.ID(),
			Detail:  fmt.Sprintf("prediction probability %v differs from handle score %v", pred.Probability, res.Probability),
		}
	}
	return res, nil
}

// ExplainVector attributes h's score of vec. vec must come from h's params.
func (e *Engine) ExplainVector(ctx context.Context, vec pipeline.Vector, h *model.Handle, cfg Config) (*Result, error) {
	if err := h.Verify(); err != nil {
		return nil, err
	}
	if vec.Fingerprint() != h.Params().Fingerprint() {
		return nil, &MismatchError{
			ModelID: h.ID(),
			Want:    h.Params().Fingerprint(),
			Got:     vec.Fingerprint(),
			Detail:  "vector was not produced by the handle's params",
		}
	}
	if vec.Len() != h.Width() {
		return nil, &model.ScoringError{ModelID: h.ID(), Kind: model.WidthMismatch, Expected: h.Width(), Got: vec.Len()}
	}

	cfg = cfg.withDefaults()
	factory, ok := e.factory(cfg.Method)
	if !ok {
		return nil, fmt.Errorf("attribution: unknown method %q", cfg.Method)
	}

	key := cacheKey(h, cfg, vec)
	if e.cache != nil {
		if r, ok := e.cache.Get(key); ok {
			e.count(h, cfg, "hit")
			return r, nil
		}
	}

	ctx, span := otel.StartSpan(ctx, tracerName, "attribution.Explain",
		otel.AttrModelID.String(h.ID()))
	defer span.End()
	start := time.Now()

	background := sampleBackground(h.Background(), cfg.BackgroundSize, cfg.Seed)
	if len(background) == 0 {
		err := fmt.Errorf("%w: model %q", ErrNoBackground, h.ID())
		otel.RecordError(span, err, "")
		return nil, err
	}

	f := h.ScoreFunc()
	x := vec.Values()
	fx, err := f(x)
	if err != nil {
		otel.RecordError(span, err, "")
		return nil, err
	}

	features, groups := featureGroups(h)
	est, err := factory(cfg).Estimate(ctx, f, background, x, groups)
	if err != nil {
		otel.RecordError(span, err, "")
		return nil, err
	}
	if len(est.Contributions) != len(groups) {
		return nil, fmt.Errorf("attribution: %s estimator returned %d contributions for %d features",
			cfg.Method, len(est.Contributions), len(groups))
	}

	res := &Result{
		ModelID:        h.ID(),
		Fingerprint:    vec.Fingerprint(),
		Method:         cfg.Method,
		Exact:          est.Exact,
		BaseValue:      est.Base,
		Probability:    fx,
		Contributions:  make([]Contribution, len(groups)),
		BackgroundSize: len(background),
		Seed:           cfg.Seed,
		Samples:        est.Samples,
		Scale:          est.Scale,
		Tolerance:      Tolerance,
	}
	for i, name := range features {
		res.Contributions[i] = Contribution{Feature: name, Value: est.Contributions[i]}
	}

	residual := res.Residual()
	if e.metrics != nil {
		e.metrics.AttributionGap.WithLabelValues(string(cfg.Method)).Observe(residual)
		e.metrics.ExplainLatency.WithLabelValues(string(cfg.Method)).Observe(float64(time.Since(start).Microseconds()) / 1000)
	}
	if residual > Tolerance {
		err := fmt.Errorf("attribution: %s contributions miss the prediction by %g", cfg.Method, residual)
		e.logger.Error("attribution not additive",
			"model_id", h.ID(),
			"method", cfg.Method,
			"residual", residual,
		)
		otel.RecordError(span, err, "")
		return nil, err
	}

	span.SetAttributes(otel.AttributionAttributes(string(cfg.Method), len(background), cfg.Seed)...)
	e.count(h, cfg, "miss")
	if e.cache != nil {
		e.cache.Set(key, res)
	}
	return res, nil
}

func (e *Engine) count(h *model.Handle, cfg Config, outcome string) {
	if e.metrics != nil {
		e.metrics.Explanations.WithLabelValues(h.ID(), string(cfg.Method), outcome).Inc()
	}
}

// featureGroups maps each schema feature to the vector columns it produced.
func featureGroups(h *model.Handle) ([]string, [][]int) {
	names := h.Schema().Names()
	pos := make(map[string]int, len(names))
	for i, n := range names {
		pos[n] = i
	}
	groups := make([][]int, len(names))
	for col, name := range h.Params().Order() {
		i := pos[pipeline.SourceFeature(name)]
		groups[i] = append(groups[i], col)
	}
	return names, groups
}

// sampleBackground draws k rows without replacement, keeping their original
// order. The draw depends only on (len(rows), k, seed).
func sampleBackground(rows []pipeline.Vector, k int, seed int64) [][]float64 {
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	if k > 0 && k < len(rows) {
		rng := rand.New(rand.NewPCG(uint64(seed), uint64(len(rows))))
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		idx = idx[:k]
		slices.Sort(idx)
	}

	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = rows[j].Values()
	}
	return out
}

func cacheKey(h *model.Handle, cfg Config, vec pipeline.Vector) string {
	return h.ID() + "|" + vec.Fingerprint() + "|" + string(cfg.Method) +
		"|" + strconv.Itoa(cfg.BackgroundSize) + "|" + strconv.FormatInt(cfg.Seed, 10) +
		"|" + strconv.Itoa(cfg.Samples) + "|" + strconv.Itoa(cfg.ExactMaxFeatures) +
		"|" + canonical.FloatsKey(vec.Values())
}

var (
	// ErrAttributionMismatch matches every *MismatchError.
	ErrAttributionMismatch = errors.New("attribution mismatch")
	// ErrNoBackground is returned for handles loaded without a background
	// sample. Such models predict but cannot be explained.
	ErrNoBackground = errors.New("attribution: model has no background sample")
)

// MismatchError reports an explain call for a vector or prediction that was
// not produced by the given handle.
type MismatchError struct {
	ModelID string `json:"model_id,omitempty"`
	Want    string `json:"want,omitempty"`
	Got     string `json:"got,omitempty"`
	Detail  string `json:"detail"`
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("attribution mismatch for model %q: %s", e.ModelID, e.Detail)
}

func (e *MismatchError) Is(target error) bool { return target == ErrAttributionMismatch }
