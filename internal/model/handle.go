package model

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/intentlab/intent/internal/pipeline"
	"github.com/intentlab/intent/internal/schema"
)

// DefaultThreshold is used when a model ships without a tuned threshold.
const DefaultThreshold = 0.5

// Config describes a scorer and the params it was trained with.
type Config struct {
	ID     string
	Params *pipeline.Params
	Scorer Scorer

	// ParamsVersion is the params version tag recorded at training time.
	// It is required and must equal Params.Version().
	ParamsVersion string
	// ParamsFingerprint, when set, must equal Params.Fingerprint().
	ParamsFingerprint string
	// ExpectedOrder, when set, must equal Params.Order().
	ExpectedOrder []string

	// Threshold turns a probability into a label. Zero means DefaultThreshold.
	Threshold float64
	// Background rows are already transformed by Params.
	Background [][]float64

	Version string
	Meta    map[string]string
}

// Handle binds one scorer to exactly one set of pipeline params. It is
// immutable and safe for concurrent use.
type Handle struct {
	id         string
	params     *pipeline.Params
	scorer     Scorer
	threshold  float64
	background []pipeline.Vector
	version    string
	meta       map[string]string
}

// NewHandle checks the pairing between scorer and params: version tag,
// optional fingerprint and column order, and input width.
func NewHandle(cfg Config) (*Handle, error) {
	if cfg.ID == "" {
		return nil, errors.New("model: handle has no id")
	}
	if cfg.Params == nil || cfg.Scorer == nil {
		return nil, fmt.Errorf("model %q: params and scorer are required", cfg.ID)
	}
	p := cfg.Params

	if cfg.ParamsVersion == "" {
		return nil, &ScoringError{ModelID: cfg.ID, Kind: PairingMismatch, Detail: "no params version tag recorded for model"}
	}
	if cfg.ParamsVersion != p.Version() {
		return nil, &ScoringError{
			ModelID: cfg.ID,
			Kind:    PairingMismatch,
			Detail:  fmt.Sprintf("model trained with params %q, got %q", cfg.ParamsVersion, p.Version()),
		}
	}
	if cfg.ParamsFingerprint != "" && cfg.ParamsFingerprint != p.Fingerprint() {
		return nil, &ScoringError{ModelID: cfg.ID, Kind: PairingMismatch, Detail: "params fingerprint differs from training"}
	}
	if len(cfg.ExpectedOrder) > 0 && !slices.Equal(cfg.ExpectedOrder, p.Order()) {
		return nil, &pipeline.Error{Kind: pipeline.DimensionMismatch, Detail: "params column order differs from the model's expected order"}
	}
	if cfg.Scorer.Width() != p.Width() {
		return nil, &ScoringError{ModelID: cfg.ID, Kind: WidthMismatch, Expected: cfg.Scorer.Width(), Got: p.Width()}
	}

	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("model %q: threshold %v outside [0, 1]", cfg.ID, threshold)
	}

	background := make([]pipeline.Vector, len(cfg.Background))
	for i, row := range cfg.Background {
		if len(row) != p.Width() {
			return nil, &ScoringError{
				ModelID:  cfg.ID,
				Kind:     WidthMismatch,
				Expected: p.Width(),
				Got:      len(row),
				Detail:   fmt.Sprintf("background row %d", i),
			}
		}
		background[i] = pipeline.NewVector(row, p.Fingerprint())
	}

	meta := make(map[string]string, len(cfg.Meta))
	for k, v := range cfg.Meta {
		meta[k] = v
	}

	return &Handle{
		id:         cfg.ID,
		params:     p,
		scorer:     cfg.Scorer,
		threshold:  threshold,
		background: background,
		version:    cfg.Version,
		meta:       meta,
	}, nil
}

func (h *Handle) ID() string               { return h.id }
func (h *Handle) Params() *pipeline.Params { return h.params }
func (h *Handle) Schema() *schema.Schema   { return h.params.Schema() }
func (h *Handle) Scorer() Scorer           { return h.scorer }
func (h *Handle) Threshold() float64       { return h.threshold }
func (h *Handle) Width() int               { return h.scorer.Width() }
func (h *Handle) Version() string          { return h.version }
func (h *Handle) ExpectedOrder() []string  { return h.params.Order() }
func (h *Handle) Background() []pipeline.Vector {
	return slices.Clone(h.background)
}

// Meta returns a copy of the handle's model card metadata.
func (h *Handle) Meta() map[string]string {
	out := make(map[string]string, len(h.meta))
	for k, v := range h.meta {
		out[k] = v
	}
	return out
}

// Close releases scorer resources such as an onnxruntime session. Scorers
// without resources are left alone.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	if cl, ok := h.scorer.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// Verify re-checks the pairing. Batch callers run it once before fanning out.
func (h *Handle) Verify() error {
	if h == nil || h.params == nil || h.scorer == nil {
		return &ScoringError{Kind: PairingMismatch, Detail: "handle is not initialized"}
	}
	if h.scorer.Width() != h.params.Width() {
		return &ScoringError{ModelID: h.id, Kind: WidthMismatch, Expected: h.scorer.Width(), Got: h.params.Width()}
	}
	return nil
}

// Score scores a transformed vector. The vector must come from this handle's
// params and have the scorer's width; both are checked before the scorer runs.
func Score(h *Handle, v pipeline.Vector) (float64, error) {
	if err := h.Verify(); err != nil {
		return 0, err
	}
	if v.Fingerprint() != h.params.Fingerprint() {
		return 0, &ScoringError{ModelID: h.id, Kind: PairingMismatch, Detail: "vector was produced by different params"}
	}
	return h.scoreValues(v.Values())
}

// ScoreFunc returns the handle's scoring capability over raw columns. Width
// and output range are checked on every call.
func (h *Handle) ScoreFunc() ScoreFunc {
	return h.scoreValues
}

func (h *Handle) scoreValues(x []float64) (float64, error) {
	if len(x) != h.scorer.Width() {
		return 0, &ScoringError{ModelID: h.id, Kind: WidthMismatch, Expected: h.scorer.Width(), Got: len(x)}
	}
	p, err := h.scorer.Score(x)
	if err != nil {
		return 0, &ScoringError{ModelID: h.id, Kind: ScorerFailed, Err: err}
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, &ScoringError{ModelID: h.id, Kind: InvalidOutput, Detail: fmt.Sprintf("probability %v outside [0, 1]", p)}
	}
	return p, nil
}
