package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/pipeline"
	"github.com/intentlab/intent/internal/schema"
	"github.com/intentlab/intent/pkg/canonical"
)

// ManifestFile is the bundle entry point inside a model directory.
const ManifestFile = "manifest.yaml"

var (
	ErrDigestMismatch = errors.New("artifact: weights digest mismatch")
	ErrUnsigned       = errors.New("artifact: manifest is not signed")
)

// Manifest describes one trained model bundle. Paths are relative to the
// bundle directory.
type Manifest struct {
	ID        string  `yaml:"id" json:"id"`
	Version   string  `yaml:"version" json:"version"`
	Strategy  string  `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	Schema []schema.Feature `yaml:"schema" json:"schema"`
	Params pipeline.Spec    `yaml:"params" json:"params"`
	// TrainedWith is the params version the model was fit against. It must
	// match Params.Version. ParamsFingerprint and ExpectedOrder are optional
	// stronger checks.
	TrainedWith       string   `yaml:"trained_with" json:"trained_with"`
	ParamsFingerprint string   `yaml:"params_fingerprint,omitempty" json:"params_fingerprint,omitempty"`
	ExpectedOrder     []string `yaml:"expected_order,omitempty" json:"expected_order,omitempty"`

	// Model is a model.Spec YAML file; WeightsSHA256 is its hex digest.
	Model         string `yaml:"model" json:"model"`
	WeightsSHA256 string `yaml:"weights_sha256" json:"weights_sha256"`
	// ONNXSHA256 covers the network file of an onnx scorer.
	ONNXSHA256 string `yaml:"onnx_sha256,omitempty" json:"onnx_sha256,omitempty"`
	// Background is a YAML list of transformed rows.
	Background string `yaml:"background,omitempty" json:"background,omitempty"`

	Card Card `yaml:"card" json:"card"`

	// Signature is an HMAC-SHA256 over the canonical manifest with the
	// signature left empty.
	Signature string `yaml:"signature,omitempty" json:"signature,omitempty"`
}

// Card documents a model for humans and the /v1/models listing.
type Card struct {
	ModelType   string             `yaml:"model_type,omitempty" json:"model_type,omitempty"`
	TrainedAt   string             `yaml:"trained_at,omitempty" json:"trained_at,omitempty"`
	Dataset     DatasetInfo        `yaml:"dataset,omitempty" json:"dataset,omitempty"`
	Metrics     map[string]float64 `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	IntendedUse string             `yaml:"intended_use,omitempty" json:"intended_use,omitempty"`
	Limitations []string           `yaml:"limitations,omitempty" json:"limitations,omitempty"`
}

type DatasetInfo struct {
	Name          string  `yaml:"name,omitempty" json:"name,omitempty"`
	Rows          int     `yaml:"rows,omitempty" json:"rows,omitempty"`
	PositiveRatio float64 `yaml:"positive_ratio,omitempty" json:"positive_ratio,omitempty"`
}

// Sign returns the manifest signature under key.
func (m Manifest) Sign(key []byte) (string, error) {
	m.Signature = ""
	return canonical.SignHMAC(m, key)
}

// VerifySignature checks the manifest signature under key.
func (m Manifest) VerifySignature(key []byte) error {
	if m.Signature == "" {
		return ErrUnsigned
	}
	sig := m.Signature
	m.Signature = ""
	return canonical.VerifyHMAC(m, sig, key)
}

// Bundle is a loaded, verified model.
type Bundle struct {
	Dir      string
	Manifest Manifest
	Handle   *model.Handle
	// Digest is the verified weights digest.
	Digest string
}

// ReadManifest parses dir/manifest.yaml.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("artifact: parse %s: %w", dir, err)
	}
	if m.ID == "" {
		return m, fmt.Errorf("artifact: manifest in %s has no id", dir)
	}
	if m.Model == "" {
		return m, fmt.Errorf("artifact %s: manifest names no model file", m.ID)
	}
	return m, nil
}

// Loader reads bundles from disk and caches them by directory. It is safe
// for concurrent use.
type Loader struct {
	mu      sync.Mutex
	cache   map[string]*Bundle
	hmacKey []byte
	logger  *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHMACKey requires every manifest to carry a valid signature.
func WithHMACKey(key []byte) LoaderOption {
	return func(l *Loader) { l.hmacKey = key }
}

func WithLoaderLogger(lg *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		cache:  make(map[string]*Bundle),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the bundle in dir, reading and verifying it on first use.
func (l *Loader) Load(dir string) (*Bundle, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.cache[abs]; ok {
		return b, nil
	}

	b, err := l.load(abs)
	if err != nil {
		return nil, err
	}
	l.cache[abs] = b
	l.logger.Info("model bundle loaded",
		"model_id", b.Manifest.ID,
		"version", b.Manifest.Version,
		"fingerprint", b.Handle.Params().Fingerprint(),
		"digest", b.Digest[:12],
	)
	return b, nil
}

func (l *Loader) load(dir string) (*Bundle, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if l.hmacKey != nil {
		if err := m.VerifySignature(l.hmacKey); err != nil {
			return nil, fmt.Errorf("artifact %s: %w", m.ID, err)
		}
	}

	weights, err := os.ReadFile(filepath.Join(dir, m.Model))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: read weights: %w", m.ID, err)
	}
	digest := canonical.Digest(weights)
	if m.WeightsSHA256 == "" || digest != m.WeightsSHA256 {
		return nil, fmt.Errorf("artifact %s: %w: manifest %q, file %q", m.ID, ErrDigestMismatch, m.WeightsSHA256, digest)
	}

	s, err := schema.New(m.Schema)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", m.ID, err)
	}
	params, err := pipeline.NewParams(s, m.Params)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", m.ID, err)
	}

	var spec model.Spec
	if err := yaml.Unmarshal(weights, &spec); err != nil {
		return nil, fmt.Errorf("artifact %s: parse model spec: %w", m.ID, err)
	}
	if spec.ONNX != nil {
		if !filepath.IsAbs(spec.ONNX.Path) {
			spec.ONNX.Path = filepath.Join(dir, spec.ONNX.Path)
		}
		if m.ONNXSHA256 != "" {
			net, err := os.ReadFile(spec.ONNX.Path)
			if err != nil {
				return nil, fmt.Errorf("artifact %s: read onnx: %w", m.ID, err)
			}
			if got := canonical.Digest(net); got != m.ONNXSHA256 {
				return nil, fmt.Errorf("artifact %s: %w: onnx file %q", m.ID, ErrDigestMismatch, got)
			}
		}
	}
	scorer, err := spec.Build(params.Width())
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", m.ID, err)
	}

	var background [][]float64
	if m.Background != "" {
		data, err := os.ReadFile(filepath.Join(dir, m.Background))
		if err != nil {
			return nil, fmt.Errorf("artifact %s: read background: %w", m.ID, err)
		}
		if err := yaml.Unmarshal(data, &background); err != nil {
			return nil, fmt.Errorf("artifact %s: parse background: %w", m.ID, err)
		}
	}
	if len(background) == 0 {
		l.logger.Warn("bundle has no background sample, explanations are unavailable", "model_id", m.ID)
	}

	meta := map[string]string{"digest": digest}
	if m.Strategy != "" {
		meta["strategy"] = m.Strategy
	}
	if m.Card.ModelType != "" {
		meta["model_type"] = m.Card.ModelType
	}

	h, err := model.NewHandle(model.Config{
		ID:                m.ID,
		Params:            params,
		Scorer:            scorer,
		ParamsVersion:     m.TrainedWith,
		ParamsFingerprint: m.ParamsFingerprint,
		ExpectedOrder:     m.ExpectedOrder,
		Threshold:         m.Threshold,
		Background:        background,
		Version:           m.Version,
		Meta:              meta,
	})
	if err != nil {
		return nil, err
	}

	return &Bundle{Dir: dir, Manifest: m, Handle: h, Digest: digest}, nil
}
