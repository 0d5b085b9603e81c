package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig describes an exported classifier with a single [1, width] float32
// input and a [1, outputs] float32 output.
type ONNXConfig struct {
	Path   string `yaml:"path" json:"path"`
	Input  string `yaml:"input" json:"input"`
	Output string `yaml:"output" json:"output"`
	// Outputs is 1 for a single probability or logit, 2 for [p0, p1].
	Outputs int `yaml:"outputs" json:"outputs"`
	// Logit means the selected output is a raw logit that needs a sigmoid.
	Logit bool `yaml:"logit" json:"logit"`
	// SharedLibrary overrides the onnxruntime library lookup.
	SharedLibrary string `yaml:"shared_library,omitempty" json:"shared_library,omitempty"`
}

// ONNX scores through an onnxruntime session. Tensors are allocated once and
// reused, so calls are serialized.
type ONNX struct {
	width   int
	outputs int
	logit   bool

	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	mu sync.Mutex
}

var ortInit sync.Mutex

// LoadONNX opens the model at cfg.Path for inputs of the given width.
func LoadONNX(cfg ONNXConfig, width int) (*ONNX, error) {
	if cfg.Path == "" {
		return nil, errors.New("onnx: model path is empty")
	}
	if width <= 0 {
		return nil, fmt.Errorf("onnx: width must be positive")
	}
	if cfg.Input == "" {
		cfg.Input = "input"
	}
	if cfg.Output == "" {
		cfg.Output = "output"
	}
	if cfg.Outputs <= 0 {
		cfg.Outputs = 1
	}
	if cfg.Outputs > 2 {
		return nil, fmt.Errorf("onnx: binary classifier expected, got %d outputs", cfg.Outputs)
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("onnx: model file missing at %s: %w", cfg.Path, err)
	}

	if err := initRuntime(cfg.SharedLibrary, filepath.Dir(cfg.Path)); err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(width)))
	if err != nil {
		return nil, fmt.Errorf("onnx: allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Outputs)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("onnx: allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.Path,
		[]string{cfg.Input},
		[]string{cfg.Output},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}

	return &ONNX{
		width:   width,
		outputs: cfg.Outputs,
		logit:   cfg.Logit,
		session: session,
		input:   input,
		output:  output,
	}, nil
}

func initRuntime(lib, modelDir string) error {
	ortInit.Lock()
	defer ortInit.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if lib == "" {
		lib = resolveSharedLibraryPath(modelDir)
	}
	if lib == "" {
		return errors.New("onnx: onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	ort.SetSharedLibraryPath(lib)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("onnx: initialize runtime: %w", err)
	}
	return nil
}

func resolveSharedLibraryPath(dir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}
	names := []string{"libonnxruntime.so", "libonnxruntime.dylib", "onnxruntime.dll"}
	dirs := []string{dir, filepath.Join(dir, "lib"), "/usr/local/lib", "/usr/lib", "/opt/homebrew/lib"}
	for _, d := range dirs {
		for _, n := range names {
			candidate := filepath.Join(d, n)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

func (m *ONNX) Score(x []float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.input.GetData()
	for i := range in {
		in[i] = float32(x[i])
	}
	if err := m.session.Run(); err != nil {
		return 0, fmt.Errorf("onnx run: %w", err)
	}

	out := m.output.GetData()
	v := float64(out[len(out)-1])
	if m.logit {
		v = sigmoid(v)
	}
	return v, nil
}

func (m *ONNX) Width() int   { return m.width }
func (m *ONNX) Kind() string { return "onnx" }

// Close releases the session and its tensors.
func (m *ONNX) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.session != nil {
		errs = append(errs, m.session.Destroy())
		m.session = nil
	}
	if m.input != nil {
		errs = append(errs, m.input.Destroy())
		m.input = nil
	}
	if m.output != nil {
		errs = append(errs, m.output.Destroy())
		m.output = nil
	}
	return errors.Join(errs...)
}
