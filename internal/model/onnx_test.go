package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadONNX_RejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	onDisk := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(onDisk, []byte("not a graph"), 0o644))

	tests := []struct {
		name  string
		cfg   ONNXConfig
		width int
		want  string
	}{
		{"no path", ONNXConfig{}, 2, "path is empty"},
		{"zero width", ONNXConfig{Path: onDisk}, 0, "width must be positive"},
		{"negative width", ONNXConfig{Path: onDisk}, -3, "width must be positive"},
		{"multiclass output", ONNXConfig{Path: onDisk, Outputs: 3}, 2, "got 3 outputs"},
		{"missing file", ONNXConfig{Path: filepath.Join(dir, "gone.onnx")}, 2, "model file missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := LoadONNX(tt.cfg, tt.width)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadONNX_UnusableRuntime(t *testing.T) {
	dir := t.TempDir()
	onDisk := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(onDisk, []byte("not a graph"), 0o644))

	// Either the library fails to load or the session rejects the file.
	m, err := LoadONNX(ONNXConfig{Path: onDisk, SharedLibrary: filepath.Join(dir, "libmissing.so")}, 2)
	assert.Error(t, err)
	assert.Nil(t, m)
}

func TestSpecBuild_ONNX(t *testing.T) {
	_, err := Spec{Kind: "onnx"}.Build(2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no onnx section")

	_, err = Spec{Kind: "onnx", ONNX: &ONNXConfig{Path: filepath.Join(t.TempDir(), "gone.onnx")}}.Build(2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model file missing")

	_, err = Spec{Kind: "onnx", ONNX: &ONNXConfig{Path: "model.onnx"}, Calibration: &Platt{A: -1}}.Build(0)
	require.Error(t, err, "calibration never wraps a failed load")
}

func TestResolveSharedLibraryPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ONNXRUNTIME_SHARED_LIBRARY_PATH", "  /opt/ort/libonnxruntime.so ")
	assert.Equal(t, "/opt/ort/libonnxruntime.so", resolveSharedLibraryPath(dir))

	t.Setenv("ONNXRUNTIME_SHARED_LIBRARY_PATH", "")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))
	lib := filepath.Join(dir, "lib", "libonnxruntime.so")
	require.NoError(t, os.WriteFile(lib, nil, 0o644))
	assert.Equal(t, lib, resolveSharedLibraryPath(dir))
}

func TestONNX_CloseWithoutSession(t *testing.T) {
	m := &ONNX{width: 2}
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
	assert.Equal(t, "onnx", m.Kind())
	assert.Equal(t, 2, m.Width())
}

func TestHandle_CloseForwardsThroughCalibration(t *testing.T) {
	lr, err := NewLogistic([]float64{1, 1}, 0)
	require.NoError(t, err)
	assert.NoError(t, NewCalibrated(lr, -1, 0).Close(), "scorers without resources close cleanly")

	var h *Handle
	assert.NoError(t, h.Close())
}
