package model

import (
	"fmt"
)

// Platt holds Platt scaling parameters.
type Platt struct {
	A float64 `yaml:"a" json:"a"`
	B float64 `yaml:"b" json:"b"`
}

// Spec is the serializable description of a scorer as written by the
// training job.
type Spec struct {
	Kind string `yaml:"kind" json:"kind"`

	// logistic
	Weights   []float64 `yaml:"weights,omitempty" json:"weights,omitempty"`
	Intercept float64   `yaml:"intercept,omitempty" json:"intercept,omitempty"`

	// stumps
	Base         float64 `yaml:"base,omitempty" json:"base,omitempty"`
	LearningRate float64 `yaml:"learning_rate,omitempty" json:"learning_rate,omitempty"`
	Trees        []Stump `yaml:"trees,omitempty" json:"trees,omitempty"`

	// onnx
	ONNX *ONNXConfig `yaml:"onnx,omitempty" json:"onnx,omitempty"`

	Calibration *Platt `yaml:"calibration,omitempty" json:"calibration,omitempty"`
}

// Build constructs the scorer for inputs of the given width.
func (s Spec) Build(width int) (Scorer, error) {
	var (
		sc  Scorer
		err error
	)
	switch s.Kind {
	case "logistic":
		sc, err = NewLogistic(s.Weights, s.Intercept)
	case "stumps":
		sc, err = NewStumps(width, s.Base, s.LearningRate, s.Trees)
	case "onnx":
		if s.ONNX == nil {
			return nil, fmt.Errorf("model: onnx scorer has no onnx section")
		}
		sc, err = LoadONNX(*s.ONNX, width)
	default:
		return nil, fmt.Errorf("model: unknown scorer kind %q", s.Kind)
	}
	if err != nil {
		return nil, err
	}

	if s.Calibration != nil {
		sc = NewCalibrated(sc, s.Calibration.A, s.Calibration.B)
	}
	return sc, nil
}
