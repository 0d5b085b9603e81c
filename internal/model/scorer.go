package model

import (
	"fmt"
	"io"
	"math"
)

// Scorer maps a transformed vector to a purchase probability. Implementations
// must be safe for concurrent use and must not retain x.
type Scorer interface {
	Score(x []float64) (float64, error)
	// Width is the number of input columns the scorer was trained on.
	Width() int
	// Kind names the model family, e.g. "logistic".
	Kind() string
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// Logistic is a logistic regression: sigmoid(w·x + b).
type Logistic struct {
	weights   []float64
	intercept float64
}

// NewLogistic copies weights; the width is len(weights).
func NewLogistic(weights []float64, intercept float64) (*Logistic, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("logistic: no weights")
	}
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("logistic: weight %d is not finite", i)
		}
	}
	return &Logistic{weights: append([]float64(nil), weights...), intercept: intercept}, nil
}

func (l *Logistic) Score(x []float64) (float64, error) {
	z := l.intercept
	for i, w := range l.weights {
		z += w * x[i]
	}
	return sigmoid(z), nil
}

func (l *Logistic) Width() int   { return len(l.weights) }
func (l *Logistic) Kind() string { return "logistic" }

// Stump is a depth-1 regression tree over one column.
type Stump struct {
	Column    int     `yaml:"column" json:"column"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Left      float64 `yaml:"left" json:"left"`
	Right     float64 `yaml:"right" json:"right"`
}

// Predict returns Left when x[Column] < Threshold and Right otherwise.
func (s Stump) Predict(x []float64) float64 {
	if x[s.Column] < s.Threshold {
		return s.Left
	}
	return s.Right
}

// Stumps is a gradient-boosted ensemble of decision stumps:
// sigmoid(base + lr * Σ tree(x)).
type Stumps struct {
	width        int
	base         float64
	learningRate float64
	trees        []Stump
}

func NewStumps(width int, base, learningRate float64, trees []Stump) (*Stumps, error) {
	if width <= 0 {
		return nil, fmt.Errorf("stumps: width must be positive")
	}
	if len(trees) == 0 {
		return nil, fmt.Errorf("stumps: no trees")
	}
	if learningRate <= 0 {
		learningRate = 1
	}
	for i, t := range trees {
		if t.Column < 0 || t.Column >= width {
			return nil, fmt.Errorf("stumps: tree %d splits on column %d outside width %d", i, t.Column, width)
		}
	}
	return &Stumps{
		width:        width,
		base:         base,
		learningRate: learningRate,
		trees:        append([]Stump(nil), trees...),
	}, nil
}

func (s *Stumps) Score(x []float64) (float64, error) {
	z := s.base
	for _, t := range s.trees {
		z += s.learningRate * t.Predict(x)
	}
	return sigmoid(z), nil
}

func (s *Stumps) Width() int   { return s.width }
func (s *Stumps) Kind() string { return "stumps" }

// Calibrated applies Platt scaling to an inner scorer:
// p = 1 / (1 + exp(A*s + B)).
type Calibrated struct {
	inner Scorer
	a, b  float64
}

func NewCalibrated(inner Scorer, a, b float64) *Calibrated {
	return &Calibrated{inner: inner, a: a, b: b}
}

func (c *Calibrated) Score(x []float64) (float64, error) {
	s, err := c.inner.Score(x)
	if err != nil {
		return 0, err
	}
	return 1.0 / (1.0 + math.Exp(c.a*s+c.b)), nil
}

func (c *Calibrated) Width() int   { return c.inner.Width() }
func (c *Calibrated) Kind() string { return "calibrated(" + c.inner.Kind() + ")" }

// Close releases the inner scorer if it holds resources.
func (c *Calibrated) Close() error {
	if cl, ok := c.inner.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// ScoreFunc is the scoring capability handed to attribution estimators.
type ScoreFunc func(x []float64) (float64, error)
