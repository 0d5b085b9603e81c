package model

import (
	"errors"
	"fmt"
)

var (
	// ErrScoring matches every *ScoringError.
	ErrScoring = errors.New("scoring error")
	// ErrPairing matches scoring errors caused by a scorer and params that
	// were not trained together.
	ErrPairing = errors.New("model/params pairing mismatch")
)

// ScoringKind classifies a scoring failure.
type ScoringKind int

const (
	WidthMismatch ScoringKind = iota
	PairingMismatch
	InvalidOutput
	ScorerFailed
)

func (k ScoringKind) String() string {
	switch k {
	case WidthMismatch:
		return "width_mismatch"
	case PairingMismatch:
		return "pairing_mismatch"
	case InvalidOutput:
		return "invalid_output"
	case ScorerFailed:
		return "scorer_failed"
	default:
		return fmt.Sprintf("scoring_error(%d)", int(k))
	}
}

func (k ScoringKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ScoringError is a structural scoring failure. Width and pairing problems are
// detected before the underlying scorer runs.
type ScoringError struct {
	ModelID  string      `json:"model_id,omitempty"`
	Kind     ScoringKind `json:"kind"`
	Expected int         `json:"expected,omitempty"`
	Got      int         `json:"got,omitempty"`
	Detail   string      `json:"detail"`
	Err      error       `json:"-"`
}

func (e *ScoringError) Error() string {
	msg := fmt.Sprintf("model %q: %s", e.ModelID, e.Kind)
	if e.Kind == WidthMismatch {
		msg += fmt.Sprintf(": expected %d columns, got %d", e.Expected, e.Got)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ScoringError) Unwrap() error { return e.Err }

func (e *ScoringError) Is(target error) bool {
	switch target {
	case ErrScoring:
		return true
	case ErrPairing:
		return e.Kind == PairingMismatch
	}
	return false
}
