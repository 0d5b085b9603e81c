package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrPipeline matches every *Error.
	ErrPipeline = errors.New("pipeline error")
	// ErrUnseenCategory matches *Error values of kind UnseenCategory.
	ErrUnseenCategory = errors.New("unseen category")
	// ErrDimensionMismatch matches *Error values of kind DimensionMismatch.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// ErrorKind classifies a pipeline failure.
type ErrorKind int

const (
	UnseenCategory ErrorKind = iota
	DimensionMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case UnseenCategory:
		return "unseen_category"
	case DimensionMismatch:
		return "dimension_mismatch"
	default:
		return fmt.Sprintf("pipeline_error(%d)", int(k))
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error signals train/serve skew or a structural mismatch. It indicates a
// deployment bug and must never be silently defaulted.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Feature string    `json:"feature,omitempty"`
	Detail  string    `json:"detail"`
}

func (e *Error) Error() string {
	if e.Feature != "" {
		return fmt.Sprintf("pipeline: %s: %s: %s", e.Kind, e.Feature, e.Detail)
	}
	return fmt.Sprintf("pipeline: %s: %s", e.Kind, e.Detail)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrPipeline:
		return true
	case ErrUnseenCategory:
		return e.Kind == UnseenCategory
	case ErrDimensionMismatch:
		return e.Kind == DimensionMismatch
	}
	return false
}
