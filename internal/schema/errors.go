package schema

import (
	"errors"
	"fmt"
)

// ErrSchema matches every *Error via errors.Is.
var ErrSchema = errors.New("schema error")

// ErrorKind classifies a validation failure.
type ErrorKind int

const (
	MissingField ErrorKind = iota
	UnknownField
	OutOfDomain
	TypeMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing_field"
	case UnknownField:
		return "unknown_field"
	case OutOfDomain:
		return "out_of_domain"
	case TypeMismatch:
		return "type_mismatch"
	default:
		return fmt.Sprintf("schema_error(%d)", int(k))
	}
}

// MarshalText renders the kind by name in JSON payloads.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error reports bad caller input. It is always recoverable by correcting the
// input.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Field  string    `json:"field"`
	Detail string    `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("schema: %s: %s", e.Kind, e.Field)
	}
	return fmt.Sprintf("schema: %s: %s: %s", e.Kind, e.Field, e.Detail)
}

// Is lets errors.Is(err, ErrSchema) match any validation failure.
func (e *Error) Is(target error) bool {
	return target == ErrSchema
}

func newError(kind ErrorKind, field, format string, args ...any) *Error {
	return &Error{Kind: kind, Field: field, Detail: fmt.Sprintf(format, args...)}
}
