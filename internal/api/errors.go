package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/intentlab/intent/internal/artifact"
	"github.com/intentlab/intent/internal/attribution"
	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/pipeline"
	"github.com/intentlab/intent/internal/schema"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// statusFor maps an error to an HTTP status. Caller mistakes are 4xx;
// structural mismatches are deployment bugs and surface as 500.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrSchema), errors.Is(err, pipeline.ErrUnseenCategory):
		return http.StatusUnprocessableEntity
	case errors.Is(err, attribution.ErrNoBackground):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// kindOf labels an error for the JSON envelope.
func kindOf(err error) string {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return "body_too_large"
	case errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, artifact.ErrNotFound):
		return "not_found"
	case errors.Is(err, attribution.ErrAttributionMismatch):
		return "attribution_mismatch"
	case errors.Is(err, attribution.ErrNoBackground):
		return "not_explainable"
	default:
		return inference.Classify(err)
	}
}

func errorBody(err error) *ErrorBody {
	return &ErrorBody{Kind: kindOf(err), Message: err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
