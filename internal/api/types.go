// Package api is the HTTP JSON surface of the inference engine.
package api

import (
	"github.com/intentlab/intent/internal/artifact"
	"github.com/intentlab/intent/internal/attribution"
	"github.com/intentlab/intent/internal/eval"
	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/risk"
	"github.com/intentlab/intent/internal/schema"
	"github.com/intentlab/intent/internal/segment"
	"github.com/intentlab/intent/internal/whatif"
)

// ModelRef picks a model by id or by selection strategy. Both empty means the
// configured default strategy, then the active model.
type ModelRef struct {
	ModelID  string `json:"model_id,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// PredictRequest scores one session. A SessionID makes the call idempotent:
// the first served prediction for a session is returned on retries.
type PredictRequest struct {
	ModelRef
	SessionID string          `json:"session_id,omitempty"`
	Input     schema.RawInput `json:"input"`
}

// PredictResponse is a served prediction.
type PredictResponse struct {
	RequestID     string    `json:"request_id"`
	SessionID     string    `json:"session_id,omitempty"`
	ModelID       string    `json:"model_id"`
	Probability   float64   `json:"probability"`
	Label         bool      `json:"label"`
	Threshold     float64   `json:"threshold"`
	Band          risk.Band `json:"band"`
	Fingerprint   string    `json:"fingerprint"`
	ParamsVersion string    `json:"params_version"`
	// Cached is true when the response replays a stored decision.
	Cached bool `json:"cached"`
}

// BatchRequest scores many sessions against one model.
type BatchRequest struct {
	ModelRef
	Rows []schema.RawInput `json:"rows"`
}

// BatchRow is one row of a batch response; exactly one of Prediction and
// Error is set.
type BatchRow struct {
	Index      int                   `json:"index"`
	Prediction *inference.Prediction `json:"prediction,omitempty"`
	Error      *ErrorBody            `json:"error,omitempty"`
}

type BatchResponse struct {
	RequestID string     `json:"request_id"`
	ModelID   string     `json:"model_id"`
	Rows      []BatchRow `json:"rows"`
	Errors    int        `json:"errors"`
	// Aborted is set when a structural error stopped the batch.
	Aborted bool `json:"aborted,omitempty"`
}

// ExplainRequest explains one session. Attribution overrides the configured
// method and reproducibility parameters.
type ExplainRequest struct {
	ModelRef
	Input       schema.RawInput     `json:"input"`
	Attribution *attribution.Config `json:"attribution,omitempty"`
}

type ExplainResponse struct {
	RequestID   string                `json:"request_id"`
	Prediction  *inference.Prediction `json:"prediction"`
	Attribution *attribution.Result   `json:"attribution"`
}

// WhatIfRequest runs one override set, or every entry of Scenarios.
type WhatIfRequest struct {
	ModelRef
	Base        schema.RawInput     `json:"base"`
	Overrides   schema.RawInput     `json:"overrides,omitempty"`
	Scenarios   []schema.RawInput   `json:"scenarios,omitempty"`
	Attribution *attribution.Config `json:"attribution,omitempty"`
}

// ScenarioResult is one scenario outcome.
type ScenarioResult struct {
	Index int           `json:"index"`
	Delta *whatif.Delta `json:"delta,omitempty"`
	Error *ErrorBody    `json:"error,omitempty"`
}

type WhatIfResponse struct {
	RequestID string           `json:"request_id"`
	Delta     *whatif.Delta    `json:"delta,omitempty"`
	Scenarios []ScenarioResult `json:"scenarios,omitempty"`
}

// AssessRequest predicts, explains and flags one session.
type AssessRequest struct {
	ModelRef
	SessionID string          `json:"session_id,omitempty"`
	Input     schema.RawInput `json:"input"`
	// Policy overrides the configured risk policy.
	Policy *risk.Policy `json:"policy,omitempty"`
}

type AssessResponse struct {
	RequestID   string                `json:"request_id"`
	Prediction  *inference.Prediction `json:"prediction"`
	Attribution *attribution.Result   `json:"attribution"`
	Flag        risk.Flag             `json:"flag"`
}

// CompareRequest ranks models on a labeled dataset. Empty Models means every
// registered model.
type CompareRequest struct {
	Models  []string          `json:"models,omitempty"`
	Rows    []eval.LabeledRow `json:"rows"`
	Ranking *eval.Ranking     `json:"ranking,omitempty"`
}

type CompareResponse struct {
	RequestID string       `json:"request_id"`
	Report    *eval.Report `json:"report"`
}

// SegmentsRequest aggregates predictions by a categorical or boolean field
// and optionally selects the top TopRatio share. Labels, when given, are
// parallel to Rows.
type SegmentsRequest struct {
	ModelRef
	Rows     []schema.RawInput `json:"rows"`
	Labels   []bool            `json:"labels,omitempty"`
	Field    string            `json:"field,omitempty"`
	TopRatio float64           `json:"top_ratio,omitempty"`
}

type SegmentsResponse struct {
	RequestID string             `json:"request_id"`
	ModelID   string             `json:"model_id"`
	Groups    []segment.Group    `json:"groups,omitempty"`
	Ranked    []segment.Group    `json:"ranked,omitempty"`
	Selection *segment.Selection `json:"selection,omitempty"`
	Errors    int                `json:"errors"`
}

type ModelsResponse struct {
	Models     []artifact.Entry  `json:"models"`
	Strategies map[string]string `json:"strategies"`
	Default    string            `json:"default_strategy,omitempty"`
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	RequestID string    `json:"request_id,omitempty"`
	Error     ErrorBody `json:"error"`
}
