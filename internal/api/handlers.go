package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/intentlab/intent/internal/attribution"
	"github.com/intentlab/intent/internal/eval"
	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/risk"
	"github.com/intentlab/intent/internal/schema"
	"github.com/intentlab/intent/internal/segment"
	"github.com/intentlab/intent/internal/store"
	"github.com/intentlab/intent/internal/wal"
	"github.com/intentlab/intent/pkg/otel"
)

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Input == nil {
		s.fail(w, r, badRequest("input is required"))
		return
	}
	h, err := s.resolve(req.ModelRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	id := requestID(ctx)

	pred, err := s.engine.PredictOne(ctx, req.Input, h)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	digest, err := pred.Input.Digest()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	// A session replays its first decision only for the same validated input
	// under the same model and params.
	if req.SessionID != "" && s.store != nil {
		rec, err := s.store.Get(ctx, req.SessionID)
		if err != nil {
			if s.metrics != nil {
				s.metrics.StoreErrors.Inc()
			}
			s.fail(w, r, err)
			return
		}
		if rec.Matches(pred.ModelID, pred.Fingerprint, digest) {
			if s.metrics != nil {
				s.metrics.StoreHits.Inc()
			}
			writeJSON(w, http.StatusOK, PredictResponse{
				RequestID:     id,
				SessionID:     rec.SessionID,
				ModelID:       rec.ModelID,
				Probability:   rec.Probability,
				Label:         rec.Label,
				Threshold:     rec.Threshold,
				Band:          s.cfg.Risk.BandFor(rec.Probability),
				Fingerprint:   rec.Fingerprint,
				ParamsVersion: rec.ParamsVersion,
				Cached:        true,
			})
			return
		}
	}

	resp := PredictResponse{
		RequestID:     id,
		SessionID:     req.SessionID,
		ModelID:       pred.ModelID,
		Probability:   pred.Probability,
		Label:         pred.Label,
		Threshold:     pred.Threshold,
		Band:          s.cfg.Risk.BandFor(pred.Probability),
		Fingerprint:   pred.Fingerprint,
		ParamsVersion: pred.ParamsVersion,
	}
	if err := s.logDecision(r, pred.ModelID, resp); err != nil {
		s.fail(w, r, err)
		return
	}
	s.remember(ctx, req.SessionID, pred, nil)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Rows) == 0 {
		s.fail(w, r, badRequest("rows are required"))
		return
	}
	h, err := s.resolve(req.ModelRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	results, err := s.engine.PredictBatch(r.Context(), req.Rows, h)
	if results == nil {
		s.fail(w, r, err)
		return
	}
	resp := BatchResponse{
		RequestID: requestID(r.Context()),
		ModelID:   h.ID(),
		Rows:      make([]BatchRow, len(results)),
		Aborted:   err != nil,
	}
	for i, res := range results {
		resp.Rows[i] = BatchRow{Index: res.Index, Prediction: res.Prediction}
		if res.Err != nil {
			resp.Rows[i].Error = errorBody(res.Err)
			resp.Errors++
		}
	}

	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		s.logger.Error("batch aborted", "request_id", resp.RequestID, "model_id", h.ID(), "error", err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req ExplainRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Input == nil {
		s.fail(w, r, badRequest("input is required"))
		return
	}
	cfg, err := s.attributionConfig(req.Attribution)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.resolve(req.ModelRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	pred, attr, err := s.explain(r.Context(), req.Input, h, cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExplainResponse{
		RequestID:   requestID(r.Context()),
		Prediction:  pred,
		Attribution: attr,
	})
}

func (s *Server) handleWhatIf(w http.ResponseWriter, r *http.Request) {
	var req WhatIfRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Base == nil {
		s.fail(w, r, badRequest("base is required"))
		return
	}
	if req.Overrides == nil && len(req.Scenarios) == 0 {
		s.fail(w, r, badRequest("overrides or scenarios are required"))
		return
	}
	cfg, err := s.attributionConfig(req.Attribution)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.resolve(req.ModelRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	resp := WhatIfResponse{RequestID: requestID(ctx)}

	if len(req.Scenarios) == 0 {
		resp.Delta, err = s.simulator.Simulate(ctx, req.Base, req.Overrides, h, cfg)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	outcomes, err := s.simulator.RunAll(ctx, req.Base, req.Scenarios, h, cfg)
	if outcomes == nil {
		s.fail(w, r, err)
		return
	}
	resp.Scenarios = make([]ScenarioResult, len(outcomes))
	for i, o := range outcomes {
		resp.Scenarios[i] = ScenarioResult{Index: o.Index, Delta: o.Delta}
		if o.Err != nil {
			resp.Scenarios[i].Error = errorBody(o.Err)
		}
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	var req AssessRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Input == nil {
		s.fail(w, r, badRequest("input is required"))
		return
	}
	policy := s.cfg.Risk
	if req.Policy != nil {
		if err := req.Policy.Validate(); err != nil {
			s.fail(w, r, badRequest("%v", err))
			return
		}
		policy = *req.Policy
	}
	h, err := s.resolve(req.ModelRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()

	pred, attr, err := s.explain(ctx, req.Input, h, s.cfg.Attribution.Config)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	flag, err := risk.Assess(pred, attr, h.Schema(), policy)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	otel.Annotate(ctx, otel.RiskAttributes(flag.HighRisk, string(flag.Band))...)
	if s.metrics != nil {
		s.metrics.RiskFlags.WithLabelValues(string(flag.Band)).Inc()
	}

	resp := AssessResponse{
		RequestID:   requestID(ctx),
		Prediction:  pred,
		Attribution: attr,
		Flag:        flag,
	}
	if err := s.logDecision(r, h.ID(), resp); err != nil {
		s.fail(w, r, err)
		return
	}
	s.remember(ctx, req.SessionID, pred, &flag)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Rows) == 0 {
		s.fail(w, r, badRequest("rows are required"))
		return
	}
	opts := s.compareOpt
	if req.Ranking != nil {
		if err := req.Ranking.Validate(); err != nil {
			s.fail(w, r, badRequest("%v", err))
			return
		}
		opts = append(opts[:len(opts):len(opts)], eval.WithRanking(*req.Ranking))
	}

	var handles []*model.Handle
	if len(req.Models) == 0 {
		handles = s.registry.Handles()
	} else {
		seen := make(map[string]bool, len(req.Models))
		for _, id := range req.Models {
			if seen[id] {
				s.fail(w, r, badRequest("model %q listed twice", id))
				return
			}
			seen[id] = true
			h, err := s.registry.Get(id)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			handles = append(handles, h)
		}
	}

	report, err := eval.NewComparator(s.engine, opts...).Compare(r.Context(), req.Rows, handles)
	if report == nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		s.logger.Error("comparison incomplete", "request_id", requestID(r.Context()), "error", err)
	}
	writeJSON(w, status, CompareResponse{RequestID: requestID(r.Context()), Report: report})
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	var req SegmentsRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	switch {
	case len(req.Rows) == 0:
		s.fail(w, r, badRequest("rows are required"))
		return
	case req.Field == "" && req.TopRatio == 0:
		s.fail(w, r, badRequest("field or top_ratio is required"))
		return
	case req.Labels != nil && len(req.Labels) != len(req.Rows):
		s.fail(w, r, badRequest("%d labels for %d rows", len(req.Labels), len(req.Rows)))
		return
	}
	h, err := s.resolve(req.ModelRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	results, err := s.engine.PredictBatch(r.Context(), req.Rows, h)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := SegmentsResponse{RequestID: requestID(r.Context()), ModelID: h.ID()}
	preds := make([]*inference.Prediction, len(results))
	for i, res := range results {
		preds[i] = res.Prediction
		if res.Err != nil {
			resp.Errors++
		}
	}

	if req.Field != "" {
		groups, err := segment.Aggregate(preds, req.Labels, req.Field)
		if err != nil {
			s.fail(w, r, badRequest("%v", err))
			return
		}
		resp.Groups = groups
		resp.Ranked = segment.Rank(groups)
	}
	if req.TopRatio != 0 {
		sel, err := segment.TopK(preds, req.TopRatio)
		if err != nil {
			s.fail(w, r, badRequest("%v", err))
			return
		}
		resp.Selection = &sel
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelsResponse{
		Models:     s.registry.List(),
		Strategies: s.registry.Strategies(),
		Default:    s.cfg.Artifacts.DefaultStrategy,
	})
}

func (s *Server) explain(ctx context.Context, in schema.RawInput, h *model.Handle, cfg attribution.Config) (*inference.Prediction, *attribution.Result, error) {
	pred, err := s.engine.PredictOne(ctx, in, h)
	if err != nil {
		return nil, nil, err
	}
	attr, err := s.explainer.Explain(ctx, pred, h, cfg)
	if err != nil {
		return nil, nil, err
	}
	return pred, attr, nil
}

// logDecision appends a served decision to the WAL before it is returned.
func (s *Server) logDecision(r *http.Request, modelID string, v any) error {
	if s.wal == nil {
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = s.wal.Append(wal.Entry{
		RequestID: requestID(r.Context()),
		Route:     r.Pattern,
		ModelID:   modelID,
		Body:      body,
	})
	if err != nil && s.metrics != nil {
		s.metrics.WALErrors.Inc()
	}
	return err
}

// remember stores the first decision for a session. Store failures are
// logged and not fatal.
func (s *Server) remember(ctx context.Context, sessionID string, pred *inference.Prediction, flag *risk.Flag) {
	if sessionID == "" || s.store == nil {
		return
	}
	digest, err := pred.Input.Digest()
	if err != nil {
		s.logger.Warn("failed to digest input", "session_id", sessionID, "error", err)
		return
	}
	rec := &store.Record{
		SessionID:     sessionID,
		InputDigest:   digest,
		ModelID:       pred.ModelID,
		Fingerprint:   pred.Fingerprint,
		ParamsVersion: pred.ParamsVersion,
		Probability:   pred.Probability,
		Label:         pred.Label,
		Threshold:     pred.Threshold,
		Flag:          flag,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.Set(ctx, rec, s.cfg.Store.TTL); err != nil {
		if s.metrics != nil {
			s.metrics.StoreErrors.Inc()
		}
		s.logger.Warn("failed to store prediction record", "session_id", sessionID, "error", err)
	}
}
