package api

import (
	"crypto/subtle"
	"net/http"
)

// StrategyRequest points a strategy at a registered model.
type StrategyRequest struct {
	ModelID string `json:"model_id"`
}

// basicAuth serves next only to callers presenting user and pass.
func basicAuth(realm, user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admin guards registry mutations. Without configured credentials the
// endpoints refuse every call.
func (s *Server) admin(h http.HandlerFunc) http.Handler {
	user, pass := s.cfg.Server.AdminUser, s.cfg.Server.AdminPass
	if user == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusForbidden, errorResponse{
				RequestID: requestID(r.Context()),
				Error:     ErrorBody{Kind: "forbidden", Message: "admin endpoints are disabled"},
			})
		})
	}
	return basicAuth("Admin", user, pass, h)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Activate(id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("model activated over API", "request_id", requestID(r.Context()), "model_id", id)
	s.handleModels(w, r)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, err := s.registry.Rollback()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("model rolled back over API", "request_id", requestID(r.Context()), "model_id", id)
	s.handleModels(w, r)
}

func (s *Server) handleMapStrategy(w http.ResponseWriter, r *http.Request) {
	var req StrategyRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.ModelID == "" {
		s.fail(w, r, badRequest("model_id is required"))
		return
	}
	name := r.PathValue("name")
	if err := s.registry.MapStrategy(name, req.ModelID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("strategy remapped", "request_id", requestID(r.Context()), "strategy", name, "model_id", req.ModelID)
	s.handleModels(w, r)
}
