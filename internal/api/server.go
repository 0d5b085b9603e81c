package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/intentlab/intent/internal/artifact"
	"github.com/intentlab/intent/internal/attribution"
	"github.com/intentlab/intent/internal/cache"
	"github.com/intentlab/intent/internal/config"
	"github.com/intentlab/intent/internal/eval"
	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/metrics"
	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/store"
	"github.com/intentlab/intent/internal/wal"
	"github.com/intentlab/intent/internal/whatif"
	"github.com/intentlab/intent/pkg/otel"
)

const tracerName = "intent/api"

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Server serves the engine over HTTP.
type Server struct {
	cfg      *config.Config
	registry *artifact.Registry

	engine     *inference.Engine
	explainer  *attribution.Engine
	attrCache  *cache.LRUWithTTL[string, *attribution.Result]
	simulator  *whatif.Simulator
	compareOpt []eval.Option

	store    store.Store
	wal      *wal.DecisionWAL
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	limiter  *rate.Limiter
	logger   *slog.Logger
	started  time.Time
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records engine and HTTP metrics on m and serves g on /metrics.
// A nil g serves the default gatherer.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithStore makes predictions with a session id idempotent.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithWAL logs every served decision.
func WithWAL(w *wal.DecisionWAL) Option {
	return func(s *Server) { s.wal = w }
}

// New wires the engines from cfg around the models in reg.
func New(cfg *config.Config, reg *artifact.Registry, opts ...Option) (*Server, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("api: nil model registry")
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		logger:   slog.Default(),
		started:  time.Now(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateLimit*2),
	}
	for _, opt := range opts {
		opt(s)
	}

	attrOpts := []attribution.Option{
		attribution.WithLogger(s.logger),
		attribution.WithMetrics(s.metrics),
	}
	if cfg.Attribution.CacheSize > 0 {
		c, err := cache.NewLRUWithTTL[string, *attribution.Result](cfg.Attribution.CacheSize, cfg.Attribution.CacheTTL)
		if err != nil {
			return nil, err
		}
		s.attrCache = c
		attrOpts = append(attrOpts, attribution.WithCache(c))
	}

	s.engine = inference.New(
		inference.WithLogger(s.logger),
		inference.WithMetrics(s.metrics),
		inference.WithWorkers(cfg.Inference.Workers),
	)
	s.explainer = attribution.New(attrOpts...)
	s.simulator = whatif.New(s.engine, s.explainer,
		whatif.WithLogger(s.logger),
		whatif.WithMetrics(s.metrics),
		whatif.WithWorkers(cfg.Inference.Workers),
	)
	s.compareOpt = []eval.Option{
		eval.WithLogger(s.logger),
		eval.WithMetrics(s.metrics),
		eval.WithRanking(cfg.Ranking),
		eval.WithWorkers(cfg.Inference.Workers),
	}
	return s, nil
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/predict", s.handlePredict)
	mux.HandleFunc("POST /v1/predict/batch", s.handleBatch)
	mux.HandleFunc("POST /v1/explain", s.handleExplain)
	mux.HandleFunc("POST /v1/whatif", s.handleWhatIf)
	mux.HandleFunc("POST /v1/assess", s.handleAssess)
	mux.HandleFunc("POST /v1/compare", s.handleCompare)
	mux.HandleFunc("POST /v1/segments", s.handleSegments)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.Handle("POST /v1/models/{id}/activate", s.admin(s.handleActivate))
	mux.Handle("POST /v1/models/rollback", s.admin(s.handleRollback))
	mux.Handle("PUT /v1/strategies/{name}", s.admin(s.handleMapStrategy))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metricsHandler())
	return s.instrument(mux)
}

// HTTPServer returns a server for the configured address and timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

type ctxKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument assigns request ids, rate limits the /v1 routes, and records
// per-route status counts.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx, span := otel.StartSpan(context.WithValue(r.Context(), ctxKey{}, id), tracerName, r.Method+" "+r.URL.Path)
		defer span.End()
		r = r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if strings.HasPrefix(r.URL.Path, "/v1/") && !s.limiter.Allow() {
			if s.metrics != nil {
				s.metrics.RateLimited.Inc()
			}
			rec.Header().Set("Retry-After", "1")
			writeJSON(rec, http.StatusTooManyRequests, errorResponse{
				RequestID: id,
				Error:     ErrorBody{Kind: "rate_limited", Message: "too many requests"},
			})
		} else {
			next.ServeHTTP(rec, r)
		}

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		took := time.Since(start)
		span.SetAttributes(otel.RequestAttributes(id, float64(took.Microseconds())/1000)...)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
		s.logger.Debug("request served",
			"request_id", id,
			"route", route,
			"status", rec.status,
			"duration", took,
		)
	})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()
	if s.gatherer != nil {
		handler = promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	}

	user, pass := s.cfg.Server.MetricsUser, s.cfg.Server.MetricsPass
	if user == "" {
		return handler
	}
	return basicAuth("Metrics", user, pass, handler)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	state := "ok"
	if s.registry.Len() == 0 {
		status, state = http.StatusServiceUnavailable, "no models"
	}
	body := map[string]any{
		"status":         state,
		"models":         s.registry.Len(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if s.attrCache != nil {
		body["attribution_cache"] = s.attrCache.Stats()
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body of at most MaxBodyBytes. Numbers stay
// json.Number so integer category codes survive.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return badRequest("invalid JSON: %v", err)
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	id := requestID(r.Context())
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", id, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Warn("request rejected", "request_id", id, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{RequestID: id, Error: *errorBody(err)})
}

// resolve picks the model for a request. With no id and no strategy the
// configured default strategy is tried before the active model.
func (s *Server) resolve(ref ModelRef) (*model.Handle, error) {
	if ref.ModelID == "" && ref.Strategy == "" {
		if def := s.cfg.Artifacts.DefaultStrategy; def != "" {
			if h, err := s.registry.Strategy(def); err == nil {
				return h, nil
			}
		}
	}
	return s.registry.Resolve(ref.ModelID, ref.Strategy)
}

func (s *Server) attributionConfig(override *attribution.Config) (attribution.Config, error) {
	if override == nil {
		return s.cfg.Attribution.Config, nil
	}
	switch override.Method {
	case "", attribution.MethodShapley, attribution.MethodPermutation:
	default:
		return attribution.Config{}, badRequest("unknown attribution method %q", override.Method)
	}
	return *override, nil
}
