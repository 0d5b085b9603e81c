package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the service
type Metrics struct {
	// Inference
	Predictions       *prometheus.CounterVec
	RowErrors         *prometheus.CounterVec
	StructuralErrors  *prometheus.CounterVec
	PredictionLatency *prometheus.HistogramVec
	BatchSize         prometheus.Histogram

	// Explanation and simulation
	Explanations    *prometheus.CounterVec
	ExplainLatency  *prometheus.HistogramVec
	AttributionGap  *prometheus.HistogramVec
	Simulations     *prometheus.CounterVec
	RiskFlags       *prometheus.CounterVec
	Comparisons     prometheus.Counter
	CompareDuration prometheus.Histogram

	// Outer surfaces
	HTTPRequests *prometheus.CounterVec
	RateLimited  prometheus.Counter
	StoreHits    prometheus.Counter
	StoreErrors  prometheus.Counter
	WALErrors    prometheus.Counter
	ModelsLoaded prometheus.Gauge
}

// New creates all metrics and registers them on reg. A nil reg registers on
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Predictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intent_predictions_total",
				Help: "Number of scored sessions per model and predicted label",
			},
			[]string{"model_id", "label"},
		),
		RowErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intent_row_errors_total",
				Help: "Number of rejected inputs per model and error kind",
			},
			[]string{"model_id", "kind"},
		),
		StructuralErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intent_structural_errors_total",
				Help: "Number of pipeline/model pairing or dimension failures",
			},
			[]string{"model_id"},
		),
		PredictionLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intent_predict_latency_ms",
				Help:    "Single-row prediction latency in milliseconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"model_id"},
		),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "intent_batch_rows",
			Help:    "Rows per batch prediction",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		Explanations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intent_explanations_total",
				Help: "Number of attributions per model, method and cache outcome",
			},
			[]string{"model_id", "method", "cache"},
		),
		ExplainLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intent_explain_latency_ms",
				Help:    "Attribution latency in milliseconds",
				Buckets: []float64{0.5, 1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"method"},
		),
		AttributionGap: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intent_attribution_residual",
				Help:    "Absolute |base + sum(contributions) - probability| per explanation",
				Buckets: []float64{1e-12, 1e-9, 1e-7, 1e-6, 1e-4},
			},
			[]string{"method"},
		),
		Simulations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intent_whatif_simulations_total",
				Help: "Number of what-if simulations per outcome",
			},
			[]string{"outcome"},
		),
		RiskFlags: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intent_risk_assessments_total",
				Help: "Number of risk assessments per band",
			},
			[]string{"band"},
		),
		Comparisons: f.NewCounter(prometheus.CounterOpts{
			Name: "intent_model_comparisons_total",
			Help: "Number of model comparison runs",
		}),
		CompareDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "intent_model_comparison_seconds",
			Help:    "Duration of model comparison runs",
			Buckets: prometheus.DefBuckets,
		}),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intent_http_requests_total",
				Help: "HTTP requests per route and status code",
			},
			[]string{"route", "code"},
		),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "intent_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		StoreHits: f.NewCounter(prometheus.CounterOpts{
			Name: "intent_store_hits_total",
			Help: "Predictions served from the record store",
		}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "intent_store_errors_total",
			Help: "Record store read/write failures",
		}),
		WALErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "intent_wal_errors_total",
			Help: "Decision log write failures",
		}),
		ModelsLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "intent_models_loaded",
			Help: "Number of model handles in the registry",
		}),
	}
}
