// Package otel wires OpenTelemetry tracing for the predict, explain,
// simulate and compare paths. Spans are no-ops until InitTracer installs a
// provider.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config describes where spans go and how many are kept.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string // OTLP gRPC collector, host:port
	Insecure       bool
	SamplingRate   float64 // fraction of traces kept, in [0, 1]
}

// InitTracer installs a batching OTLP provider as the global tracer and
// W3C trace-context propagation.
func InitTracer(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "intent"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("otel: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// Shutdown flushes pending spans, giving up after ten seconds.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracer).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Annotate adds attributes to the span carried by ctx, if any.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// RecordError marks span failed. A nil err is ignored.
func RecordError(span trace.Span, err error, msg string) {
	if span == nil || err == nil {
		return
	}
	if msg != "" {
		span.RecordError(err, trace.WithAttributes(attribute.String("error.message", msg)))
	} else {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, err.Error())
}

const (
	AttrModelID     = attribute.Key("model.id")
	AttrProbability = attribute.Key("prediction.probability")
	AttrLabel       = attribute.Key("prediction.label")
	AttrRows        = attribute.Key("batch.rows")
	AttrRowErrors   = attribute.Key("batch.row_errors")
	AttrMethod      = attribute.Key("attribution.method")
	AttrBackground  = attribute.Key("attribution.background_size")
	AttrSeed        = attribute.Key("attribution.seed")
	AttrHighRisk    = attribute.Key("risk.high")
	AttrBand        = attribute.Key("risk.band")
	AttrRequestID   = attribute.Key("request.id")
	AttrLatencyMs   = attribute.Key("latency.ms")
)

func PredictionAttributes(probability float64, label bool) []attribute.KeyValue {
	return []attribute.KeyValue{AttrProbability.Float64(probability), AttrLabel.Bool(label)}
}

func BatchAttributes(rows, rowErrors int) []attribute.KeyValue {
	return []attribute.KeyValue{AttrRows.Int(rows), AttrRowErrors.Int(rowErrors)}
}

func AttributionAttributes(method string, backgroundSize int, seed int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMethod.String(method),
		AttrBackground.Int(backgroundSize),
		AttrSeed.Int64(seed),
	}
}

func RiskAttributes(highRisk bool, band string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrHighRisk.Bool(highRisk), AttrBand.String(band)}
}

// RequestAttributes omits the request id when it is empty.
func RequestAttributes(requestID string, latencyMs float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrLatencyMs.Float64(latencyMs)}
	if requestID != "" {
		attrs = append(attrs, AttrRequestID.String(requestID))
	}
	return attrs
}
