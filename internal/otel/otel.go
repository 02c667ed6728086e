// Package otel wires OpenTelemetry tracing for the daemon.
package otel

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "impersonator"

// Span attribute keys shared by the provider surface.
const (
	AttrSession = attribute.Key("impersonator.session")
	AttrMethod  = attribute.Key("rpc.method")
	AttrChainID = attribute.Key("impersonator.chain_id")
)

// InitTracer installs an OTLP/HTTP tracer provider when an endpoint is
// configured. The returned func flushes and shuts it down.
func InitTracer(cfg config.Config) func() {
	if cfg.OtelEndpoint == "" {
		logrus.Debug("Tracing disabled: no OTLP endpoint")
		return func() {}
	}

	ctx := context.Background()
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.OtelEndpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		logrus.WithError(err).Warn("Tracing disabled: failed to create OTLP exporter")
		return func() {}
	}

	tp := newProvider(sdktrace.WithBatcher(exporter), cfg.OtelSampleRatio)
	otel.SetTracerProvider(tp)
	logrus.WithFields(logrus.Fields{
		"endpoint":     cfg.OtelEndpoint,
		"sample_ratio": cfg.OtelSampleRatio,
	}).Info("Tracing enabled")

	return func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to flush traces")
		}
	}
}

// newProvider builds a tracer provider that samples root spans by ratio and
// follows the parent's decision otherwise.
func newProvider(processor sdktrace.TracerProviderOption, ratio float64) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
}

// Tracer returns the daemon tracer. Without InitTracer it is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}

// StartRequest opens the span for one provider request of a page session.
func StartRequest(ctx context.Context, sessionID, method string, chainID int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "provider "+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrSession.String(sessionID),
			AttrMethod.String(method),
			AttrChainID.Int64(chainID),
		),
	)
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
