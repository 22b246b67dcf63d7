package http

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// NewTracerProvider builds a TracerProvider that writes spans to stdout.
// There is no external collector in this deployment model (single SQLite
// file, no sidecars); stdout export keeps request traces inspectable in the
// server's own logs without adding an operational dependency.
func NewTracerProvider(serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return tp, nil
}

// NewMeterProvider builds a MeterProvider that periodically writes gauges to
// stdout, for the same reason NewTracerProvider uses stdout.
func NewMeterProvider(serviceName string) (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(60*time.Second))),
		sdkmetric.WithResource(res),
	)
	return mp, nil
}

// RegisterSessionGauge registers an observable gauge reporting the number of
// live MCP sessions, sampled on each collection pass.
func RegisterSessionGauge(mp *sdkmetric.MeterProvider, countFn func() int) error {
	meter := mp.Meter("sentinel-gate/gateway")
	_, err := meter.Int64ObservableGauge(
		"gateway.active_sessions",
		otelmetric.WithDescription("Number of live MCP sessions"),
		otelmetric.WithInt64Callback(func(_ context.Context, obs otelmetric.Int64Observer) error {
			obs.Observe(int64(countFn()))
			return nil
		}),
	)
	return err
}

// TracingMiddleware starts a span for each request, named by method and
// path, and records the response status as the span's outcome.
func TracingMiddleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
			defer span.End()

			sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", sw.status))
			if sw.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}
		})
	}
}

// otelTracerName is the instrumentation scope name for the gateway's own spans.
const otelTracerName = "github.com/Sentinel-Gate/Sentinelgate/internal/adapter/inbound/http"

// Tracer returns the gateway's tracer from the global TracerProvider set up
// in GatewayTransport.Start.
func Tracer() trace.Tracer {
	return otel.Tracer(otelTracerName)
}
