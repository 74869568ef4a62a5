// Package telemetry configures OpenTelemetry tracing for the server and
// provides the Echo middleware that opens one server span per request.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is an OTLP/HTTP collector URL. Empty keeps spans in
	// process: trace ids are still generated and logged.
	OTLPEndpoint   string
	TracingEnabled *bool   // nil = use default (true)
	SampleRate     float64 // 0.0 to 1.0
}

// tracingOn returns whether tracing is enabled (defaults to true).
func (c *TelemetryConfig) tracingOn() bool {
	if c.TracingEnabled == nil {
		return true
	}
	return *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "disclosure-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// TelemetryProvider owns the SDK tracer provider.
type TelemetryProvider struct {
	cfg        TelemetryConfig
	provider   *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
}

// NewTelemetryProvider builds the tracer provider. Extra options are appended
// after the defaults; tests use them to attach a span recorder.
func NewTelemetryProvider(ctx context.Context, cfg TelemetryConfig, opts ...sdktrace.TracerProviderOption) (*TelemetryProvider, error) {
	cfg.applyDefaults()

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	if !cfg.tracingOn() {
		sampler = sdktrace.NeverSample()
	}

	base := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		)),
		sdktrace.WithSampler(sampler),
	}
	if cfg.OTLPEndpoint != "" && cfg.tracingOn() {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		base = append(base, sdktrace.WithBatcher(exp))
	}

	return &TelemetryProvider{
		cfg:      cfg,
		provider: sdktrace.NewTracerProvider(append(base, opts...)...),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}, nil
}

// Install registers the provider and propagator as the otel globals.
func (tp *TelemetryProvider) Install() {
	otel.SetTracerProvider(tp.provider)
	otel.SetTextMapPropagator(tp.propagator)
}

// Tracer returns a named tracer from the provider.
func (tp *TelemetryProvider) Tracer(name string) trace.Tracer {
	return tp.provider.Tracer(name)
}

// Shutdown flushes pending spans and stops the exporter.
func (tp *TelemetryProvider) Shutdown(ctx context.Context) error {
	return tp.provider.Shutdown(ctx)
}

// TracingMiddleware returns an Echo middleware that continues an incoming
// W3C trace context and opens a server span named "METHOD route". Neither
// the raw URL nor the query string is recorded.
func (tp *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	tracer := tp.Tracer("github.com/ehr/disclosure/internal/platform/telemetry")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := tp.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			ctx, span := tracer.Start(ctx, req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := responseStatus(c, err)
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if rid, ok := c.Get("request_id").(string); ok && rid != "" {
				span.SetAttributes(attribute.String("request.id", rid))
			}
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return err
		}
	}
}

// TraceIDFromContext returns the hex trace id of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
