// Package telemetry exports OpenTelemetry traces and Prometheus metrics for
// login URL issuance and redemption.
//
// A nil *Provider is valid and records nothing.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the telemetry configuration.
type Config struct {
	// ServiceName is the name of the service (e.g., "userkey").
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment is the deployment environment (e.g., "production").
	Environment string

	// OTLPEndpoint is the OTLP/gRPC exporter endpoint for traces.
	// Leave empty to disable trace export.
	OTLPEndpoint string

	// SamplingRate is the trace sampling rate (0.0-1.0).
	SamplingRate float64

	// Enabled determines if telemetry is active.
	Enabled bool
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "userkey",
		ServiceVersion: "dev",
		Environment:    "development",
		SamplingRate:   1.0,
		Enabled:        true,
	}
}

// Provider manages OpenTelemetry tracer and meter providers.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prometheus.Registry
	tracer         trace.Tracer
	meter          metric.Meter

	issueCounter     metric.Int64Counter
	redeemCounter    metric.Int64Counter
	rateLimitCounter metric.Int64Counter
	logoutCounter    metric.Int64Counter
	redeemDuration   metric.Float64Histogram
}

// NewProvider creates a new telemetry provider. Metrics are collected in a
// registry of their own, served by Handler.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg}, nil
	}

	p := &Provider{config: cfg}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	if err := p.setupTracing(res); err != nil {
		return nil, err
	}
	if err := p.setupMetrics(res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) setupTracing(res *resource.Resource) error {
	var sampler sdktrace.Sampler
	if p.config.SamplingRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if p.config.SamplingRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(p.config.SamplingRate)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	}

	if p.config.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer(p.config.ServiceName)
	return nil
}

func (p *Provider) setupMetrics(res *resource.Resource) error {
	p.registry = prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(p.registry))
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	p.meter = p.meterProvider.Meter(p.config.ServiceName)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.issueCounter, err = p.meter.Int64Counter(
		"userkey.keys.issued",
		metric.WithDescription("Login URL requests by outcome"),
	)
	if err != nil {
		return err
	}

	p.redeemCounter, err = p.meter.Int64Counter(
		"userkey.keys.redeemed",
		metric.WithDescription("Login URL redemptions by outcome"),
	)
	if err != nil {
		return err
	}

	p.rateLimitCounter, err = p.meter.Int64Counter(
		"userkey.ratelimit.denied",
		metric.WithDescription("Redemptions refused by the rate limiter"),
	)
	if err != nil {
		return err
	}

	p.logoutCounter, err = p.meter.Int64Counter(
		"userkey.logouts",
		metric.WithDescription("Logouts of sessions opened with a login URL"),
	)
	if err != nil {
		return err
	}

	p.redeemDuration, err = p.meter.Float64Histogram(
		"userkey.redeem.duration",
		metric.WithDescription("Redemption duration in seconds"),
		metric.WithUnit("s"),
	)
	return err
}

// Handler serves the collected metrics in the Prometheus text format.
func (p *Provider) Handler() http.Handler {
	if p == nil || p.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Tracer returns the tracer instance.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("userkey")
	}
	return p.tracer
}

// ---- Metric Recording Methods ----

// outcome returns "success" for an empty error code.
func outcome(errorCode string) string {
	if errorCode == "" {
		return "success"
	}
	return errorCode
}

// RecordIssue records a login URL request. errorCode is empty on success.
func (p *Provider) RecordIssue(ctx context.Context, errorCode string) {
	if p == nil || p.issueCounter == nil {
		return
	}
	p.issueCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(errorCode))))
}

// RecordRedemption records a redemption attempt and how long it took.
// errorCode is empty on success.
func (p *Provider) RecordRedemption(ctx context.Context, errorCode string, duration time.Duration) {
	if p == nil || p.redeemCounter == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(errorCode)))
	p.redeemCounter.Add(ctx, 1, attrs)
	p.redeemDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRateLimit records a redemption refused by the rate limiter.
func (p *Provider) RecordRateLimit(ctx context.Context) {
	if p == nil || p.rateLimitCounter == nil {
		return
	}
	p.rateLimitCounter.Add(ctx, 1)
}

// RecordLogout records the logout of an authenticated session.
func (p *Provider) RecordLogout(ctx context.Context, viaUserKey bool) {
	if p == nil || p.logoutCounter == nil {
		return
	}
	p.logoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("userkey", viaUserKey)))
}
