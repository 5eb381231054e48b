// Package tracing exports run and job spans over OTLP/HTTP.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Config selects the collector and how much of a run gets sampled.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is host:port; the exporter adds /v1/traces.
	OTLPEndpoint string
	Insecure     bool
	// SampleRatio of 1 keeps every span, 0 none.
	SampleRatio float64
}

// DefaultConfig exports every span to a collector on localhost.
// SUBTIMIZER_ENVIRONMENT names the deployment.
func DefaultConfig(serviceName string) Config {
	env := os.Getenv("SUBTIMIZER_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		Environment:    env,
		OTLPEndpoint:   "127.0.0.1:4318",
		Insecure:       true,
		SampleRatio:    1.0,
	}
}

func (c Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("tracing: service name is required")
	}
	if c.OTLPEndpoint == "" {
		return errors.New("tracing: OTLP endpoint is required")
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing: sample ratio %v outside [0, 1]", c.SampleRatio)
	}
	return nil
}

func (c Config) sampler() sdktrace.Sampler {
	switch {
	case c.SampleRatio >= 1:
		return sdktrace.AlwaysSample()
	case c.SampleRatio <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// Provider owns the exporter pipeline; Shutdown flushes it.
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *zap.Logger
}

// Setup builds a provider and installs it as the global one. The exporter
// connects lazily, so no collector needs to be up yet.
func Setup(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("Tracing enabled",
		zap.String("service", cfg.ServiceName),
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.Float64("sampleRatio", cfg.SampleRatio))
	return &Provider{tp: tp, logger: logger}, nil
}

// Tracer returns a named tracer backed by this provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans, giving up after ten seconds. Safe on nil.
func (p *Provider) Shutdown() error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.tp.Shutdown(ctx); err != nil {
		p.logger.Error("Failed to flush spans", zap.Error(err))
		return err
	}
	return nil
}
