package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("SUBTIMIZER_ENVIRONMENT", "hpc-prod")
	cfg := DefaultConfig("subtimizer")

	assert.Equal(t, "subtimizer", cfg.ServiceName)
	assert.Equal(t, "hpc-prod", cfg.Environment)
	assert.Equal(t, "127.0.0.1:4318", cfg.OTLPEndpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRatio)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig("subtimizer")
	cfg.OTLPEndpoint = ""
	assert.ErrorContains(t, cfg.Validate(), "endpoint")

	cfg = DefaultConfig("")
	assert.ErrorContains(t, cfg.Validate(), "service name")

	cfg = DefaultConfig("subtimizer")
	cfg.SampleRatio = 1.5
	assert.ErrorContains(t, cfg.Validate(), "sample ratio")
}

func TestSampler(t *testing.T) {
	cfg := DefaultConfig("subtimizer")
	assert.Equal(t, sdktrace.AlwaysSample().Description(), cfg.sampler().Description())

	cfg.SampleRatio = 0
	assert.Equal(t, sdktrace.NeverSample().Description(), cfg.sampler().Description())

	cfg.SampleRatio = 0.25
	assert.Contains(t, cfg.sampler().Description(), "ParentBased")
}

func TestSetupRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig("subtimizer")
	cfg.OTLPEndpoint = ""
	_, err := Setup(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestSetupAndShutdown(t *testing.T) {
	p, err := Setup(context.Background(), DefaultConfig("subtimizer-test"), nil)
	require.NoError(t, err)

	_, span := p.Tracer("test").Start(context.Background(), "item")
	span.End()

	assert.NoError(t, p.Shutdown())

	var nilProvider *Provider
	assert.NoError(t, nilProvider.Shutdown())
}
