package runner

import internaltracing "github.com/wehubfusion/subtimizer/internal/tracing"

// TracingConfig selects the OTLP collector run spans are exported to.
type TracingConfig = internaltracing.Config

// DefaultTracingConfig exports every span to a collector on localhost;
// set OTLPEndpoint to point elsewhere.
func DefaultTracingConfig(serviceName string) TracingConfig {
	return internaltracing.DefaultConfig(serviceName)
}
