package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for the provisioning core.
type Config struct {
	// ServiceName identifies the service in logs, metrics, and traces.
	ServiceName string

	// ServiceVersion is the running version.
	ServiceVersion string

	// Environment is the deployment environment (dev, staging, prod).
	Environment string

	// Logging configures structured logging.
	Logging LoggingConfig

	// Metrics configures Prometheus metrics.
	Metrics MetricsConfig

	// Tracing configures OpenTelemetry tracing.
	Tracing TracingConfig

	// Events configures the in-process event publisher.
	Events EventsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format specifies the log format (console, json).
	Format string

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool
}

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	// Enabled turns metrics collection on. When false a no-op collector
	// is returned.
	Enabled bool

	// Namespace is the metric name prefix.
	Namespace string

	// ListenAddr is the address of the /metrics endpoint, when served.
	ListenAddr string
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns tracing on.
	Enabled bool

	// Exporter selects the span exporter (stdout, otlp).
	Exporter string

	// Endpoint is the OTLP collector endpoint for the otlp exporter.
	Endpoint string

	// SampleRatio is the trace sampling ratio in [0,1].
	SampleRatio float64
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	// Enabled turns event publishing on.
	Enabled bool

	// BufferSize is the async buffer capacity.
	BufferSize int

	// PublishTimeout bounds a blocking publish when the buffer is full.
	PublishTimeout time.Duration
}

// DefaultConfig returns a development-friendly telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "provgate",
		ServiceVersion: "dev",
		Environment:    "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "provgate",
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			SampleRatio: 1.0,
		},
		Events: EventsConfig{
			Enabled:        true,
			BufferSize:     256,
			PublishTimeout: time.Second,
		},
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			return fmt.Errorf("unknown trace exporter %q", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("trace sample ratio must be in [0,1]")
		}
	}
	return nil
}
