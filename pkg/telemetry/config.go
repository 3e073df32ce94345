package telemetry

import (
	"fmt"
	"time"
)

// Config groups logging, tracing and metrics for one process.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path opened in append mode.
	Output string
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter is none, stdout or otlp.
	Exporter string

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string

	SamplingRate  float64
	ExportTimeout time.Duration

	// Insecure disables TLS on the OTLP connection.
	Insecure bool
}

// Enabled reports whether spans are exported.
func (c TracingConfig) Enabled() bool {
	return c.Exporter != "" && c.Exporter != "none"
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// ListenAddress is the address of the /metrics endpoint. Empty disables
	// the endpoint; metrics are still collected for the run summary.
	ListenAddress string

	Path      string
	Namespace string
}

// DefaultConfig returns logging at info level to stderr with tracing and
// the metrics endpoint disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "pcutils",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Path:      "/metrics",
			Namespace: "pcutils",
		},
	}
}

var validLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "warning": true, "error": true, "fatal": true,
}

// Validate checks the configuration before any exporter is created.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}
	return nil
}
