// ABOUTME: Telemetry settings carried in the kvjournal configuration file under "telemetry"
// ABOUTME: Environment overrides arrive through the config loader as KVJOURNAL_TELEMETRY_*

package telemetry

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Exporter names accepted in Config.Exporters
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

var ErrInvalidTelemetryConfig = errors.New("invalid telemetry config")

// Config holds all configuration for telemetry providers and exporters.
type Config struct {
	ServiceName    string `json:"service_name" mapstructure:"service_name"`
	ServiceVersion string `json:"service_version" mapstructure:"service_version"`

	// Enabled is false by default; stores then record into a no-op.
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Exporters lists trace destinations. Metrics always go to stdout.
	Exporters []string `json:"exporters" mapstructure:"exporters"`

	// SampleRate is the ratio of root spans kept, 0.0 to 1.0
	SampleRate float64 `json:"sample_rate" mapstructure:"sample_rate"`

	// OTLPEndpoint is the collector host:port
	OTLPEndpoint string `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `json:"otlp_insecure" mapstructure:"otlp_insecure"`

	ExportTimeout      time.Duration `json:"export_timeout" mapstructure:"export_timeout"`
	BatchTimeout       time.Duration `json:"batch_timeout" mapstructure:"batch_timeout"`
	MaxQueueSize       int           `json:"max_queue_size" mapstructure:"max_queue_size"`
	MaxExportBatchSize int           `json:"max_export_batch_size" mapstructure:"max_export_batch_size"`

	// Output redirects the stdout exporters, mostly for tests
	Output io.Writer `json:"-" mapstructure:"-"`
}

// DefaultConfig returns disabled telemetry exporting to stdout when turned on.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "kvjournal",
		ServiceVersion:     "development",
		Exporters:          []string{ExporterStdout},
		SampleRate:         1.0,
		OTLPEndpoint:       "localhost:4317",
		OTLPInsecure:       true,
		ExportTimeout:      30 * time.Second,
		BatchTimeout:       5 * time.Second,
		MaxQueueSize:       2048,
		MaxExportBatchSize: 512,
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidTelemetryConfig}, args...)...))
	}

	if c.ServiceName == "" {
		invalid("service_name cannot be empty")
	}
	if c.ServiceVersion == "" {
		invalid("service_version cannot be empty")
	}
	if c.SampleRate < 0.0 || c.SampleRate > 1.0 {
		invalid("sample_rate must be between 0.0 and 1.0, got %f", c.SampleRate)
	}
	if c.ExportTimeout <= 0 {
		invalid("export_timeout must be positive, got %s", c.ExportTimeout)
	}
	if c.BatchTimeout <= 0 {
		invalid("batch_timeout must be positive, got %s", c.BatchTimeout)
	}
	if c.MaxQueueSize <= 0 {
		invalid("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}
	if c.MaxExportBatchSize <= 0 || c.MaxExportBatchSize > c.MaxQueueSize {
		invalid("max_export_batch_size must be between 1 and max_queue_size, got %d", c.MaxExportBatchSize)
	}
	for _, name := range c.Exporters {
		switch name {
		case ExporterStdout:
		case ExporterOTLP:
			if c.OTLPEndpoint == "" {
				invalid("otlp exporter needs otlp_endpoint")
			}
		default:
			invalid("unknown exporter %q", name)
		}
	}

	return errors.Join(errs...)
}

// HasExporter reports whether name is among the configured exporters.
func (c *Config) HasExporter(name string) bool {
	for _, exporter := range c.Exporters {
		if exporter == name {
			return true
		}
	}
	return false
}
