package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the telemetry settings of one process. The file-level
// settings in pkg/config are mapped onto it by config.ToTelemetry.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`
	// Output is stdout, stderr or a file path.
	Output       string
	EnableCaller bool

	// Sampling lets SamplingInitial entries through per second, then one in
	// every SamplingThereafter.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is one of unix, unixms, unixmicro or rfc3339.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled            bool
	Exporter           string  `validate:"omitempty,oneof=otlp stdout none"`
	Endpoint           string
	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string
	Namespace     string
	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

var validate = validator.New()

// DefaultConfig returns the settings used when nothing else is configured:
// console logs on stderr, no span export, metrics on :9090.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "analytics-core",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "analytics_core",
			DefaultHistogramBuckets: []float64{
				0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
			},
		},
	}
}

// ProductionConfig switches to sampled JSON logs and OTLP export of one
// trace in ten.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig logs at debug level with callers and prints spans.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid telemetry config: %s failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("invalid telemetry config: %w", err)
}
