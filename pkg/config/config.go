package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/analytics-core/pkg/telemetry"
)

// DefaultPath is where the CLI looks for a config file.
const DefaultPath = "analytics-core.yaml"

// Default returns a configuration that runs entirely on embedded stores under
// dataDir: a badger key-value pool, a SQLite relational pool and the journal.
// A graph pool is not included because it needs a running weaviate.
func Default(dataDir string) *Config {
	return &Config{
		Telemetry: TelemetryConfig{
			ServiceVersion: "dev",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "console",
			LogOutput:      "stderr",
			Tracing: TracingConfig{
				Exporter:     "none",
				SamplingRate: 1.0,
			},
			Metrics: MetricsConfig{
				ListenAddress: ":9090",
				Path:          "/metrics",
			},
		},
		Pools: []PoolConfig{
			{
				Name:     "kv",
				Backend:  BackendKeyValue,
				MinSize:  1,
				MaxSize:  8,
				KeyValue: &KeyValueConfig{Path: filepath.Join(dataDir, "kv")},
			},
			{
				Name:    "sql",
				Backend: BackendRelational,
				MinSize: 1,
				MaxSize: 4,
				Relational: &RelationalConfig{
					Path:        filepath.Join(dataDir, "analytics.db"),
					BusyTimeout: 5 * time.Second,
				},
			},
		},
		Transactions: TransactionConfig{
			DefaultTimeout:   30 * time.Second,
			DefaultIsolation: "default",
		},
		Cache: CacheConfig{
			RemotePool: "kv",
			DefaultTTL: time.Hour,
		},
		Monitor: MonitorConfig{
			Window:         50,
			MinSamples:     10,
			DegradedFactor: 1.5,
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      filepath.Join(dataDir, "journal.db"),
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// Load reads, decodes and validates the file at path. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML. Sections missing from data keep the
// values of Default("data"), except pools, which must be listed.
func Parse(data []byte) (*Config, error) {
	cfg := Default("data")
	cfg.Pools = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report yaml names so errors point at the file, not the Go struct.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks struct tags and the rules that span several fields.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: describe(fe),
			})
		}
	}

	names := make(map[string]int, len(c.Pools))
	for i, p := range c.Pools {
		path := fmt.Sprintf("pools[%d]", i)
		if j, dup := names[p.Name]; dup && p.Name != "" {
			errs = append(errs, ValidationError{Path: path + ".name", Message: fmt.Sprintf("duplicate pool name %q (also pools[%d])", p.Name, j)})
		}
		names[p.Name] = i

		sections := map[string]bool{
			BackendGraph:      p.Graph != nil,
			BackendKeyValue:   p.KeyValue != nil,
			BackendRelational: p.Relational != nil,
		}
		if _, known := sections[p.Backend]; known && !sections[p.Backend] {
			errs = append(errs, ValidationError{Path: path + "." + p.Backend, Message: "section is required for backend " + p.Backend})
		}
		for section, set := range sections {
			if set && section != p.Backend {
				errs = append(errs, ValidationError{Path: path + "." + section, Message: "section does not match backend " + p.Backend})
			}
		}
	}

	if rp := c.Cache.RemotePool; rp != "" {
		i, ok := names[rp]
		switch {
		case !ok:
			errs = append(errs, ValidationError{Path: "cache.remote_pool", Message: fmt.Sprintf("unknown pool %q", rp)})
		case c.Pools[i].Backend != BackendKeyValue:
			errs = append(errs, ValidationError{Path: "cache.remote_pool", Message: fmt.Sprintf("pool %q is not a key_value pool", rp)})
		}
	}

	if len(errs) > 0 {
		sortErrors(errs)
		return errs
	}
	return nil
}

// fieldPath turns "Config.pools[0].max_size" into "pools[0].max_size".
func fieldPath(ns string) string {
	_, rest, found := strings.Cut(ns, ".")
	if !found {
		return ns
	}
	return rest
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if", "required_without":
		return "is required here"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "gtefield":
		return "must not be less than " + strings.ToLower(fe.Param())
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "url":
		return "must be a URL"
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}

func sortErrors(errs ValidationErrors) {
	for i := 1; i < len(errs); i++ {
		for j := i; j > 0 && errs[j].Path < errs[j-1].Path; j-- {
			errs[j], errs[j-1] = errs[j-1], errs[j]
		}
	}
}

// Pool returns the pool named name.
func (c *Config) Pool(name string) (PoolConfig, bool) {
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return PoolConfig{}, false
}

// ToTelemetry maps the file settings onto telemetry.Config, starting
// from the profile that matches the environment.
func (c *Config) ToTelemetry() *telemetry.Config {
	var tc *telemetry.Config
	switch c.Telemetry.Environment {
	case "production":
		tc = telemetry.ProductionConfig()
	case "development":
		tc = telemetry.DevelopmentConfig()
	default:
		tc = telemetry.DefaultConfig()
	}

	t := c.Telemetry
	if t.ServiceVersion != "" {
		tc.ServiceVersion = t.ServiceVersion
	}
	if t.Environment != "" {
		tc.Environment = t.Environment
	}
	if t.LogLevel != "" {
		tc.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		tc.Logging.Format = t.LogFormat
	}
	if t.LogOutput != "" {
		tc.Logging.Output = t.LogOutput
	}

	tc.Tracing.Enabled = t.Tracing.Enabled
	if t.Tracing.Exporter != "" {
		tc.Tracing.Exporter = t.Tracing.Exporter
	}
	if t.Tracing.Endpoint != "" {
		tc.Tracing.Endpoint = t.Tracing.Endpoint
	}
	tc.Tracing.SamplingRate = t.Tracing.SamplingRate
	tc.Tracing.Insecure = t.Tracing.Insecure
	if len(t.Tracing.Headers) > 0 {
		tc.Tracing.Headers = t.Tracing.Headers
	}

	tc.Metrics.Enabled = t.Metrics.Enabled
	if t.Metrics.ListenAddress != "" {
		tc.Metrics.ListenAddress = t.Metrics.ListenAddress
	}
	if t.Metrics.Path != "" {
		tc.Metrics.Path = t.Metrics.Path
	}
	return tc
}
