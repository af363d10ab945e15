package config

import (
	"time"

	"github.com/openfroyo/analytics-core/pkg/monitor"
)

// Backend names accepted in PoolConfig.Backend.
const (
	BackendGraph      = "graph"
	BackendKeyValue   = "key_value"
	BackendRelational = "relational"
)

// Config is the complete configuration of the coordination core.
type Config struct {
	// Telemetry configures logging, tracing and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Pools are set up in the order listed. That order is also the commit
	// order of cross-backend transactions.
	Pools []PoolConfig `yaml:"pools" json:"pools" validate:"required,min=1,dive"`

	// Transactions configures the transaction coordinator.
	Transactions TransactionConfig `yaml:"transactions" json:"transactions"`

	// Dispatch configures the CPU and IO worker pools.
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch"`

	// Cache configures the result cache.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Monitor configures baselines and validation requirements.
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	// Journal configures the SQLite transaction and baseline journal.
	Journal JournalConfig `yaml:"journal" json:"journal"`

	// Cleanup controls teardown behavior.
	Cleanup CleanupConfig `yaml:"cleanup" json:"cleanup"`
}

// TelemetryConfig is the file form of telemetry.Config.
type TelemetryConfig struct {
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	Environment    string `yaml:"environment" json:"environment" validate:"omitempty,oneof=development staging production"`

	LogLevel  string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" json:"log_format" validate:"omitempty,oneof=console json"`
	LogOutput string `yaml:"log_output" json:"log_output"`

	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled" json:"enabled"`
	Exporter     string            `yaml:"exporter" json:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string            `yaml:"endpoint" json:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64           `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool              `yaml:"insecure" json:"insecure"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path" json:"path"`
}

// PoolConfig describes one connection pool and the backend behind it.
type PoolConfig struct {
	Name    string `yaml:"name" json:"name" validate:"required,max=64"`
	Backend string `yaml:"backend" json:"backend" validate:"required,oneof=graph key_value relational"`
	MinSize int    `yaml:"min_size" json:"min_size" validate:"gte=0"`
	MaxSize int    `yaml:"max_size" json:"max_size" validate:"gte=1,gtefield=MinSize"`

	Graph      *GraphConfig      `yaml:"graph,omitempty" json:"graph,omitempty"`
	KeyValue   *KeyValueConfig   `yaml:"key_value,omitempty" json:"key_value,omitempty"`
	Relational *RelationalConfig `yaml:"relational,omitempty" json:"relational,omitempty"`
}

// GraphConfig configures a weaviate graph backend.
type GraphConfig struct {
	URL          string            `yaml:"url" json:"url" validate:"required,url"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	ReadyTimeout time.Duration     `yaml:"ready_timeout" json:"ready_timeout" validate:"gte=0"`
}

// KeyValueConfig configures a badger key-value backend.
type KeyValueConfig struct {
	Path       string `yaml:"path" json:"path" validate:"required_without=InMemory"`
	InMemory   bool   `yaml:"in_memory" json:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes" json:"sync_writes"`
}

// RelationalConfig configures a SQLite relational backend.
type RelationalConfig struct {
	Path            string        `yaml:"path" json:"path" validate:"required"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" json:"busy_timeout" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" validate:"gte=0"`
}

// TransactionConfig configures the coordinator.
type TransactionConfig struct {
	DefaultTimeout   time.Duration `yaml:"default_timeout" json:"default_timeout" validate:"gte=0"`
	DefaultIsolation string        `yaml:"default_isolation" json:"default_isolation" validate:"omitempty,oneof=default read_committed repeatable_read serializable"`
}

// DispatchConfig sizes the worker pools. Zero means a default derived from
// the CPU count.
type DispatchConfig struct {
	MaxIO    int      `yaml:"max_io" json:"max_io" validate:"gte=0"`
	MaxCPU   int      `yaml:"max_cpu" json:"max_cpu" validate:"gte=0"`
	CPUHeavy []string `yaml:"cpu_heavy,omitempty" json:"cpu_heavy,omitempty" validate:"dive,required"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	// Remote stores entries in the badger database of the named key-value
	// pool. Empty means the local in-process map.
	RemotePool string        `yaml:"remote_pool" json:"remote_pool"`
	KeyPrefix  string        `yaml:"key_prefix" json:"key_prefix"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"gte=0"`
}

// MonitorConfig configures the performance monitor.
type MonitorConfig struct {
	TrackMemory    bool    `yaml:"track_memory" json:"track_memory"`
	Window         int     `yaml:"window" json:"window" validate:"gte=0"`
	MinSamples     int     `yaml:"min_samples" json:"min_samples" validate:"gte=0"`
	DegradedFactor float64 `yaml:"degraded_factor" json:"degraded_factor" validate:"gte=0"`

	// Requirements are validation thresholds per component.
	Requirements map[string]monitor.Requirements `yaml:"requirements,omitempty" json:"requirements,omitempty" validate:"dive"`
}

// JournalConfig configures the SQLite journal.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Path      string        `yaml:"path" json:"path" validate:"required_if=Enabled true"`
	Retention time.Duration `yaml:"retention" json:"retention" validate:"gte=0"`
}

// CleanupConfig controls teardown.
type CleanupConfig struct {
	// Strict makes Close return an error when any connection failed to
	// close. By default teardown is best-effort and only logs failures.
	Strict bool `yaml:"strict" json:"strict"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// Path is the dotted path to the offending field (e.g., "pools[0].max_size").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return "invalid configuration: " + v[0].String()
	}
	msg := "invalid configuration:"
	for _, e := range v {
		msg += "\n  - " + e.String()
	}
	return msg
}

func (e ValidationError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}
