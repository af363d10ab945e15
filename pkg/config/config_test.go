package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
telemetry:
  log_level: debug
  log_format: json
pools:
  - name: kv
    backend: key_value
    min_size: 1
    max_size: 8
    key_value:
      in_memory: true
  - name: sql
    backend: relational
    max_size: 2
    relational:
      path: ":memory:"
      busy_timeout: 2s
  - name: graph
    backend: graph
    max_size: 4
    graph:
      url: http://localhost:8080
dispatch:
  max_io: 16
  cpu_heavy: [pagerank, louvain]
cache:
  remote_pool: kv
  default_ttl: 10m
monitor:
  requirements:
    dispatch:
      max_p95_duration: 250ms
      min_success_rate: 0.99
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(cfg.Pools) != 3 {
		t.Fatalf("Expected 3 pools, got %d", len(cfg.Pools))
	}
	if cfg.Pools[0].Name != "kv" || cfg.Pools[2].Backend != BackendGraph {
		t.Errorf("Pools out of order: %+v", cfg.Pools)
	}
	if cfg.Pools[1].Relational.BusyTimeout != 2*time.Second {
		t.Errorf("Expected busy_timeout 2s, got %s", cfg.Pools[1].Relational.BusyTimeout)
	}
	if cfg.Cache.DefaultTTL != 10*time.Minute {
		t.Errorf("Expected default_ttl 10m, got %s", cfg.Cache.DefaultTTL)
	}
	if cfg.Dispatch.MaxIO != 16 || len(cfg.Dispatch.CPUHeavy) != 2 {
		t.Errorf("Unexpected dispatch config: %+v", cfg.Dispatch)
	}
	req, ok := cfg.Monitor.Requirements["dispatch"]
	if !ok {
		t.Fatal("Expected requirements for dispatch")
	}
	if req.MaxP95Duration != 250*time.Millisecond || req.MinSuccessRate != 0.99 {
		t.Errorf("Unexpected requirements: %+v", req)
	}

	// Sections not in the file keep their defaults.
	if cfg.Monitor.Window != 50 || cfg.Monitor.DegradedFactor != 1.5 {
		t.Errorf("Expected monitor defaults, got %+v", cfg.Monitor)
	}
	if cfg.Transactions.DefaultTimeout != 30*time.Second {
		t.Errorf("Expected default transaction timeout, got %s", cfg.Transactions.DefaultTimeout)
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte(sampleConfig + "\nunknown_section: true\n"))
	if err == nil {
		t.Fatal("Expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "unknown_section") {
		t.Errorf("Error should name the field: %v", err)
	}
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(nil)

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Expected ValidationErrors, got %v", err)
	}
	found := false
	for _, e := range verrs {
		if e.Path == "pools" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected pools error, got %v", verrs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		wantPath string
	}{
		{
			name:     "max below min",
			mutate:   func(c *Config) { c.Pools[0].MinSize = 10 },
			wantPath: "pools[0].max_size",
		},
		{
			name:     "unknown backend",
			mutate:   func(c *Config) { c.Pools[1].Backend = "mongo" },
			wantPath: "pools[1].backend",
		},
		{
			name: "duplicate pool name",
			mutate: func(c *Config) {
				c.Pools[1].Name = c.Pools[0].Name
			},
			wantPath: "pools[1].name",
		},
		{
			name: "missing backend section",
			mutate: func(c *Config) {
				c.Pools[1].Relational = nil
			},
			wantPath: "pools[1].relational",
		},
		{
			name: "mismatched backend section",
			mutate: func(c *Config) {
				c.Pools[0].Graph = &GraphConfig{URL: "http://localhost:8080"}
			},
			wantPath: "pools[0].graph",
		},
		{
			name:     "cache pool unknown",
			mutate:   func(c *Config) { c.Cache.RemotePool = "redis" },
			wantPath: "cache.remote_pool",
		},
		{
			name:     "cache pool not key value",
			mutate:   func(c *Config) { c.Cache.RemotePool = "sql" },
			wantPath: "cache.remote_pool",
		},
		{
			name:     "otlp without endpoint",
			mutate:   func(c *Config) { c.Telemetry.Tracing.Exporter = "otlp" },
			wantPath: "telemetry.tracing.endpoint",
		},
		{
			name:     "sampling rate out of range",
			mutate:   func(c *Config) { c.Telemetry.Tracing.SamplingRate = 2 },
			wantPath: "telemetry.tracing.sampling_rate",
		},
		{
			name:     "bad log level",
			mutate:   func(c *Config) { c.Telemetry.LogLevel = "loud" },
			wantPath: "telemetry.log_level",
		},
		{
			name:     "journal without path",
			mutate:   func(c *Config) { c.Journal.Path = "" },
			wantPath: "journal.path",
		},
		{
			name: "key value without path",
			mutate: func(c *Config) {
				c.Pools[0].KeyValue = &KeyValueConfig{}
			},
			wantPath: "pools[0].key_value.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)

			err := cfg.Validate()
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Expected ValidationErrors, got %v", err)
			}

			found := false
			for _, e := range verrs {
				if e.Path == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected error at %s, got %v", tt.wantPath, verrs)
			}
		})
	}
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	if _, ok := cfg.Pool("kv"); !ok {
		t.Error("Expected default kv pool")
	}
	if _, ok := cfg.Pool("missing"); ok {
		t.Error("Expected no pool named missing")
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "core.yaml")

	cfg := Default(dir)
	cfg.Dispatch.MaxCPU = 3
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Dispatch.MaxCPU != 3 {
		t.Errorf("Expected max_cpu 3, got %d", loaded.Dispatch.MaxCPU)
	}
	if loaded.Journal.Retention != cfg.Journal.Retention {
		t.Errorf("Expected retention %s, got %s", cfg.Journal.Retention, loaded.Journal.Retention)
	}
	if len(loaded.Pools) != len(cfg.Pools) {
		t.Errorf("Expected %d pools, got %d", len(cfg.Pools), len(loaded.Pools))
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestToTelemetry(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	tc := cfg.ToTelemetry()
	if tc.Logging.Level != "debug" || tc.Logging.Format != "json" {
		t.Errorf("Logging not mapped: %+v", tc.Logging)
	}
	if tc.Tracing.Enabled {
		t.Error("Tracing should follow the file and stay disabled")
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("Mapped telemetry config should be valid: %v", err)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	w, err := Watch(ctx, path, func(c *Config) error {
		reloaded <- c
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Stop()

	// An unrelated file in the same directory is ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o644); err != nil {
		t.Fatalf("Failed to write other file: %v", err)
	}

	updated := strings.Replace(sampleConfig, "max_io: 16", "max_io: 32", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("Failed to update config: %v", err)
	}

	select {
	case c := <-reloaded:
		if c.Dispatch.MaxIO != 32 {
			t.Errorf("Expected max_io 32 after reload, got %d", c.Dispatch.MaxIO)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Watcher did not stop after cancel")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op: %v", err)
	}
}

func TestWatch_InvalidFileKeepsRunning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	reloaded := make(chan *Config, 4)
	w, err := Watch(context.Background(), path, func(c *Config) error {
		reloaded <- c
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("pools: []\n"), 0o644); err != nil {
		t.Fatalf("Failed to write invalid config: %v", err)
	}
	select {
	case <-reloaded:
		t.Fatal("Invalid config should not be applied")
	case <-time.After(2 * DefaultReloadDelay):
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("Failed to restore config: %v", err)
	}
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("Valid config after an invalid one should reload")
	}
}
