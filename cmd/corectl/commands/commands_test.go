package commands

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/openfroyo/analytics-core/pkg/config"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func TestInitThenProbe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core.yaml")

	if err := run(t, "init", "--config", path, "--data-dir", filepath.Join(dir, "data")); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Generated config does not load: %v", err)
	}
	if len(cfg.Pools) != 2 {
		t.Errorf("Expected 2 default pools, got %d", len(cfg.Pools))
	}

	if err := run(t, "init", "--config", path); err == nil {
		t.Error("Expected init to refuse overwriting an existing config")
	}

	if err := run(t, "health", "--config", path, "--json"); err != nil {
		t.Errorf("health failed: %v", err)
	}
	if err := run(t, "txn", "probe", "--config", path); err != nil {
		t.Errorf("txn probe failed: %v", err)
	}
	if err := run(t, "txn", "list", "--config", path, "--state", "committed"); err != nil {
		t.Errorf("txn list failed: %v", err)
	}
	if err := run(t, "baseline", "run", "--config", path, "--samples", "12", "--work", "1ms"); err != nil {
		t.Errorf("baseline run failed: %v", err)
	}
	if err := run(t, "baseline", "list", "--config", path); err != nil {
		t.Errorf("baseline list failed: %v", err)
	}
}

func TestMissingConfig(t *testing.T) {
	if err := run(t, "health", "--config", filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Expected error for missing config")
	}
}
