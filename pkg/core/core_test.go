package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/analytics-core/pkg/backends"
	"github.com/openfroyo/analytics-core/pkg/cache"
	"github.com/openfroyo/analytics-core/pkg/config"
	"github.com/openfroyo/analytics-core/pkg/dispatch"
	"github.com/openfroyo/analytics-core/pkg/monitor"
	"github.com/openfroyo/analytics-core/pkg/stores"
	"github.com/openfroyo/analytics-core/pkg/txn"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Pools[0].KeyValue = &config.KeyValueConfig{InMemory: true}
	cfg.Dispatch.MaxIO = 4
	cfg.Dispatch.MaxCPU = 2
	require.NoError(t, cfg.Validate())
	return cfg
}

func newCore(t *testing.T, cfg *config.Config) *Core {
	t.Helper()
	c, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestNewWiresEverything(t *testing.T) {
	c := newCore(t, testConfig(t))

	assert.Equal(t, []string{"kv", "sql"}, c.Pools.PoolIDs())
	assert.Equal(t, cache.ModeRemote, c.Cache.Mode())
	assert.NotNil(t, c.Journal)
	assert.Empty(t, c.Skipped())

	h := c.Health(context.Background())
	assert.True(t, h.Healthy(), "problems: %v", h.Problems)
	assert.Len(t, h.Pools, 2)
	assert.True(t, h.Journal.OK)
	assert.True(t, h.Dispatch.Healthy())
}

func TestTransactionIsJournaled(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()

	var txID string
	err := c.Tx.Run(ctx, backends.IsolationDefault, time.Second, func(ctx context.Context, tc *txn.Context) error {
		txID = tc.ID
		if _, err := tc.Execute(ctx, "sql", backends.Command{Op: backends.OpExec, Text: "CREATE TABLE IF NOT EXISTS results (k TEXT PRIMARY KEY, v TEXT)"}); err != nil {
			return err
		}
		if _, err := tc.Execute(ctx, "sql", backends.Command{Op: backends.OpExec, Text: "INSERT INTO results (k, v) VALUES (?, ?)", Args: []any{"a", "1"}}); err != nil {
			return err
		}
		_, err := tc.Execute(ctx, "kv", backends.Command{Op: backends.OpPut, Key: []byte("results/a"), Value: []byte("1")})
		return err
	})
	require.NoError(t, err)

	rec, err := c.Journal.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, txn.StateCommitted, rec.State)
	assert.Equal(t, []string{"kv", "sql"}, rec.Pools)

	failed, err := c.Journal.ListTransactions(ctx, stores.ListOptions{FailedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestProbeTransaction(t *testing.T) {
	c := newCore(t, testConfig(t))

	res, err := c.ProbeTransaction(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, txn.StateCommitted, res.State)
	assert.Equal(t, []string{"kv", "sql"}, res.Committed)
	assert.NotEmpty(t, res.ID)
}

func TestCacheSharesKeyValueDatabase(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()

	c.Cache.Set(ctx, "pagerank", map[string]any{"graph": "g1"}, []byte(`[0.5]`), time.Minute)
	v, ok := c.Cache.Get(ctx, "pagerank", map[string]any{"graph": "g1"})
	require.True(t, ok)
	assert.Equal(t, []byte(`[0.5]`), v)

	// Cache entries live under their own prefix and do not show up as
	// application keys.
	conn, ok, err := c.Pools.Acquire(ctx, "kv")
	require.NoError(t, err)
	require.True(t, ok)
	defer c.Pools.Release("kv", conn.ID)

	p, err := c.Pools.Pool("kv")
	require.NoError(t, err)
	res, err := p.Backend().Execute(ctx, conn.Handle, backends.Command{Op: backends.OpGet, Key: []byte("pagerank")})
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestUnbuildablePoolIsSkipped(t *testing.T) {
	cfg := testConfig(t)

	// A regular file where badger wants a directory.
	blocker := filepath.Join(t.TempDir(), "kv")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg.Pools[0].KeyValue = &config.KeyValueConfig{Path: blocker}

	c := newCore(t, cfg)

	assert.Equal(t, []string{"sql"}, c.Pools.PoolIDs())
	assert.Contains(t, c.Skipped(), "kv")
	assert.Equal(t, cache.ModeLocal, c.Cache.Mode())

	h := c.Health(context.Background())
	assert.False(t, h.Healthy())
	assert.Contains(t, h.Skipped, "kv")

	// The remaining pools still coordinate.
	res, err := c.ProbeTransaction(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"sql"}, res.Committed)
}

func TestUnreachableGraphDegradesHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pools = append(cfg.Pools, config.PoolConfig{
		Name:    "graph",
		Backend: config.BackendGraph,
		MinSize: 1,
		MaxSize: 2,
		Graph:   &config.GraphConfig{URL: "http://127.0.0.1:1", ReadyTimeout: 200 * time.Millisecond},
	})

	c := newCore(t, cfg)
	assert.Equal(t, []string{"kv", "sql", "graph"}, c.Pools.PoolIDs())

	h := c.Health(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Contains(t, h.Problems, "pool graph has no open connections")
}

func TestValidatePerformance(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.Requirements = map[string]monitor.Requirements{
		"dispatch.probe": {MaxAvgDuration: 5 * time.Second, MinSuccessRate: 1},
	}
	c := newCore(t, cfg)
	ctx := context.Background()

	tasks := make([]dispatch.Task, 12)
	for i := range tasks {
		tasks[i] = dispatch.Task{Name: "probe", Class: dispatch.ClassIO, Fn: func(context.Context) (any, error) {
			time.Sleep(time.Millisecond)
			return nil, nil
		}}
	}
	for _, r := range c.Dispatcher.SubmitBatch(ctx, tasks) {
		require.NoError(t, r.Err)
	}

	v, err := c.ValidatePerformance(ctx, "dispatch.probe")
	require.NoError(t, err)
	assert.Equal(t, monitor.VerdictPass, v.Verdict)

	// The baseline was persisted to the journal.
	b, err := c.Journal.GetBaseline(ctx, "dispatch.probe")
	require.NoError(t, err)
	assert.Equal(t, 12, b.SampleCount)

	c.SetRequirements(map[string]monitor.Requirements{
		"dispatch.probe": {MaxAvgDuration: time.Nanosecond},
	})
	v, err = c.ValidatePerformance(ctx, "dispatch.probe")
	require.NoError(t, err)
	assert.Equal(t, monitor.VerdictFail, v.Verdict)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Empty(t, c.Pools.PoolIDs())

	_, err = c.Dispatcher.Submit(context.Background(), dispatch.Task{Name: "late", Fn: func(context.Context) (any, error) { return nil, nil }})
	assert.Error(t, err)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, nil)
	assert.Error(t, err)
}
