// Package core wires the coordination components into one service context.
//
// The binary builds a Core once from a config and passes it to whatever needs
// pools, transactions, dispatch, caching or monitoring. Nothing in the module
// is a process-wide singleton; Close tears everything down in reverse order.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/analytics-core/pkg/backends"
	"github.com/openfroyo/analytics-core/pkg/cache"
	"github.com/openfroyo/analytics-core/pkg/config"
	"github.com/openfroyo/analytics-core/pkg/dispatch"
	"github.com/openfroyo/analytics-core/pkg/errdefs"
	"github.com/openfroyo/analytics-core/pkg/monitor"
	"github.com/openfroyo/analytics-core/pkg/pool"
	"github.com/openfroyo/analytics-core/pkg/stores"
	"github.com/openfroyo/analytics-core/pkg/telemetry"
	"github.com/openfroyo/analytics-core/pkg/txn"
)

// backendSetupLimit bounds how many backends are opened at once.
const backendSetupLimit = 4

// Core owns every component of the service.
type Core struct {
	Pools      *pool.Manager
	Tx         *txn.Coordinator
	Dispatcher *dispatch.Dispatcher
	Cache      *cache.ResultCache
	Monitor    *monitor.Monitor

	// Journal is nil when the journal is disabled.
	Journal *stores.SQLiteStore

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	strict bool

	mu           sync.RWMutex
	requirements map[string]monitor.Requirements
	skipped      map[string]error

	closeOnce sync.Once
	closeErr  error
}

// New builds the service from cfg. Backends are opened concurrently, then
// registered with the pool manager in config order, which is also the commit
// order of transactions. A pool whose backend cannot be built is logged and
// left out. Only a journal that cannot be opened fails New.
func New(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*Core, error) {
	if cfg == nil {
		return nil, errdefs.NewInvalidArgument("config is required")
	}
	if tel == nil {
		tel = telemetry.Nop()
	}

	c := &Core{
		tel:          tel,
		logger:       telemetry.OrNop(tel.Logger).NewComponentLogger("core"),
		strict:       cfg.Cleanup.Strict,
		requirements: cfg.Monitor.Requirements,
		skipped:      make(map[string]error),
	}

	if cfg.Journal.Enabled {
		journal, err := openJournal(ctx, cfg.Journal, c.logger)
		if err != nil {
			return nil, err
		}
		c.Journal = journal
	}

	mopts := monitor.Options{
		Logger:         tel.Logger,
		Exporter:       tel.Metrics,
		TrackMemory:    cfg.Monitor.TrackMemory,
		Window:         cfg.Monitor.Window,
		MinSamples:     cfg.Monitor.MinSamples,
		DegradedFactor: cfg.Monitor.DegradedFactor,
	}
	if c.Journal != nil {
		mopts.Store = c.Journal
	}
	c.Monitor = monitor.New(mopts)

	c.Pools = pool.NewManager(pool.Options{
		Logger:   tel.Logger,
		Metrics:  tel.Metrics,
		Tracer:   tel.Tracer,
		Observer: c.Monitor,
	})

	built := c.buildBackends(ctx, cfg.Pools)
	var remote cache.Store
	for i, pc := range cfg.Pools {
		b := built[i]
		if b == nil {
			continue
		}
		if _, err := c.Pools.SetupPool(ctx, pool.PoolSpec{
			Name:    pc.Name,
			Backend: b,
			MinSize: pc.MinSize,
			MaxSize: pc.MaxSize,
		}); err != nil {
			c.skip(pc.Name, err)
			_ = b.Shutdown(ctx)
			continue
		}
		if pc.Name == cfg.Cache.RemotePool {
			if kv, ok := b.(*backends.KeyValue); ok {
				remote = cache.NewBadgerStore(kv.DB(), cfg.Cache.KeyPrefix)
			}
		}
	}
	if cfg.Cache.RemotePool != "" && remote == nil {
		c.logger.WithField("pool", cfg.Cache.RemotePool).Warn("cache pool unavailable, using local cache")
	}

	topts := txn.Options{
		Logger:         tel.Logger,
		Metrics:        tel.Metrics,
		Tracer:         tel.Tracer,
		Observer:       c.Monitor,
		DefaultTimeout: cfg.Transactions.DefaultTimeout,
	}
	if c.Journal != nil {
		topts.Journal = c.Journal
	}
	c.Tx = txn.NewCoordinator(c.Pools, topts)

	c.Dispatcher = dispatch.New(dispatch.Options{
		Logger:   tel.Logger,
		Metrics:  tel.Metrics,
		Tracer:   tel.Tracer,
		Observer: c.Monitor,
		CPUHeavy: cfg.Dispatch.CPUHeavy,
	})
	if err := c.Dispatcher.Initialize(cfg.Dispatch.MaxIO, cfg.Dispatch.MaxCPU); err != nil {
		c.Pools.CleanupAll(ctx)
		c.closeJournal()
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}

	copts := cache.Options{
		Logger:     tel.Logger,
		Metrics:    tel.Metrics,
		Observer:   c.Monitor,
		DefaultTTL: cfg.Cache.DefaultTTL,
	}
	if remote != nil {
		copts.Remote = remote
	}
	c.Cache = cache.New(ctx, copts)

	c.logger.WithFields(map[string]interface{}{
		"pools":   len(c.Pools.PoolIDs()),
		"skipped": len(c.skipped),
		"cache":   c.Cache.Mode(),
		"journal": c.Journal != nil,
	}).Info("core ready")
	return c, nil
}

func openJournal(ctx context.Context, cfg config.JournalConfig, logger *telemetry.Logger) (*stores.SQLiteStore, error) {
	journal, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}
	if err := journal.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := journal.Migrate(ctx); err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	if cfg.Retention > 0 {
		n, err := journal.PruneTransactions(ctx, time.Now().Add(-cfg.Retention))
		if err != nil {
			logger.WithError(err).Warn("journal prune failed")
		} else if n > 0 {
			logger.WithField("pruned", n).Info("journal pruned")
		}
	}
	return journal, nil
}

// buildBackends opens every configured backend concurrently. The result is
// indexed like pools; a nil entry is a pool that was skipped.
func (c *Core) buildBackends(ctx context.Context, pools []config.PoolConfig) []backends.Backend {
	built := make([]backends.Backend, len(pools))
	errs := make([]error, len(pools))

	var g errgroup.Group
	g.SetLimit(backendSetupLimit)
	for i, pc := range pools {
		g.Go(func() error {
			built[i], errs[i] = newBackend(ctx, pc, c.tel.Logger)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			c.skip(pools[i].Name, err)
		}
	}
	return built
}

func newBackend(ctx context.Context, pc config.PoolConfig, logger *telemetry.Logger) (backends.Backend, error) {
	switch pc.Backend {
	case config.BackendGraph:
		if pc.Graph == nil {
			return nil, errdefs.NewInvalidArgument("graph section is required")
		}
		return backends.NewGraph(backends.GraphConfig{
			URL:          pc.Graph.URL,
			Headers:      pc.Graph.Headers,
			ReadyTimeout: pc.Graph.ReadyTimeout,
		}, logger)
	case config.BackendKeyValue:
		if pc.KeyValue == nil {
			return nil, errdefs.NewInvalidArgument("key_value section is required")
		}
		return backends.NewKeyValue(backends.KeyValueConfig{
			Path:       pc.KeyValue.Path,
			InMemory:   pc.KeyValue.InMemory,
			SyncWrites: pc.KeyValue.SyncWrites,
		}, logger)
	case config.BackendRelational:
		if pc.Relational == nil {
			return nil, errdefs.NewInvalidArgument("relational section is required")
		}
		return backends.NewRelational(ctx, backends.RelationalConfig{
			Path:            pc.Relational.Path,
			BusyTimeout:     pc.Relational.BusyTimeout,
			ConnMaxLifetime: pc.Relational.ConnMaxLifetime,
		}, logger)
	}
	return nil, errdefs.NewInvalidArgument("unknown backend " + pc.Backend)
}

func (c *Core) skip(name string, err error) {
	c.mu.Lock()
	c.skipped[name] = err
	c.mu.Unlock()
	c.tel.Metrics.RecordError("core", string(errdefs.KindOf(err)))
	c.logger.WithError(err).WithField("pool", name).Error("pool setup failed, skipping")
}

// Skipped returns the pools left out at setup and why.
func (c *Core) Skipped() map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]error, len(c.skipped))
	for k, v := range c.skipped {
		out[k] = v
	}
	return out
}

// Logger returns the core's component logger.
func (c *Core) Logger() *telemetry.Logger { return c.logger }

// Telemetry returns the telemetry the core was built with.
func (c *Core) Telemetry() *telemetry.Telemetry { return c.tel }

// SetRequirements replaces the per-component validation thresholds. It is
// the only setting applied on config reload; everything else needs a
// restart.
func (c *Core) SetRequirements(reqs map[string]monitor.Requirements) {
	c.mu.Lock()
	c.requirements = reqs
	c.mu.Unlock()
	c.logger.WithField("components", len(reqs)).Info("requirements updated")
}

// Requirements returns the thresholds configured for component.
func (c *Core) Requirements(component string) (monitor.Requirements, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.requirements[component]
	return r, ok
}

// ValidatePerformance checks component against its configured requirements.
// A component without requirements is only compared with its baseline.
func (c *Core) ValidatePerformance(ctx context.Context, component string) (monitor.Validation, error) {
	req, _ := c.Requirements(component)
	return c.Monitor.ValidateAgainstBaseline(ctx, component, req)
}

// Close shuts the dispatcher down, force-closes every pool and closes the
// journal. Cleanup failures are logged; they are returned only in strict
// mode. Close is idempotent. The telemetry passed to New stays open.
func (c *Core) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error

		if err := c.Dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}

		report := c.Pools.CleanupAll(ctx)
		if c.strict && !report.OK() {
			errs = append(errs, cleanupError(report))
		}

		if err := c.closeJournal(); err != nil {
			errs = append(errs, err)
		}

		c.closeErr = errors.Join(errs...)
		if c.closeErr != nil {
			c.logger.WithError(c.closeErr).Warn("core closed with errors")
		} else {
			c.logger.Info("core closed")
		}
	})
	return c.closeErr
}

func (c *Core) closeJournal() error {
	if c.Journal == nil {
		return nil
	}
	if err := c.Journal.Close(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

func cleanupError(r pool.CleanupReport) error {
	return fmt.Errorf("cleanup: %d of %d connections failed to close: %w",
		r.Failed, r.Closed+r.Failed, errors.Join(r.Errors...))
}
