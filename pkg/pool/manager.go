package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/analytics-core/pkg/backends"
	"github.com/openfroyo/analytics-core/pkg/errdefs"
	"github.com/openfroyo/analytics-core/pkg/telemetry"
)

// ErrPoolNotFound matches errors returned for an unknown pool id.
var ErrPoolNotFound = errdefs.ErrNotFound

// Options configures a Manager. Every field is optional.
type Options struct {
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	Observer Observer

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager owns every pool of the service.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
	order []string

	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	observer Observer
	now      func() time.Time
}

// NewManager creates an empty manager.
func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		pools:    make(map[string]*Pool),
		logger:   telemetry.OrNop(opts.Logger).NewComponentLogger("pool"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		observer: opts.Observer,
		now:      now,
	}
}

// Pool is one named pool of connections to a single backend.
type Pool struct {
	id      string
	backend backends.Backend
	min     int
	max     int
	now     func() time.Time

	// mu guards everything below.
	mu       sync.Mutex
	conns    []*Connection
	opening  int
	active   int
	closed   bool
	acquires int64
	misses   int64
}

// ID returns the pool id.
func (p *Pool) ID() string { return p.id }

// Kind returns the backend kind.
func (p *Pool) Kind() backends.Kind { return p.backend.Kind() }

// Backend returns the backend the pool is built on.
func (p *Pool) Backend() backends.Backend { return p.backend }

func validateSpec(spec PoolSpec) error {
	switch {
	case spec.Name == "":
		return errdefs.NewInvalidArgument("pool name is required")
	case spec.Backend == nil:
		return errdefs.NewInvalidArgument("pool backend is required").WithResource(spec.Name)
	case spec.MaxSize < 1:
		return errdefs.NewInvalidArgument("max size must be at least 1").WithResource(spec.Name)
	case spec.MinSize < 0:
		return errdefs.NewInvalidArgument("min size must not be negative").WithResource(spec.Name)
	case spec.MinSize > spec.MaxSize:
		return errdefs.NewInvalidArgument(
			fmt.Sprintf("min size %d exceeds max size %d", spec.MinSize, spec.MaxSize)).WithResource(spec.Name)
	}
	return nil
}

// SetupPool registers a pool and eagerly opens MinSize connections. Individual
// open failures are logged and skipped, so the pool may start smaller than
// MinSize; it grows lazily on demand. Only an invalid spec fails.
func (m *Manager) SetupPool(ctx context.Context, spec PoolSpec) (PoolHandle, error) {
	if err := validateSpec(spec); err != nil {
		return PoolHandle{}, err
	}

	m.mu.Lock()
	if _, exists := m.pools[spec.Name]; exists {
		m.mu.Unlock()
		return PoolHandle{}, errdefs.NewInvalidArgument("pool already exists").WithResource(spec.Name)
	}
	p := &Pool{
		id:      spec.Name,
		backend: spec.Backend,
		min:     spec.MinSize,
		max:     spec.MaxSize,
		now:     m.now,
		opening: spec.MinSize,
	}
	m.pools[spec.Name] = p
	m.order = append(m.order, spec.Name)
	m.mu.Unlock()

	logger := m.logger.WithPool(spec.Name, string(spec.Backend.Kind()))
	handle := PoolHandle{ID: spec.Name, Kind: spec.Backend.Kind()}

	for i := 0; i < spec.MinSize; i++ {
		h, err := spec.Backend.Open(ctx)
		m.metrics.RecordConnectionOpen(spec.Name, err == nil)

		p.mu.Lock()
		p.opening--
		if err != nil {
			p.mu.Unlock()
			handle.Failed++
			logger.WithError(err).WithField("slot", i).Warn("eager connection open failed, skipping")
			continue
		}
		p.conns = append(p.conns, p.newConnection(h))
		p.mu.Unlock()
		handle.Opened++
	}

	m.recordSize(p)
	logger.WithFields(map[string]interface{}{
		"opened":   handle.Opened,
		"failed":   handle.Failed,
		"min_size": spec.MinSize,
		"max_size": spec.MaxSize,
		"tx_mode":  spec.Backend.TxMode().String(),
	}).Info("pool ready")

	return handle, nil
}

func (p *Pool) newConnection(h backends.Handle) *Connection {
	now := p.now()
	return &Connection{
		ID:         uuid.NewString(),
		PoolID:     p.id,
		Handle:     h,
		CreatedAt:  now,
		LastUsedAt: now,
	}
}

// Pool returns the pool with the given id.
func (m *Manager) Pool(poolID string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[poolID]
	if !ok {
		return nil, errdefs.NewNotFound("pool", poolID)
	}
	return p, nil
}

// PoolIDs returns the registered pool ids in setup order.
func (m *Manager) PoolIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Acquire leases the idle connection with the lowest usage count. When none is
// idle and the pool is below MaxSize a new connection is opened; the slot is
// reserved under the pool lock and the backend open runs outside it. When the
// pool is full it returns ok=false immediately. The error is reserved for
// faults: an unknown pool or a failed lazy open.
func (m *Manager) Acquire(ctx context.Context, poolID string) (*Connection, bool, error) {
	start := m.now()
	conn, ok, err := m.acquire(ctx, poolID)
	m.observe("pool.acquire", start, err == nil)

	switch {
	case err != nil:
		m.metrics.RecordAcquire(poolID, "error")
		m.metrics.RecordError("pool", string(errdefs.KindOf(err)))
	case !ok:
		m.metrics.RecordAcquire(poolID, "unavailable")
	default:
		m.metrics.RecordAcquire(poolID, "ok")
	}
	return conn, ok, err
}

func (m *Manager) acquire(ctx context.Context, poolID string) (*Connection, bool, error) {
	p, err := m.Pool(poolID)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, errdefs.NewNotFound("pool", poolID)
	}

	if c := p.leastUsedIdle(); c != nil {
		p.lease(c)
		snapshot := *c
		p.mu.Unlock()
		m.recordSize(p)
		return &snapshot, true, nil
	}

	if len(p.conns)+p.opening >= p.max {
		p.misses++
		p.mu.Unlock()
		return nil, false, nil
	}
	p.opening++
	p.mu.Unlock()

	ctx, span := m.tracer.StartPoolSpan(ctx, poolID, "open")
	h, err := p.backend.Open(ctx)
	telemetry.RecordError(span, err)
	span.End()
	m.metrics.RecordConnectionOpen(poolID, err == nil)

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.mu.Unlock()
		return nil, false, errdefs.NewBackendError("open", poolID, err)
	}
	if p.closed {
		// CleanupAll ran while the open was in flight.
		p.mu.Unlock()
		_ = p.backend.Close(context.WithoutCancel(ctx), h)
		return nil, false, errdefs.NewNotFound("pool", poolID)
	}
	c := p.newConnection(h)
	p.conns = append(p.conns, c)
	p.lease(c)
	snapshot := *c
	p.mu.Unlock()

	m.recordSize(p)
	m.logger.WithPool(poolID, string(p.Kind())).WithField("conn_id", c.ID).Debug("pool grew")
	return &snapshot, true, nil
}

// leastUsedIdle must be called with p.mu held.
func (p *Pool) leastUsedIdle() *Connection {
	var best *Connection
	for _, c := range p.conns {
		if c.InUse {
			continue
		}
		if best == nil || c.UsageCount < best.UsageCount {
			best = c
		}
	}
	return best
}

// lease must be called with p.mu held.
func (p *Pool) lease(c *Connection) {
	c.InUse = true
	c.UsageCount++
	c.LastUsedAt = p.now()
	p.active++
	p.acquires++
}

// Release returns a leased connection to the pool. Releasing an idle or
// unknown connection is a no-op.
func (m *Manager) Release(poolID, connID string) error {
	p, err := m.Pool(poolID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	released := false
	for _, c := range p.conns {
		if c.ID != connID {
			continue
		}
		if c.InUse {
			c.InUse = false
			c.LastUsedAt = p.now()
			if p.active > 0 {
				p.active--
			}
			released = true
		}
		break
	}
	p.mu.Unlock()

	if released {
		m.recordSize(p)
	}
	return nil
}

// Stats returns a snapshot of a pool.
func (m *Manager) Stats(poolID string) (PoolStats, error) {
	p, err := m.Pool(poolID)
	if err != nil {
		return PoolStats{}, err
	}
	return p.stats(), nil
}

// AllStats returns stats for every pool in setup order.
func (m *Manager) AllStats() []PoolStats {
	ids := m.PoolIDs()
	out := make([]PoolStats, 0, len(ids))
	for _, id := range ids {
		if s, err := m.Stats(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func (p *Pool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		ID:       p.id,
		Kind:     p.backend.Kind(),
		TxMode:   p.backend.TxMode().String(),
		MinSize:  p.min,
		MaxSize:  p.max,
		Open:     len(p.conns),
		Active:   p.active,
		Idle:     len(p.conns) - p.active,
		Opening:  p.opening,
		Acquires: p.acquires,
		Misses:   p.misses,
	}
}

// CleanupAll force-closes every connection of every pool, leased or not, then
// shuts each backend down and forgets all pools. Failures are logged and
// counted in the report; the call itself never fails.
func (m *Manager) CleanupAll(ctx context.Context) CleanupReport {
	start := m.now()

	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.order))
	for _, id := range m.order {
		pools = append(pools, m.pools[id])
	}
	m.pools = make(map[string]*Pool)
	m.order = nil
	m.mu.Unlock()

	var report CleanupReport
	for _, p := range pools {
		report.Pools++

		p.mu.Lock()
		p.closed = true
		conns := p.conns
		p.conns = nil
		report.Leased += p.active
		p.active = 0
		p.mu.Unlock()

		logger := m.logger.WithPool(p.id, string(p.Kind()))
		for _, c := range conns {
			if err := closeQuietly(ctx, p.backend, c.Handle); err != nil {
				report.Failed++
				report.Errors = append(report.Errors, fmt.Errorf("pool %s: close connection %s: %w", p.id, c.ID, err))
				logger.WithError(err).WithField("conn_id", c.ID).Warn("connection close failed during cleanup")
				continue
			}
			report.Closed++
		}

		if err := shutdownQuietly(ctx, p.backend); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("pool %s: shutdown backend: %w", p.id, err))
			logger.WithError(err).Warn("backend shutdown failed during cleanup")
		}
		m.metrics.SetPoolSize(p.id, string(p.Kind()), 0, 0)
	}

	m.observe("pool.cleanup", start, report.OK())
	m.logger.WithFields(map[string]interface{}{
		"pools":  report.Pools,
		"closed": report.Closed,
		"failed": report.Failed,
		"leased": report.Leased,
	}).Info("pools cleaned up")
	return report
}

func closeQuietly(ctx context.Context, b backends.Backend, h backends.Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return b.Close(ctx, h)
}

func shutdownQuietly(ctx context.Context, b backends.Backend) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown panicked: %v", r)
		}
	}()
	return b.Shutdown(ctx)
}

func (m *Manager) recordSize(p *Pool) {
	s := p.stats()
	m.metrics.SetPoolSize(s.ID, string(s.Kind), s.Open, s.Active)
}

func (m *Manager) observe(name string, start time.Time, success bool) {
	if m.observer != nil {
		m.observer.Observe(name, m.now().Sub(start), success)
	}
}
