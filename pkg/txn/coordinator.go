// Package txn coordinates best-effort transactions that span every pool of
// the service.
//
// There is no two-phase commit. Commit walks the pools in setup order and
// commits each backend in turn; a failure after at least one backend has
// committed is reported as an *errdefs.PartialCommitError and never hidden.
// Backends that cannot roll back rely on the compensation hooks registered on
// the Context.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/analytics-core/pkg/backends"
	"github.com/openfroyo/analytics-core/pkg/errdefs"
	"github.com/openfroyo/analytics-core/pkg/pool"
	"github.com/openfroyo/analytics-core/pkg/telemetry"
)

// Pools is the part of the pool manager the coordinator needs.
type Pools interface {
	PoolIDs() []string
	Pool(poolID string) (*pool.Pool, error)
	Acquire(ctx context.Context, poolID string) (*pool.Connection, bool, error)
	Release(poolID, connID string) error
}

// Observer receives the duration and outcome of transaction phases.
type Observer interface {
	Observe(name string, d time.Duration, success bool)
}

// Record is the journal entry written when a context reaches a terminal state.
type Record struct {
	ID         string
	State      State
	Isolation  string
	Pools      []string
	Committed  []string
	FailedPool string
	Error      string
	StartedAt  time.Time
	EndedAt    time.Time
}

// Journal persists terminal transaction states.
type Journal interface {
	RecordTransaction(ctx context.Context, rec Record) error
}

// Options configures a Coordinator. Every field is optional.
type Options struct {
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	Observer Observer
	Journal  Journal

	// DefaultTimeout applies when Begin is called with a zero timeout. Zero
	// means no timeout.
	DefaultTimeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Coordinator begins, commits and rolls back transaction contexts.
type Coordinator struct {
	pools          Pools
	logger         *telemetry.Logger
	metrics        *telemetry.Metrics
	tracer         *telemetry.Tracer
	observer       Observer
	journal        Journal
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewCoordinator creates a coordinator over pools.
func NewCoordinator(pools Pools, opts Options) *Coordinator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		pools:          pools,
		logger:         telemetry.OrNop(opts.Logger).NewComponentLogger("txn"),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		observer:       opts.Observer,
		journal:        opts.Journal,
		defaultTimeout: opts.DefaultTimeout,
		now:            now,
	}
}

// Begin leases one connection from every pool, in setup order, and starts a
// transaction on each. If any pool is exhausted everything leased so far is
// released and an ErrConnectionUnavailable naming that pool is returned.
func (c *Coordinator) Begin(ctx context.Context, isolation backends.Isolation, timeout time.Duration) (*Context, error) {
	start := c.now()
	if timeout == 0 {
		timeout = c.defaultTimeout
	}

	tc := &Context{
		ID:        uuid.NewString(),
		Isolation: isolation,
		StartedAt: start,
		Timeout:   timeout,
		coord:     c,
		state:     StateInit,
	}
	logger := c.logger.WithTxID(tc.ID)

	for _, poolID := range c.pools.PoolIDs() {
		l, err := c.leaseOne(ctx, tc, poolID)
		if err != nil {
			c.abortAll(ctx, tc.leases)
			c.releaseAll(tc, tc.leases)
			c.observe("txn.begin", start, false)
			c.metrics.RecordError("txn", string(errdefs.KindOf(err)))
			logger.WithError(err).WithField("pool_id", poolID).Debug("begin failed, leases released")
			return nil, err
		}
		tc.leases = append(tc.leases, l)
	}

	_, tc.span = c.tracer.StartTxSpan(ctx, tc.ID, string(isolation))
	tc.state = StateActive
	c.observe("txn.begin", start, true)
	logger.WithFields(map[string]interface{}{
		"pools":     len(tc.leases),
		"isolation": string(isolation),
		"timeout":   timeout.String(),
	}).Debug("transaction started")
	return tc, nil
}

func (c *Coordinator) leaseOne(ctx context.Context, tc *Context, poolID string) (*lease, error) {
	p, err := c.pools.Pool(poolID)
	if err != nil {
		return nil, err
	}
	conn, ok, err := c.pools.Acquire(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.NewConnectionUnavailable(poolID).WithOp("begin")
	}

	tx, err := p.Backend().Begin(ctx, conn.Handle, tc.Isolation)
	if err != nil {
		_ = c.pools.Release(poolID, conn.ID)
		return nil, errdefs.NewBackendError("begin", poolID, err)
	}
	return &lease{poolID: poolID, conn: conn, backend: p.Backend(), tx: tx}, nil
}

// Commit commits every backend in setup order. See the package documentation
// for the failure contract. All connections are released whatever happens.
func (c *Coordinator) Commit(ctx context.Context, tc *Context) error {
	tc.mu.Lock()
	plan, err := tc.touchLocked()
	if err != nil {
		tc.mu.Unlock()
		return err
	}
	if plan != nil {
		tc.mu.Unlock()
		return c.expire(ctx, tc, plan)
	}
	plan = tc.transitionLocked(StateCommitting)
	tc.mu.Unlock()

	start := c.now()
	logger := c.logger.WithTxID(tc.ID)

	var (
		committed []string
		failedIdx = -1
		cause     error
	)
	for i, l := range plan.leases {
		if err := l.tx.Commit(ctx); err != nil {
			failedIdx, cause = i, err
			break
		}
		committed = append(committed, l.poolID)
	}

	if failedIdx < 0 {
		tc.setState(StateCommitted)
		c.releaseAll(tc, plan.leases)
		c.finish(ctx, tc, Record{State: StateCommitted, Committed: committed})
		c.observe("txn.commit", start, true)
		logger.Debug("transaction committed")
		return nil
	}

	failed := plan.leases[failedIdx]
	var aborted []string
	var abortErrs []error
	for _, l := range plan.leases[failedIdx+1:] {
		if err := l.tx.Abort(ctx); err != nil {
			abortErrs = append(abortErrs, fmt.Errorf("abort %s: %w", l.poolID, err))
		}
		aborted = append(aborted, l.poolID)
	}
	compErr := errors.Join(append(abortErrs, c.compensate(ctx, tc.ID, plan.compensations)...)...)

	tc.setState(StateCommitFailed)
	c.releaseAll(tc, plan.leases)

	if len(committed) == 0 {
		be := errdefs.NewBackendError("commit", failed.poolID, cause)
		if compErr != nil {
			be = be.WithDetail("compensation_error", compErr.Error())
		}
		err = be
	} else {
		err = &errdefs.PartialCommitError{
			TxID:            tc.ID,
			FailedPool:      failed.poolID,
			FailedIndex:     failedIdx,
			Committed:       committed,
			Aborted:         aborted,
			CompensationErr: compErr,
			Err:             cause,
		}
		logger.WithError(err).WithField("committed", committed).Error("partial commit, backends diverged")
	}

	c.finish(ctx, tc, Record{State: StateCommitFailed, Committed: committed, FailedPool: failed.poolID, Error: err.Error()})
	c.observe("txn.commit", start, false)
	c.metrics.RecordError("txn", string(errdefs.KindOf(err)))
	return err
}

// Rollback aborts every backend, then runs every compensation hook in reverse
// registration order, then releases all connections. Failures along the way
// are joined into the returned error and never stop the sequence.
func (c *Coordinator) Rollback(ctx context.Context, tc *Context) error {
	tc.mu.Lock()
	if tc.state != StateActive {
		defer tc.mu.Unlock()
		return errdefs.NewTransactionClosed(tc.ID, string(tc.state))
	}
	plan := tc.transitionLocked(StateAborting)
	tc.mu.Unlock()

	return c.rollback(ctx, tc, plan, "requested")
}

// expire rolls back a context whose timeout passed on its last touch.
func (c *Coordinator) expire(ctx context.Context, tc *Context, plan *unwindPlan) error {
	return errdefs.NewTransactionTimeout(tc.ID, c.rollback(ctx, tc, plan, "timeout"))
}

// rollback runs with tc already ABORTING and tc.mu released.
func (c *Coordinator) rollback(ctx context.Context, tc *Context, plan *unwindPlan, reason string) error {
	start := c.now()

	var errs []error
	for _, l := range plan.leases {
		if err := l.tx.Abort(ctx); err != nil {
			errs = append(errs, fmt.Errorf("abort %s: %w", l.poolID, err))
		}
	}
	errs = append(errs, c.compensate(ctx, tc.ID, plan.compensations)...)

	tc.setState(StateAborted)
	c.releaseAll(tc, plan.leases)

	err := errors.Join(errs...)
	rec := Record{State: StateAborted}
	if err != nil {
		rec.Error = err.Error()
	}
	c.finish(ctx, tc, rec)
	c.observe("txn.rollback", start, err == nil)
	c.logger.WithTxID(tc.ID).WithField("reason", reason).Debug("transaction rolled back")
	return err
}

// compensate runs the hooks in reverse order. A panicking hook is reported as
// an error and the remaining hooks still run.
func (c *Coordinator) compensate(ctx context.Context, txID string, comps []compensation) []error {
	var errs []error
	for i := len(comps) - 1; i >= 0; i-- {
		comp := comps[i]
		if err := runCompensation(ctx, comp); err != nil {
			errs = append(errs, fmt.Errorf("compensation %s: %w", comp.name, err))
			c.logger.WithTxID(txID).WithError(err).WithField("compensation", comp.name).Warn("compensation failed")
		}
	}
	return errs
}

func runCompensation(ctx context.Context, comp compensation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return comp.fn(ctx)
}

func (c *Coordinator) abortAll(ctx context.Context, leases []*lease) {
	for _, l := range leases {
		_ = l.tx.Abort(ctx)
	}
}

func (c *Coordinator) releaseAll(tc *Context, leases []*lease) {
	for _, l := range leases {
		if err := c.pools.Release(l.poolID, l.conn.ID); err != nil {
			// The pool was cleaned up underneath us; nothing left to return.
			c.logger.WithTxID(tc.ID).WithError(err).WithField("pool_id", l.poolID).Debug("release skipped")
		}
	}
}

// finish records the terminal state rec.State to metrics, tracing and the
// journal. The context's leases are fixed once Begin returns.
func (c *Coordinator) finish(ctx context.Context, tc *Context, rec Record) {
	ended := c.now()
	c.metrics.RecordTransaction(string(rec.State), ended.Sub(tc.StartedAt))

	if tc.span != nil {
		tc.span.SetAttributes(telemetry.AttrTxState.String(string(rec.State)))
		if rec.Error != "" {
			telemetry.RecordError(tc.span, errors.New(rec.Error))
		} else {
			telemetry.RecordSuccess(tc.span)
		}
		tc.span.End()
	}

	if c.journal == nil {
		return
	}
	rec.ID = tc.ID
	rec.Isolation = string(tc.Isolation)
	rec.StartedAt = tc.StartedAt
	rec.EndedAt = ended
	for _, l := range tc.leases {
		rec.Pools = append(rec.Pools, l.poolID)
	}
	if err := c.journal.RecordTransaction(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.WithTxID(tc.ID).WithError(err).Warn("failed to journal transaction")
	}
}

// Run begins a transaction, calls fn and commits when fn returns nil. If fn
// fails the transaction is rolled back. If fn panics the transaction is
// rolled back and the panic is re-raised, so the context always reaches a
// terminal state.
func (c *Coordinator) Run(ctx context.Context, isolation backends.Isolation, timeout time.Duration, fn func(ctx context.Context, tc *Context) error) (err error) {
	tc, err := c.Begin(ctx, isolation, timeout)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = c.Rollback(context.WithoutCancel(ctx), tc)
			panic(r)
		}
	}()

	if fnErr := fn(ctx, tc); fnErr != nil {
		rbErr := c.Rollback(ctx, tc)
		if rbErr != nil && !errors.Is(rbErr, errdefs.ErrTransactionClosed) {
			return errors.Join(fnErr, rbErr)
		}
		return fnErr
	}
	return c.Commit(ctx, tc)
}

func (c *Coordinator) observe(name string, start time.Time, success bool) {
	if c.observer != nil {
		c.observer.Observe(name, c.now().Sub(start), success)
	}
}
