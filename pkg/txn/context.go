package txn

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/analytics-core/pkg/backends"
	"github.com/openfroyo/analytics-core/pkg/errdefs"
	"github.com/openfroyo/analytics-core/pkg/pool"
)

// State is the lifecycle state of a transaction context.
type State string

const (
	StateInit         State = "INIT"
	StateActive       State = "ACTIVE"
	StateCommitting   State = "COMMITTING"
	StateCommitted    State = "COMMITTED"
	StateCommitFailed State = "COMMIT_FAILED"
	StateAborting     State = "ABORTING"
	StateAborted      State = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateCommitFailed, StateAborted:
		return true
	}
	return false
}

// CompensationFunc undoes the effect of work a backend cannot roll back.
type CompensationFunc func(ctx context.Context) error

type compensation struct {
	name string
	fn   CompensationFunc
}

type lease struct {
	poolID  string
	conn    *pool.Connection
	backend backends.Backend
	tx      backends.Tx
}

// Context is one cross-backend transaction. It holds exactly one leased
// connection per registered pool from Begin until it reaches a terminal
// state.
type Context struct {
	ID        string
	Isolation backends.Isolation
	StartedAt time.Time
	Timeout   time.Duration

	coord *Coordinator
	span  trace.Span

	mu            sync.Mutex
	state         State
	leases        []*lease
	compensations []compensation
}

// State returns the current state.
func (tc *Context) State() State {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.state
}

// Pools returns the pool ids the context holds connections on, in commit
// order.
func (tc *Context) Pools() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	ids := make([]string, len(tc.leases))
	for i, l := range tc.leases {
		ids[i] = l.poolID
	}
	return ids
}

// TxMode reports the transaction capability of the backend behind poolID.
func (tc *Context) TxMode(poolID string) (backends.TxMode, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	l := tc.lease(poolID)
	if l == nil {
		return backends.TxNone, errdefs.NewNotFound("pool", poolID)
	}
	return l.backend.TxMode(), nil
}

// AddCompensation appends a hook that runs, in reverse registration order, if
// the transaction rolls back or its commit fails.
func (tc *Context) AddCompensation(name string, fn CompensationFunc) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != StateActive {
		return errdefs.NewTransactionClosed(tc.ID, string(tc.state))
	}
	tc.compensations = append(tc.compensations, compensation{name: name, fn: fn})
	return nil
}

// Execute runs cmd inside the transaction on poolID. An expired context is
// rolled back here and ErrTransactionTimeout is returned.
func (tc *Context) Execute(ctx context.Context, poolID string, cmd backends.Command) (backends.Result, error) {
	tc.mu.Lock()
	plan, err := tc.touchLocked()
	if err != nil {
		tc.mu.Unlock()
		return backends.Result{}, err
	}
	if plan != nil {
		tc.mu.Unlock()
		return backends.Result{}, tc.coord.expire(ctx, tc, plan)
	}
	defer tc.mu.Unlock()

	l := tc.lease(poolID)
	if l == nil {
		return backends.Result{}, errdefs.NewNotFound("pool", poolID)
	}

	res, err := l.tx.Execute(ctx, cmd)
	if err != nil {
		return backends.Result{}, errdefs.NewBackendError(string(cmd.Op), poolID, err)
	}
	return res, nil
}

// lease must be called with tc.mu held.
func (tc *Context) lease(poolID string) *lease {
	for _, l := range tc.leases {
		if l.poolID == poolID {
			return l
		}
	}
	return nil
}

func (tc *Context) expired() bool {
	return tc.Timeout > 0 && tc.coord.now().Sub(tc.StartedAt) > tc.Timeout
}

// unwindPlan is what a rollback or a failed commit works through once tc.mu
// has been released. Hooks may call back into the Context.
type unwindPlan struct {
	leases        []*lease
	compensations []compensation
}

// transitionLocked moves an ACTIVE context to state and snapshots its leases
// and hooks. tc.mu must be held.
func (tc *Context) transitionLocked(state State) *unwindPlan {
	tc.state = state
	return &unwindPlan{
		leases:        tc.leases,
		compensations: slices.Clone(tc.compensations),
	}
}

func (tc *Context) setState(state State) {
	tc.mu.Lock()
	tc.state = state
	tc.mu.Unlock()
}

// touchLocked enforces the state machine and the cooperative timeout. It must
// be called with tc.mu held. An expired context is moved to ABORTING and the
// returned plan must be rolled back after tc.mu is released.
func (tc *Context) touchLocked() (*unwindPlan, error) {
	if tc.state != StateActive {
		return nil, errdefs.NewTransactionClosed(tc.ID, string(tc.state))
	}
	if tc.expired() {
		return tc.transitionLocked(StateAborting), nil
	}
	return nil, nil
}
