// Package backendtest provides a scriptable in-memory Backend for tests of the
// components built on top of backends.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/analytics-core/pkg/backends"
)

// Events is an ordered, concurrency-safe log shared between fakes so tests can
// assert cross-backend ordering.
type Events struct {
	mu   sync.Mutex
	list []string
}

// Add appends an event.
func (e *Events) Add(ev string) {
	e.mu.Lock()
	e.list = append(e.list, ev)
	e.mu.Unlock()
}

// List returns a copy of the events so far.
func (e *Events) List() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

// Handle is the handle type the fake hands out.
type Handle struct {
	ID     int
	closed bool
}

// Fake is a Backend whose failures are set by the test.
type Fake struct {
	Name   string
	Events *Events

	kind backends.Kind
	mode backends.TxMode

	mu          sync.Mutex
	nextID      int
	live        map[int]*Handle
	opens       int
	closes      int
	openErr     error
	failOpens   int
	closeErr    error
	beginErr    error
	commitErr   error
	abortErr    error
	execErr     error
	shutdown    bool
	committed   []string
	aborted     int
	executed    []backends.Command
	openHook    func()
}

// New returns a fake of the given kind and transaction mode.
func New(name string, kind backends.Kind, mode backends.TxMode) *Fake {
	return &Fake{
		Name:   name,
		Events: &Events{},
		kind:   kind,
		mode:   mode,
		live:   make(map[int]*Handle),
	}
}

// FailOpen makes every Open fail with err until cleared with nil.
func (f *Fake) FailOpen(err error) {
	f.mu.Lock()
	f.openErr = err
	f.failOpens = -1
	f.mu.Unlock()
}

// FailNextOpens makes the next n Opens fail.
func (f *Fake) FailNextOpens(n int) {
	f.mu.Lock()
	f.openErr = errors.New("scripted open failure")
	f.failOpens = n
	f.mu.Unlock()
}

// FailClose makes every Close fail with err.
func (f *Fake) FailClose(err error) { f.set(&f.closeErr, err) }

// FailBegin makes every Begin fail with err.
func (f *Fake) FailBegin(err error) { f.set(&f.beginErr, err) }

// FailCommit makes every Commit fail with err.
func (f *Fake) FailCommit(err error) { f.set(&f.commitErr, err) }

// FailAbort makes every Abort fail with err.
func (f *Fake) FailAbort(err error) { f.set(&f.abortErr, err) }

// FailExecute makes every Execute fail with err.
func (f *Fake) FailExecute(err error) { f.set(&f.execErr, err) }

// OnOpen registers a hook run inside Open, outside the fake's lock.
func (f *Fake) OnOpen(fn func()) {
	f.mu.Lock()
	f.openHook = fn
	f.mu.Unlock()
}

func (f *Fake) set(dst *error, err error) {
	f.mu.Lock()
	*dst = err
	f.mu.Unlock()
}

// Opens is the number of successful Opens.
func (f *Fake) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Closes is the number of Close calls, failed or not.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Live is the number of handles opened and not yet closed.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// IsShutdown reports whether Shutdown was called.
func (f *Fake) IsShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

// Committed returns the keys of commands applied by committed transactions.
func (f *Fake) Committed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.committed...)
}

// Aborts is the number of aborted transactions.
func (f *Fake) Aborts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

// Executed returns every command run through Execute or a Tx.
func (f *Fake) Executed() []backends.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backends.Command(nil), f.executed...)
}

func (f *Fake) Kind() backends.Kind     { return f.kind }
func (f *Fake) TxMode() backends.TxMode { return f.mode }

func (f *Fake) Open(ctx context.Context) (backends.Handle, error) {
	f.mu.Lock()
	hook := f.openHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.openErr != nil && f.failOpens != 0 {
		if f.failOpens > 0 {
			f.failOpens--
		}
		return nil, f.openErr
	}
	f.nextID++
	h := &Handle{ID: f.nextID}
	f.live[h.ID] = h
	f.opens++
	return h, nil
}

func (f *Fake) Close(_ context.Context, h backends.Handle) error {
	fh, ok := h.(*Handle)
	if !ok {
		return fmt.Errorf("unexpected handle %T", h)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closeErr != nil {
		return f.closeErr
	}
	fh.closed = true
	delete(f.live, fh.ID)
	return nil
}

func (f *Fake) Execute(_ context.Context, h backends.Handle, cmd backends.Command) (backends.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return backends.Result{}, f.execErr
	}
	f.executed = append(f.executed, cmd)
	if f.mode == backends.TxNone && len(cmd.Key) > 0 {
		f.committed = append(f.committed, string(cmd.Key))
	}
	return backends.Result{RowsAffected: 1}, nil
}

func (f *Fake) Begin(_ context.Context, h backends.Handle, _ backends.Isolation) (backends.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.Events.Add(f.Name + ":begin")
	return &fakeTx{f: f, h: h}, nil
}

func (f *Fake) Shutdown(context.Context) error {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
	f.Events.Add(f.Name + ":shutdown")
	return nil
}

type fakeTx struct {
	f       *Fake
	h       backends.Handle
	pending []backends.Command
}

func (t *fakeTx) Execute(ctx context.Context, cmd backends.Command) (backends.Result, error) {
	if t.f.mode == backends.TxNone {
		return t.f.Execute(ctx, t.h, cmd)
	}
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.f.execErr != nil {
		return backends.Result{}, t.f.execErr
	}
	t.f.executed = append(t.f.executed, cmd)
	t.pending = append(t.pending, cmd)
	return backends.Result{}, nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.f.commitErr != nil {
		t.f.Events.Add(t.f.Name + ":commit_failed")
		return t.f.commitErr
	}
	for _, c := range t.pending {
		t.f.committed = append(t.f.committed, string(c.Key))
	}
	t.pending = nil
	t.f.Events.Add(t.f.Name + ":commit")
	return nil
}

func (t *fakeTx) Abort(context.Context) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	t.pending = nil
	t.f.aborted++
	t.f.Events.Add(t.f.Name + ":abort")
	return t.f.abortErr
}
