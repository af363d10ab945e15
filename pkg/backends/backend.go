// Package backends defines the capability surface the coordination core needs
// from a storage backend and provides the three concrete variants: a graph
// store (weaviate), a key-value store (badger) and an embedded relational store
// (SQLite).
//
// The pool manager only ever calls Open and Close. The transaction coordinator
// calls Begin on a leased handle and drives the returned Tx; how much of a real
// transaction that Tx provides is reported up front by TxMode.
//
// Relational transactions take SQLite's write lock at Begin. While one is open,
// a Begin on another handle of the same database waits up to the configured
// busy timeout and then fails, and the coordinator is still holding its leases
// on the pools before it.
package backends

import (
	"context"
	"time"
)

// Kind identifies the family of a backend.
type Kind string

const (
	KindGraph      Kind = "graph"
	KindKeyValue   Kind = "key_value"
	KindRelational Kind = "relational"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindGraph, KindKeyValue, KindRelational:
		return true
	}
	return false
}

// TxMode describes what a backend's Begin actually provides.
type TxMode int

const (
	// TxNone means Begin is a no-op: commands apply immediately and Abort
	// cannot undo them. Compensation hooks are the only recovery.
	TxNone TxMode = iota

	// TxBuffered means commands are queued client side and sent as one batch
	// on Commit. Abort discards the batch.
	TxBuffered

	// TxNative means the backend runs a real transaction.
	TxNative
)

func (m TxMode) String() string {
	switch m {
	case TxNone:
		return "none"
	case TxBuffered:
		return "buffered"
	case TxNative:
		return "native"
	default:
		return "unknown"
	}
}

// Isolation is the requested isolation level. It is advisory: backends that
// cannot honour it run at their default level.
type Isolation string

const (
	IsolationDefault        Isolation = ""
	IsolationReadCommitted  Isolation = "read_committed"
	IsolationRepeatableRead Isolation = "repeatable_read"
	IsolationSerializable   Isolation = "serializable"
)

// Op is the operation a Command performs.
type Op string

const (
	// OpQuery runs a read statement (SQL or GraphQL) and returns rows.
	OpQuery Op = "query"
	// OpExec runs a write statement and returns the affected row count.
	OpExec Op = "exec"
	// OpGet reads one key.
	OpGet Op = "get"
	// OpPut writes one key, or creates one graph object.
	OpPut Op = "put"
	// OpDelete removes one key or graph object.
	OpDelete Op = "delete"
	// OpPing checks the handle is usable.
	OpPing Op = "ping"
)

// Command is one backend operation. Which fields are read depends on Op and
// on the backend kind.
type Command struct {
	Op Op

	// Text is the SQL statement or GraphQL query.
	Text string
	// Args are positional SQL arguments.
	Args []any

	// Key and Value address the key-value store.
	Key   []byte
	Value []byte
	// TTL is the optional expiry for OpPut on the key-value store.
	TTL time.Duration

	// Class, ID and Properties address a graph object.
	Class      string
	ID         string
	Properties map[string]any
}

// Result is the outcome of a Command.
type Result struct {
	// Rows holds query results keyed by column or field name.
	Rows []map[string]any
	// Value is the value read by OpGet.
	Value []byte
	// Found reports whether OpGet found the key.
	Found bool
	// RowsAffected counts rows or objects written.
	RowsAffected int64
	// Raw carries the backend's own response when it has no row shape.
	Raw any
}

// Handle is an opaque per-connection value produced by Open.
type Handle any

// Backend is the capability set a pool is built on.
type Backend interface {
	// Kind reports the backend family.
	Kind() Kind

	// TxMode reports what Begin provides.
	TxMode() TxMode

	// Open creates a new connection handle.
	Open(ctx context.Context) (Handle, error)

	// Close releases a handle. It must tolerate handles whose transaction was
	// never finished.
	Close(ctx context.Context, h Handle) error

	// Execute runs cmd outside any transaction.
	Execute(ctx context.Context, h Handle, cmd Command) (Result, error)

	// Begin starts a transaction on h.
	Begin(ctx context.Context, h Handle, iso Isolation) (Tx, error)

	// Shutdown releases backend-wide resources once every handle is closed.
	Shutdown(ctx context.Context) error
}

// Tx is a transaction started on a handle.
type Tx interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}
