// Package errdefs defines the typed error taxonomy shared by every component of
// the coordination core. Expected outcomes (an exhausted pool, a cache miss) are
// returned as values by the components themselves; the errors defined here are
// reserved for genuine faults and for conditions the caller must not ignore.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: pool exhaustion, a backend that is briefly unreachable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unknown pool, invalid pool spec, a closed transaction.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassDivergent indicates that backend state has diverged and needs
	// operator attention. Never retry these automatically.
	ErrorClassDivergent ErrorClass = "divergent"
)

// Kind identifies what went wrong.
type Kind string

const (
	KindConnectionUnavailable    Kind = "connection_unavailable"
	KindBackendOperationFailed   Kind = "backend_operation_failed"
	KindCacheBackendUnavailable  Kind = "cache_backend_unavailable"
	KindTaskExecution            Kind = "task_execution"
	KindBaselineInsufficientData Kind = "baseline_insufficient_data"
	KindTransactionTimeout       Kind = "transaction_timeout"
	KindTransactionClosed        Kind = "transaction_closed"
	KindNotFound                 Kind = "not_found"
	KindInvalidArgument          Kind = "invalid_argument"
	KindShutdown                 Kind = "shutdown"
)

// CoreError represents a classified error with context.
type CoreError struct {
	// Kind is what went wrong.
	Kind Kind `json:"kind"`

	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Resource is the pool, backend or task that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	switch {
	case e.Resource != "" && e.Op != "":
		fmt.Fprintf(&b, " (resource=%s, op=%s)", e.Resource, e.Op)
	case e.Resource != "":
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	case e.Op != "":
		fmt.Fprintf(&b, " (op=%s)", e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a CoreError of the same kind, so that
// errors.Is(err, ErrConnectionUnavailable) works for any instance of that kind.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithResource adds resource context to an error.
func (e *CoreError) WithResource(resource string) *CoreError {
	e.Resource = resource
	return e
}

// WithOp adds operation context to an error.
func (e *CoreError) WithOp(op string) *CoreError {
	e.Op = op
	return e
}

// WithDetail adds a detail field to the error context.
func (e *CoreError) WithDetail(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons. Never return these directly; use the
// constructors so each instance carries its own context.
var (
	ErrConnectionUnavailable    = &CoreError{Kind: KindConnectionUnavailable}
	ErrBackendOperationFailed   = &CoreError{Kind: KindBackendOperationFailed}
	ErrCacheBackendUnavailable  = &CoreError{Kind: KindCacheBackendUnavailable}
	ErrTaskExecution            = &CoreError{Kind: KindTaskExecution}
	ErrBaselineInsufficientData = &CoreError{Kind: KindBaselineInsufficientData}
	ErrTransactionTimeout       = &CoreError{Kind: KindTransactionTimeout}
	ErrTransactionClosed        = &CoreError{Kind: KindTransactionClosed}
	ErrNotFound                 = &CoreError{Kind: KindNotFound}
	ErrInvalidArgument          = &CoreError{Kind: KindInvalidArgument}
	ErrShutdown                 = &CoreError{Kind: KindShutdown}
)

// NewConnectionUnavailable reports an exhausted pool. It is expected
// backpressure, not a fault.
func NewConnectionUnavailable(poolID string) *CoreError {
	return &CoreError{
		Kind:     KindConnectionUnavailable,
		Class:    ErrorClassTransient,
		Message:  "no connection available",
		Resource: poolID,
	}
}

// NewBackendError wraps a driver-level failure.
func NewBackendError(op, resource string, err error) *CoreError {
	return &CoreError{
		Kind:     KindBackendOperationFailed,
		Class:    ErrorClassTransient,
		Message:  "backend operation failed",
		Op:       op,
		Resource: resource,
		Err:      err,
	}
}

// NewCacheBackendUnavailable is raised inside the cache when the remote store
// fails. It never escapes the cache boundary.
func NewCacheBackendUnavailable(op string, err error) *CoreError {
	return &CoreError{
		Kind:    KindCacheBackendUnavailable,
		Class:   ErrorClassTransient,
		Message: "cache backend unavailable",
		Op:      op,
		Err:     err,
	}
}

// NewBaselineInsufficientData reports that a baseline cannot be computed yet.
func NewBaselineInsufficientData(component string, have, need int) *CoreError {
	return (&CoreError{
		Kind:     KindBaselineInsufficientData,
		Class:    ErrorClassTransient,
		Message:  fmt.Sprintf("need at least %d successful samples, have %d", need, have),
		Resource: component,
	}).WithDetail("have", have).WithDetail("need", need)
}

// NewTransactionTimeout reports a context that was force-rolled-back on touch.
func NewTransactionTimeout(txID string, err error) *CoreError {
	return &CoreError{
		Kind:     KindTransactionTimeout,
		Class:    ErrorClassTransient,
		Message:  "transaction exceeded its timeout and was rolled back",
		Resource: txID,
		Err:      err,
	}
}

// NewTransactionClosed reports an operation on a terminal transaction.
func NewTransactionClosed(txID, state string) *CoreError {
	return (&CoreError{
		Kind:     KindTransactionClosed,
		Class:    ErrorClassPermanent,
		Message:  "transaction is no longer active",
		Resource: txID,
	}).WithDetail("state", state)
}

// NewNotFound reports an unknown pool, connection or component.
func NewNotFound(what, id string) *CoreError {
	return &CoreError{
		Kind:     KindNotFound,
		Class:    ErrorClassPermanent,
		Message:  what + " not found",
		Resource: id,
	}
}

// NewInvalidArgument reports a rejected input.
func NewInvalidArgument(message string) *CoreError {
	return &CoreError{
		Kind:    KindInvalidArgument,
		Class:   ErrorClassPermanent,
		Message: message,
	}
}

// NewShutdown reports use of a component after it was shut down.
func NewShutdown(component string) *CoreError {
	return &CoreError{
		Kind:     KindShutdown,
		Class:    ErrorClassPermanent,
		Message:  "component is shut down",
		Resource: component,
	}
}

// TaskExecutionError wraps an error or panic raised inside dispatched work.
type TaskExecutionError struct {
	// Task is the task name, or "anonymous".
	Task string

	// Class is the resource class the task ran on ("cpu" or "io").
	Class string

	// Panicked is true when the task panicked instead of returning an error.
	Panicked bool

	// Err is the error returned by the task, or a description of the panic.
	Err error
}

// Error implements the error interface.
func (e *TaskExecutionError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("[%s] task %s panicked on %s pool: %v", KindTaskExecution, e.Task, e.Class, e.Err)
	}
	return fmt.Sprintf("[%s] task %s failed on %s pool: %v", KindTaskExecution, e.Task, e.Class, e.Err)
}

// Unwrap returns the task's own error.
func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

// Is matches ErrTaskExecution.
func (e *TaskExecutionError) Is(target error) bool {
	t, ok := target.(*CoreError)
	return ok && t.Kind == KindTaskExecution
}

// PartialCommitError reports a cross-backend commit that was only partly
// applied: every pool in Committed has durably committed and cannot be undone,
// FailedPool did not commit, and the remaining pools were aborted.
type PartialCommitError struct {
	// TxID is the transaction context id.
	TxID string

	// FailedPool is the pool whose commit hook failed.
	FailedPool string

	// FailedIndex is the position of FailedPool in registration order.
	FailedIndex int

	// Committed lists the pools that committed before the failure, in order.
	Committed []string

	// Aborted lists the pools after FailedPool that were aborted instead.
	Aborted []string

	// CompensationErr collects failures from compensation hooks, if any.
	CompensationErr error

	// Err is the commit failure of FailedPool.
	Err error
}

// Error implements the error interface.
func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("partial commit in transaction %s: pool %s (index %d) failed after [%s] committed: %v",
		e.TxID, e.FailedPool, e.FailedIndex, strings.Join(e.Committed, ", "), e.Err)
}

// Unwrap returns the failing backend's error.
func (e *PartialCommitError) Unwrap() error {
	return e.Err
}

// IsConnectionUnavailable returns true if the error reports pool exhaustion.
func IsConnectionUnavailable(err error) bool {
	return errors.Is(err, ErrConnectionUnavailable)
}

// IsPartialCommit returns true if err is or wraps a PartialCommitError.
func IsPartialCommit(err error) bool {
	var pc *PartialCommitError
	return errors.As(err, &pc)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *CoreError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsRetryable returns true if the error can be retried. Partial commits are
// never retryable: the backends have already diverged.
func IsRetryable(err error) bool {
	if IsPartialCommit(err) {
		return false
	}
	return IsTransient(err)
}

// KindOf returns the Kind of err, or "" when err is not a core error.
func KindOf(err error) Kind {
	var pc *PartialCommitError
	if errors.As(err, &pc) {
		return "partial_commit"
	}
	var te *TaskExecutionError
	if errors.As(err, &te) {
		return KindTaskExecution
	}
	var e *CoreError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
