package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCoreErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("begin: %w", NewConnectionUnavailable("graph"))

	if !errors.Is(err, ErrConnectionUnavailable) {
		t.Fatal("expected wrapped error to match ErrConnectionUnavailable")
	}
	if errors.Is(err, ErrBackendOperationFailed) {
		t.Fatal("did not expect match against a different kind")
	}
	if !IsConnectionUnavailable(err) {
		t.Fatal("IsConnectionUnavailable returned false")
	}
}

func TestCoreErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *CoreError
		want []string
	}{
		{
			name: "resource and op",
			err:  NewBackendError("commit", "sql", errors.New("disk full")),
			want: []string{"backend_operation_failed", "resource=sql", "op=commit", "disk full"},
		},
		{
			name: "resource only",
			err:  NewNotFound("pool", "kv"),
			want: []string{"pool not found", "resource=kv"},
		},
		{
			name: "no context",
			err:  NewInvalidArgument("max size must be positive"),
			want: []string{"invalid_argument", "max size must be positive"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, w := range tt.want {
				if !strings.Contains(msg, w) {
					t.Errorf("expected %q in %q", w, msg)
				}
			}
		})
	}
}

func TestPartialCommitError(t *testing.T) {
	cause := errors.New("constraint violation")
	err := fmt.Errorf("commit: %w", &PartialCommitError{
		TxID:        "tx-1",
		FailedPool:  "sql",
		FailedIndex: 2,
		Committed:   []string{"graph", "kv"},
		Err:         cause,
	})

	if !IsPartialCommit(err) {
		t.Fatal("expected IsPartialCommit")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if IsRetryable(err) {
		t.Fatal("partial commits must never be retryable")
	}
	if KindOf(err) != "partial_commit" {
		t.Errorf("unexpected kind %q", KindOf(err))
	}

	var pc *PartialCommitError
	if !errors.As(err, &pc) {
		t.Fatal("errors.As failed")
	}
	if pc.FailedPool != "sql" || len(pc.Committed) != 2 {
		t.Errorf("unexpected partial commit details: %+v", pc)
	}
}

func TestTaskExecutionError(t *testing.T) {
	cause := errors.New("boom")
	err := &TaskExecutionError{Task: "pagerank", Class: "cpu", Err: cause}

	if !errors.Is(err, ErrTaskExecution) {
		t.Error("expected match against ErrTaskExecution")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
	if !strings.Contains(err.Error(), "pagerank") {
		t.Errorf("expected task name in %q", err.Error())
	}

	panicked := &TaskExecutionError{Task: "x", Class: "io", Panicked: true, Err: errors.New("nil map")}
	if !strings.Contains(panicked.Error(), "panicked") {
		t.Errorf("expected panic wording in %q", panicked.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewConnectionUnavailable("p")) {
		t.Error("pool exhaustion should be retryable")
	}
	if IsRetryable(NewNotFound("pool", "p")) {
		t.Error("not found should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not classified")
	}
}

func TestWithDetail(t *testing.T) {
	err := NewBaselineInsufficientData("pool", 3, 10)
	if err.Details["have"] != 3 || err.Details["need"] != 10 {
		t.Errorf("unexpected details: %v", err.Details)
	}
	if !errors.Is(err, ErrBaselineInsufficientData) {
		t.Error("expected baseline sentinel match")
	}
}
