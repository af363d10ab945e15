package stores

import (
	"context"
	"time"

	"github.com/openfroyo/analytics-core/pkg/monitor"
	"github.com/openfroyo/analytics-core/pkg/txn"
)

// ListOptions filters and pages ListTransactions.
type ListOptions struct {
	// State keeps only transactions in this terminal state when set.
	State txn.State

	// FailedOnly keeps COMMIT_FAILED transactions and those with an error.
	FailedOnly bool

	Limit  int
	Offset int
}

// DefaultListLimit applies when ListOptions.Limit is zero.
const DefaultListLimit = 100

// StateCount is the number of journaled transactions in one state.
type StateCount struct {
	State txn.State `json:"state"`
	Count int64     `json:"count"`
}

// Journal is the persistence layer of the core: terminal transaction records
// and performance baselines.
type Journal interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction journal
	RecordTransaction(ctx context.Context, rec txn.Record) error
	GetTransaction(ctx context.Context, id string) (txn.Record, error)
	ListTransactions(ctx context.Context, opts ListOptions) ([]txn.Record, error)
	CountTransactions(ctx context.Context) ([]StateCount, error)
	PruneTransactions(ctx context.Context, before time.Time) (int64, error)

	// Baselines
	SaveBaseline(ctx context.Context, b monitor.Baseline) error
	GetBaseline(ctx context.Context, component string) (monitor.Baseline, error)
	ListBaselines(ctx context.Context) ([]monitor.Baseline, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Journal               = (*SQLiteStore)(nil)
	_ txn.Journal           = (*SQLiteStore)(nil)
	_ monitor.BaselineStore = (*SQLiteStore)(nil)
)
