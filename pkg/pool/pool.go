// Package pool manages bounded pools of backend connections.
//
// A pool opens MinSize connections at setup and grows lazily up to MaxSize.
// Acquire never blocks: when every connection is leased and the pool is at its
// maximum it reports the pool as unavailable and the caller decides whether to
// retry, queue or shed the work.
package pool

import (
	"time"

	"github.com/openfroyo/analytics-core/pkg/backends"
)

// PoolSpec describes a pool to set up.
type PoolSpec struct {
	// Name is the pool id. It must be unique within a manager.
	Name string

	// Backend opens and closes the pool's connections.
	Backend backends.Backend

	// MinSize connections are opened eagerly at setup.
	MinSize int

	// MaxSize bounds the number of connections, leased or idle.
	MaxSize int
}

// PoolHandle is returned by SetupPool.
type PoolHandle struct {
	ID   string
	Kind backends.Kind

	// Opened is the number of connections opened eagerly.
	Opened int

	// Failed is the number of eager opens that failed and were skipped.
	Failed int
}

// Connection is a snapshot of a pooled connection at the moment it was
// leased. Handle is live and owned by the lease holder until Release.
type Connection struct {
	ID         string
	PoolID     string
	Handle     backends.Handle
	CreatedAt  time.Time
	LastUsedAt time.Time
	UsageCount int64
	InUse      bool
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	ID       string        `json:"id"`
	Kind     backends.Kind `json:"kind"`
	TxMode   string        `json:"tx_mode"`
	MinSize  int           `json:"min_size"`
	MaxSize  int           `json:"max_size"`
	Open     int           `json:"open"`
	Active   int           `json:"active"`
	Idle     int           `json:"idle"`
	Opening  int           `json:"opening"`
	Acquires int64         `json:"acquires"`
	Misses   int64         `json:"misses"`
}

// CleanupReport summarizes CleanupAll.
type CleanupReport struct {
	Pools  int     `json:"pools"`
	Closed int     `json:"closed"`
	Failed int     `json:"failed"`
	Leased int     `json:"leased"`
	Errors []error `json:"-"`
}

// OK reports whether every connection and backend closed cleanly.
func (r CleanupReport) OK() bool {
	return r.Failed == 0 && len(r.Errors) == 0
}

// Observer receives the duration and outcome of pool operations.
type Observer interface {
	Observe(name string, d time.Duration, success bool)
}
