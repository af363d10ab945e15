package core

import (
	"context"
	"time"

	"github.com/openfroyo/analytics-core/pkg/cache"
	"github.com/openfroyo/analytics-core/pkg/dispatch"
	"github.com/openfroyo/analytics-core/pkg/pool"
)

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// JournalHealth reports the journal database.
type JournalHealth struct {
	Enabled bool   `json:"enabled"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Health is a point-in-time view of the whole service.
type Health struct {
	Status   string                `json:"status"`
	Problems []string              `json:"problems,omitempty"`
	Pools    []pool.PoolStats      `json:"pools"`
	Skipped  map[string]string     `json:"skipped,omitempty"`
	Dispatch dispatch.HealthReport `json:"dispatch"`
	Cache    cache.Stats           `json:"cache"`
	Journal  JournalHealth         `json:"journal"`
	Took     time.Duration         `json:"took"`
}

// Healthy reports whether no problem was found.
func (h Health) Healthy() bool { return h.Status == StatusHealthy }

// Health probes every component. A pool that could not open any of its
// eager connections, a skipped pool, a dispatcher pool that does not answer,
// a downgraded cache or an unreachable journal make the service degraded.
func (c *Core) Health(ctx context.Context) Health {
	start := time.Now()
	h := Health{
		Status:   StatusHealthy,
		Pools:    c.Pools.AllStats(),
		Dispatch: c.Dispatcher.HealthCheck(ctx),
		Cache:    c.Cache.Stats(),
	}

	for _, ps := range h.Pools {
		if ps.MinSize > 0 && ps.Open == 0 {
			h.Problems = append(h.Problems, "pool "+ps.ID+" has no open connections")
		}
	}
	for name, err := range c.Skipped() {
		if h.Skipped == nil {
			h.Skipped = make(map[string]string)
		}
		h.Skipped[name] = err.Error()
		h.Problems = append(h.Problems, "pool "+name+" was not set up")
	}
	if !h.Dispatch.Healthy() {
		h.Problems = append(h.Problems, "dispatcher is "+h.Dispatch.Status)
	}
	if h.Cache.Downgraded {
		h.Problems = append(h.Problems, "cache downgraded to local mode")
	}

	if c.Journal != nil {
		h.Journal.Enabled = true
		if err := c.Journal.HealthCheck(ctx); err != nil {
			h.Journal.Error = err.Error()
			h.Problems = append(h.Problems, "journal unreachable")
		} else {
			h.Journal.OK = true
		}
	}

	if len(h.Problems) > 0 {
		h.Status = StatusDegraded
	}
	h.Took = time.Since(start)
	return h
}
