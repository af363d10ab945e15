package core

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/analytics-core/pkg/backends"
	"github.com/openfroyo/analytics-core/pkg/errdefs"
	"github.com/openfroyo/analytics-core/pkg/txn"
)

// ProbeResult is the outcome of ProbeTransaction.
type ProbeResult struct {
	ID        string        `json:"id"`
	State     txn.State     `json:"state"`
	Pools     []string      `json:"pools"`
	Committed []string      `json:"committed,omitempty"`
	Error     string        `json:"error,omitempty"`
	Took      time.Duration `json:"took"`
}

// ProbeTransaction begins a transaction over every pool, pings each leased
// connection and commits. Nothing is written. A partial commit is reported
// in the result as well as returned.
func (c *Core) ProbeTransaction(ctx context.Context, timeout time.Duration) (ProbeResult, error) {
	start := time.Now()
	tc, err := c.Tx.Begin(ctx, backends.IsolationDefault, timeout)
	if err != nil {
		return ProbeResult{State: txn.StateAborted, Error: err.Error(), Took: time.Since(start)}, err
	}
	res := ProbeResult{ID: tc.ID, Pools: tc.Pools()}

	for _, id := range res.Pools {
		if _, err := tc.Execute(ctx, id, backends.Command{Op: backends.OpPing}); err != nil {
			_ = c.Tx.Rollback(ctx, tc)
			res.State = tc.State()
			res.Error = err.Error()
			res.Took = time.Since(start)
			return res, err
		}
	}

	err = c.Tx.Commit(ctx, tc)
	res.State = tc.State()
	res.Took = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		var pc *errdefs.PartialCommitError
		if errors.As(err, &pc) {
			res.Committed = pc.Committed
		}
		return res, err
	}
	res.Committed = res.Pools
	return res, nil
}
