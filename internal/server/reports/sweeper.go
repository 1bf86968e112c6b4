package reports

import (
	"context"
	"errors"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/lock"
	"github.com/atvirokodosprendimai/knitgrid/internal/store"
)

const sweepLock = "node-health-sweep"

// Sweeper marks nodes disconnected once their heartbeats are older
// than Timeout. Only one server process sweeps at a time.
type Sweeper struct {
	store   *store.Store
	locker  *lock.Locker
	Timeout time.Duration
	now     func() time.Time
}

// NewSweeper returns a Sweeper for nodes silent longer than timeout.
func NewSweeper(s *store.Store, locker *lock.Locker, timeout time.Duration) *Sweeper {
	return &Sweeper{store: s, locker: locker, Timeout: timeout, now: time.Now}
}

// Run sweeps every interval until ctx is done. A non-positive interval
// sweeps once per second.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	logger := ctxlog.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.Sweep(ctx); errors.Is(err, lock.ErrTimedOut) {
			logger.Debug("node sweep is running elsewhere")
		} else if err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("node sweep failed")
		}
	}
}

// Sweep runs one pass and returns how many nodes were disconnected.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	var n int64
	err := s.locker.WithLock(ctx, sweepLock, time.Second, func(ctx context.Context) (err error) {
		n, err = s.store.MarkStaleNodesDisconnected(ctx, s.now().Add(-s.Timeout))
		return err
	})
	if n > 0 {
		ctxlog.FromContext(ctx).WithField("Nodes", n).Warn("marked silent nodes disconnected")
	}
	return n, err
}
