// Package lock implements a cluster-wide named mutex on top of the
// shared database.
//
// Acquisition is an insert-if-absent of a record keyed by name that
// carries a random ownership token. Losers retry on a short fixed
// interval until their timeout elapses. Release deletes the record only
// if the token still matches, so a holder whose lock was taken over can
// never release the new holder's lock.
//
// This is a poll-based mutex for infrequent, low-contention operations
// such as a service state transition or a cluster-wide sweep. Holders
// keep it briefly, so a record older than StaleAfter is taken to belong
// to a process that died while holding it and is taken over.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTimedOut is returned when the lock could not be acquired before
// the timeout elapsed.
var ErrTimedOut = errors.New("timed out waiting for lock")

// RetryInterval is the delay between acquisition attempts.
var RetryInterval = 10 * time.Millisecond

// DefaultStaleAfter is the age after which a lock record is taken
// over.
const DefaultStaleAfter = 10 * time.Minute

// Locker acquires and releases named locks.
type Locker struct {
	db *gorm.DB
	// StaleAfter is the age after which another holder's record is
	// removed by Acquire. Zero disables takeover.
	StaleAfter time.Duration
}

// Handle is proof of ownership of a named lock.
type Handle struct {
	Name   string
	LockID string
}

// New returns a Locker using the given database.
func New(gdb *gorm.DB) *Locker {
	return &Locker{db: gdb, StaleAfter: DefaultStaleAfter}
}

// Acquire waits up to timeout for the named lock. It returns
// ErrTimedOut if another holder kept it the whole time, or ctx.Err() if
// ctx ends first.
func (l *Locker) Acquire(ctx context.Context, name string, timeout time.Duration) (*Handle, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	retry := time.NewTicker(RetryInterval)
	defer retry.Stop()
	for {
		if h := l.tryAcquire(ctx, name); h != nil {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w %q after %s", ErrTimedOut, name, timeout)
		case <-retry.C:
		}
	}
}

// tryAcquire makes one conditional insert, after removing the record
// for name if it is stale. Any store error counts as "not acquired".
func (l *Locker) tryAcquire(ctx context.Context, name string) *Handle {
	if l.StaleAfter > 0 {
		res := l.db.WithContext(ctx).
			Where("name = ? AND created_at < ?", name, time.Now().UTC().Add(-l.StaleAfter)).
			Delete(&db.DistributedLock{})
		if res.Error == nil && res.RowsAffected > 0 {
			ctxlog.FromContext(ctx).WithField("Lock", name).Warn("took over stale lock")
		}
	}
	rec := db.DistributedLock{
		Name:      name,
		LockID:    uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	result := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&rec)
	if result.Error != nil {
		ctxlog.FromContext(ctx).WithError(result.Error).WithField("Lock", name).Debug("lock insert failed")
		return nil
	}
	if result.RowsAffected != 1 {
		return nil
	}
	return &Handle{Name: name, LockID: rec.LockID}
}

// Release deletes the lock record if it is still owned by h. Releasing
// a lock that is no longer owned is a no-op.
func (l *Locker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	err := l.db.WithContext(ctx).
		Where("name = ? AND lock_id = ?", h.Name, h.LockID).
		Delete(&db.DistributedLock{}).Error
	if err != nil {
		return fmt.Errorf("release lock %q: %w", h.Name, err)
	}
	return nil
}

// Held reports whether a record currently exists for name.
func (l *Locker) Held(ctx context.Context, name string) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&db.DistributedLock{}).Where("name = ?", name).Count(&n).Error
	return n > 0, err
}

// WithLock runs fn while holding the named lock and releases it on
// every exit path. If the lock is not acquired within timeout, fn is
// not called and the error wraps ErrTimedOut.
func (l *Locker) WithLock(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	h, err := l.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer func() {
		// The caller's ctx may already be done; release regardless.
		if err := l.Release(context.Background(), h); err != nil {
			ctxlog.FromContext(ctx).WithError(err).WithField("Lock", name).Warn("error releasing lock")
		}
	}()
	return fn(ctx)
}
