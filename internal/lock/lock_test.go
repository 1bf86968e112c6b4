package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := New(db.OpenTestDB(t))
	ctx := context.Background()

	h, err := l.Acquire(ctx, "sweep", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, h.LockID)

	_, err = l.Acquire(ctx, "sweep", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)

	// Other names are independent.
	other, err := l.Acquire(ctx, "other", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, other))

	require.NoError(t, l.Release(ctx, h))
	held, err := l.Held(ctx, "sweep")
	require.NoError(t, err)
	assert.False(t, held)

	h2, err := l.Acquire(ctx, "sweep", 50*time.Millisecond)
	require.NoError(t, err)
	assert.NotEqual(t, h.LockID, h2.LockID)
}

func TestStaleReleaseIsNoop(t *testing.T) {
	gdb := db.OpenTestDB(t)
	l := New(gdb)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "svc", time.Second)
	require.NoError(t, err)

	// Simulate the first holder losing the lock (e.g. an operator
	// clearing it after a crash) and a new holder taking over.
	require.NoError(t, gdb.Where("name = ?", "svc").Delete(&db.DistributedLock{}).Error)
	current, err := l.Acquire(ctx, "svc", time.Second)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, stale))
	held, err := l.Held(ctx, "svc")
	require.NoError(t, err)
	assert.True(t, held, "stale release must not remove the current holder's lock")

	_, err = l.Acquire(ctx, "svc", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)

	require.NoError(t, l.Release(ctx, current))
}

func TestWithLockMutualExclusion(t *testing.T) {
	l := New(db.OpenTestDB(t))
	ctx := context.Background()

	var inside, maxInside, runs int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, "exclusive", 20*time.Second, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&runs, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside)
	assert.EqualValues(t, 8, runs)
}

func TestWithLockTimeoutSkipsBody(t *testing.T) {
	l := New(db.OpenTestDB(t))
	ctx := context.Background()

	h, err := l.Acquire(ctx, "busy", time.Second)
	require.NoError(t, err)
	defer l.Release(ctx, h)

	called := false
	err = l.WithLock(ctx, "busy", 30*time.Millisecond, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.False(t, called)
}

func TestWithLockReleasesOnError(t *testing.T) {
	l := New(db.OpenTestDB(t))
	ctx := context.Background()

	boom := errors.New("boom")
	err := l.WithLock(ctx, "job", time.Second, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		l.WithLock(ctx, "job", time.Second, func(context.Context) error { panic("oops") })
	})

	held, err := l.Held(ctx, "job")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestAcquireContextCanceled(t *testing.T) {
	l := New(db.OpenTestDB(t))
	h, err := l.Acquire(context.Background(), "c", time.Second)
	require.NoError(t, err)
	defer l.Release(context.Background(), h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "c", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStaleLockIsTakenOver(t *testing.T) {
	gdb := db.OpenTestDB(t)
	l := New(gdb)
	ctx := context.Background()

	// A holder that died an hour ago.
	require.NoError(t, gdb.Create(&db.DistributedLock{
		Name: "grid_service/1", LockID: "dead", CreatedAt: time.Now().UTC().Add(-time.Hour),
	}).Error)
	h, err := l.Acquire(ctx, "grid_service/1", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, "dead", h.LockID)

	// The old holder cannot release the new lock.
	require.NoError(t, l.Release(ctx, &Handle{Name: "grid_service/1", LockID: "dead"}))
	held, err := l.Held(ctx, "grid_service/1")
	require.NoError(t, err)
	assert.True(t, held)

	// A fresh record is respected.
	_, err = l.Acquire(ctx, "grid_service/1", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)

	// Takeover can be disabled.
	require.NoError(t, gdb.Create(&db.DistributedLock{
		Name: "node-health-sweep", LockID: "dead", CreatedAt: time.Now().UTC().Add(-time.Hour),
	}).Error)
	l.StaleAfter = 0
	_, err = l.Acquire(ctx, "node-health-sweep", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
}
