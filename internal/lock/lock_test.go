package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/db"
	"boardline/internal/migrate"
	"boardline/internal/repo"
)

func TestControllerSerializesPerKey(t *testing.T) {
	c := NewController(NewKeyedMutex(), time.Second, nil)
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Do(context.Background(), "item-1", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, c.Locker.(*KeyedMutex).Len())
}

func TestControllerReturnsBusy(t *testing.T) {
	km := NewKeyedMutex()
	c := NewController(km, 20*time.Millisecond, nil)
	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = c.Do(context.Background(), "item-1", func(context.Context) error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held

	ran := false
	err := c.Do(context.Background(), "item-1", func(context.Context) error { ran = true; return nil })
	require.ErrorIs(t, err, ErrBusy)
	assert.False(t, ran)

	// other keys are independent
	require.NoError(t, c.Do(context.Background(), "item-2", func(context.Context) error { return nil }))
	close(hold)
}

func TestControllerCallerCancellation(t *testing.T) {
	c := NewController(NewKeyedMutex(), time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Do(ctx, "item-1", func(context.Context) error { t.Fatal("must not run"); return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestControllerPropagatesFnError(t *testing.T) {
	c := NewController(NewKeyedMutex(), time.Second, nil)
	boom := errors.New("boom")
	require.ErrorIs(t, c.Do(context.Background(), "k", func(context.Context) error { return boom }), boom)
}

func newLeaseRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: filepath.Join(t.TempDir(), "ws")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func TestLeaseLockerExcludesAndReclaims(t *testing.T) {
	r := newLeaseRepo(t)
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	a := NewLeaseLocker(r, 30*time.Second, nil)
	a.Now = func() time.Time { return now }
	b := NewLeaseLocker(r, 30*time.Second, nil)
	b.Now = func() time.Time { return now }

	release, err := a.Acquire(context.Background(), "item-1")
	require.NoError(t, err)

	c := NewController(b, 30*time.Millisecond, nil)
	require.ErrorIs(t, c.Do(context.Background(), "item-1", func(context.Context) error { return nil }), ErrBusy)

	release()
	require.NoError(t, c.Do(context.Background(), "item-1", func(context.Context) error { return nil }))

	// a crashed holder never releases; once its lease expires another instance takes over
	_, err = a.Acquire(context.Background(), "item-1")
	require.NoError(t, err)
	now = now.Add(31 * time.Second)
	release, err = b.Acquire(context.Background(), "item-1")
	require.NoError(t, err)
	lease, err := r.GetLease(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Contains(t, lease.OwnerID, b.Instance)
	release()
}
