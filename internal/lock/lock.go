// Package lock serializes mutations per work item with a bounded wait.
package lock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"boardline/internal/logging"
	"boardline/internal/metrics"
)

// ErrBusy is returned when an item lock could not be acquired within the wait bound.
var ErrBusy = errors.New("item busy")

// DefaultWait bounds how long a writer waits for an item lock.
const DefaultWait = 300 * time.Millisecond

// Locker grants exclusive ownership of a key. Acquire blocks until the key is held or
// ctx is done; the returned release func must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Controller wraps a Locker with the bounded wait and Busy semantics.
type Controller struct {
	Locker Locker
	Wait   time.Duration
	Log    *logging.Logger
}

func NewController(l Locker, wait time.Duration, log *logging.Logger) *Controller {
	if wait <= 0 {
		wait = DefaultWait
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Controller{Locker: l, Wait: wait, Log: log}
}

// Do runs fn while holding the lock for key. If the caller's ctx ends before the lock is
// acquired its error is returned and fn never runs; if the wait bound elapses first, ErrBusy.
func (c *Controller) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, c.Wait)
	release, err := c.Locker.Acquire(waitCtx, key)
	cancel()
	metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.LockBusyTotal.Inc()
			c.Log.Debug(ctx, "item lock busy", zap.String("key", key), zap.Duration("wait", c.Wait))
			return ErrBusy
		}
		return err
	}
	defer release()
	return fn(ctx)
}
