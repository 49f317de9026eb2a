package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boardline/internal/logging"
	"boardline/internal/repo"
)

// LeaseLocker is the shared Locker for multi-replica deployments. Ownership is a row in
// item_locks that expires after TTL, so a crashed holder is reclaimed by the next caller.
type LeaseLocker struct {
	Repo     repo.Repo
	Instance string
	TTL      time.Duration
	Poll     time.Duration
	Now      func() time.Time
	Log      *logging.Logger
}

func NewLeaseLocker(r repo.Repo, ttl time.Duration, log *logging.Logger) *LeaseLocker {
	if log == nil {
		log = logging.NewNop()
	}
	return &LeaseLocker{Repo: r, Instance: uuid.NewString(), TTL: ttl, Poll: 10 * time.Millisecond, Now: time.Now, Log: log}
}

func (l *LeaseLocker) Acquire(ctx context.Context, key string) (func(), error) {
	owner := l.Instance + "/" + uuid.NewString()
	ticker := time.NewTicker(l.Poll)
	defer ticker.Stop()
	for {
		ok, err := l.Repo.TryAcquireLease(ctx, key, owner, l.Now().UTC(), l.TTL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if ok {
			return func() {
				// Release must outlive a cancelled request context.
				if err := l.Repo.ReleaseLease(context.Background(), key, owner); err != nil {
					l.Log.Warn(ctx, "release item lease", zap.String("key", key), zap.Error(err))
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
