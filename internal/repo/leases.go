package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"boardline/internal/domain"
)

// TryAcquireLease claims the item lease for owner when it is free or expired.
func (r Repo) TryAcquireLease(ctx context.Context, itemID, ownerID string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO item_locks(item_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(item_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE item_locks.expires_at<=?`,
		itemID, ownerID, formatTime(now), formatTime(now.Add(ttl)), formatTime(now))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseLease drops the lease only if owner still holds it.
func (r Repo) ReleaseLease(ctx context.Context, itemID, ownerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM item_locks WHERE item_id=? AND owner_id=?`, itemID, ownerID)
	return err
}

func (r Repo) GetLease(ctx context.Context, itemID string) (domain.ItemLock, error) {
	var l domain.ItemLock
	var acquired, expires string
	err := r.DB.QueryRowContext(ctx, `SELECT item_id,owner_id,acquired_at,expires_at FROM item_locks WHERE item_id=?`, itemID).
		Scan(&l.ItemID, &l.OwnerID, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.AcquiredAt = parseTime(acquired)
	l.ExpiresAt = parseTime(expires)
	return l, nil
}
