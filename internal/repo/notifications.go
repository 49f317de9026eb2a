package repo

import (
	"context"
	"database/sql"
	"time"

	"boardline/internal/domain"
)

const (
	NotificationPending   = "pending"
	NotificationDelivered = "delivered"
	NotificationFailed    = "failed"
)

const notificationColumns = `id,item_id,recipient_id,event_type,payload_json,status,attempts,COALESCE(last_error,''),next_attempt_at,delivered_at,created_at`

// EnqueueNotification writes an outbox row inside the transition transaction.
func (r Repo) EnqueueNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO notifications(item_id,recipient_id,event_type,payload_json,status,attempts,next_attempt_at,created_at) VALUES (?,?,?,?,?,0,?,?)`,
		n.ItemID, n.RecipientID, n.Type, n.Payload, NotificationPending, formatTime(n.NextAttempt), formatTime(n.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetNotification(ctx context.Context, id int64) (domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id)
	if err != nil {
		return domain.Notification{}, err
	}
	list, err := scanNotifications(rows)
	if err != nil {
		return domain.Notification{}, err
	}
	if len(list) == 0 {
		return domain.Notification{}, ErrNotFound
	}
	return list[0], nil
}

// DueNotifications returns pending rows whose next attempt is due.
func (r Repo) DueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE status=? AND next_attempt_at<=? ORDER BY id ASC LIMIT ?`,
		NotificationPending, formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

func (r Repo) ListNotifications(ctx context.Context, itemID string) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE item_id=? ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

func scanNotifications(rows *sql.Rows) ([]domain.Notification, error) {
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var next, created string
		var delivered sql.NullString
		if err := rows.Scan(&n.ID, &n.ItemID, &n.RecipientID, &n.Type, &n.Payload, &n.Status, &n.Attempts, &n.LastError, &next, &delivered, &created); err != nil {
			return nil, err
		}
		n.NextAttempt = parseTime(next)
		n.DeliveredAt = parseNullTime(delivered)
		n.CreatedAt = parseTime(created)
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status=?, attempts=attempts+1, delivered_at=?, last_error=NULL WHERE id=? AND status=?`,
		NotificationDelivered, formatTime(at), id, NotificationPending)
	return err
}

// MarkNotificationAttemptFailed records a failed attempt and either reschedules the row or,
// once maxAttempts is reached, parks it as failed.
func (r Repo) MarkNotificationAttemptFailed(ctx context.Context, id int64, lastErr string, next time.Time, maxAttempts int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1, last_error=?, next_attempt_at=?,
status=CASE WHEN attempts+1>=? THEN ? ELSE status END WHERE id=? AND status=?`,
		lastErr, formatTime(next), maxAttempts, NotificationFailed, id, NotificationPending)
	return err
}

// CountNotificationsByStatus feeds the status report.
func (r Repo) CountNotificationsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}
