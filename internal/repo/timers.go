package repo

import (
	"context"
	"database/sql"
	"time"

	"boardline/internal/domain"
)

const (
	TimerPending   = "pending"
	TimerFired     = "fired"
	TimerCancelled = "cancelled"
)

// ScheduleTimer inserts a pending timer. Re-scheduling an existing (blocker, stage) is a no-op.
func (r Repo) ScheduleTimer(ctx context.Context, tx *sql.Tx, t domain.EscalationTimer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escalation_timers(item_id,blocker_id,stage,due_at,state) VALUES (?,?,?,?,?)
ON CONFLICT(blocker_id,stage) DO NOTHING`,
		t.ItemID, t.BlockerID, int(t.Stage), formatTime(t.DueAt), TimerPending)
	return err
}

// DueTimers returns pending timers due at or before now, oldest first.
func (r Repo) DueTimers(ctx context.Context, now time.Time, limit int) ([]domain.EscalationTimer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT item_id,blocker_id,stage,due_at,state FROM escalation_timers
WHERE state=? AND due_at<=? ORDER BY due_at ASC, stage ASC LIMIT ?`, TimerPending, formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	return scanTimers(rows)
}

func (r Repo) ListTimers(ctx context.Context, blockerID string) ([]domain.EscalationTimer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT item_id,blocker_id,stage,due_at,state FROM escalation_timers WHERE blocker_id=? ORDER BY stage ASC`, blockerID)
	if err != nil {
		return nil, err
	}
	return scanTimers(rows)
}

func scanTimers(rows *sql.Rows) ([]domain.EscalationTimer, error) {
	defer rows.Close()
	var res []domain.EscalationTimer
	for rows.Next() {
		var t domain.EscalationTimer
		var stage int
		var due string
		if err := rows.Scan(&t.ItemID, &t.BlockerID, &stage, &due, &t.State); err != nil {
			return nil, err
		}
		t.Stage = domain.EscalationStage(stage)
		t.DueAt = parseTime(due)
		res = append(res, t)
	}
	return res, rows.Err()
}

// SettleTimer moves a pending timer to fired. Returns false if it was no longer pending.
func (r Repo) SettleTimer(ctx context.Context, tx *sql.Tx, blockerID string, stage domain.EscalationStage, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE escalation_timers SET state=?, settled_at=? WHERE blocker_id=? AND stage=? AND state=?`,
		TimerFired, formatTime(at), blockerID, int(stage), TimerPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CancelTimers cancels every pending timer of a blocker and reports how many changed.
// Calling it again is a no-op.
func (r Repo) CancelTimers(ctx context.Context, tx *sql.Tx, blockerID string, at time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE escalation_timers SET state=?, settled_at=? WHERE blocker_id=? AND state=?`,
		TimerCancelled, formatTime(at), blockerID, TimerPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
