package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"boardline/internal/domain"
)

const blockerColumns = `id,item_id,reason,category,COALESCE(linked_item_id,''),reported_by,discovered_at,escalation_stage,resolved_at,COALESCE(resolved_by,''),COALESCE(resolution,'')`

func scanBlocker(row rowScanner) (domain.Blocker, error) {
	var (
		b               domain.Blocker
		category, found string
		stage           int
		resolvedAt      sql.NullString
	)
	err := row.Scan(&b.ID, &b.ItemID, &b.Reason, &category, &b.LinkedBlockerItemID, &b.ReportedBy, &found, &stage, &resolvedAt, &b.ResolvedBy, &b.Resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.Category = domain.BlockerCategory(category)
	b.DiscoveredAt = parseTime(found)
	b.EscalationStage = domain.EscalationStage(stage)
	b.ResolvedAt = parseNullTime(resolvedAt)
	return b, nil
}

func (r Repo) InsertBlocker(ctx context.Context, tx *sql.Tx, b domain.Blocker) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO blockers(id,item_id,reason,category,linked_item_id,reported_by,discovered_at,escalation_stage) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.ItemID, b.Reason, string(b.Category), nullable(b.LinkedBlockerItemID), b.ReportedBy, formatTime(b.DiscoveredAt), int(b.EscalationStage))
	return err
}

func (r Repo) GetBlocker(ctx context.Context, id string) (domain.Blocker, error) {
	return r.getBlocker(ctx, r.DB, id)
}

func (r Repo) getBlocker(ctx context.Context, q queryer, id string) (domain.Blocker, error) {
	return scanBlocker(q.QueryRowContext(ctx, `SELECT `+blockerColumns+` FROM blockers WHERE id=?`, id))
}

// ListBlockers returns every blocker ever raised on an item, newest first.
func (r Repo) ListBlockers(ctx context.Context, itemID string) ([]domain.Blocker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+blockerColumns+` FROM blockers WHERE item_id=? ORDER BY discovered_at DESC, id DESC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Blocker
	for rows.Next() {
		b, err := scanBlocker(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ResolveBlocker stamps the resolution; it fails with ErrNotFound if the blocker is already resolved.
func (r Repo) ResolveBlocker(ctx context.Context, tx *sql.Tx, id, resolvedBy, resolution string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE blockers SET resolved_at=?, resolved_by=?, resolution=? WHERE id=? AND resolved_at IS NULL`,
		formatTime(at), resolvedBy, resolution, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceEscalation moves an unresolved blocker forward to stage. Returns false when the
// blocker is resolved or already at or beyond stage.
func (r Repo) AdvanceEscalation(ctx context.Context, tx *sql.Tx, id string, stage domain.EscalationStage) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE blockers SET escalation_stage=? WHERE id=? AND resolved_at IS NULL AND escalation_stage<?`,
		int(stage), id, int(stage))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ItemsAwaitingUser lists items whose active blocker has exhausted automatic escalation.
func (r Repo) ItemsAwaitingUser(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT w.id FROM work_items w JOIN blockers b ON b.id=w.blocker_id
WHERE w.status='blocked' AND b.resolved_at IS NULL AND b.escalation_stage>=? ORDER BY w.id`, int(domain.StageAwaitingUser))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
