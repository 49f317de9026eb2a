package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"boardline/internal/domain"
)

// InsertTransition appends a record; the (item_id, version) key rejects duplicates.
func (r Repo) InsertTransition(ctx context.Context, tx *sql.Tx, rec domain.TransitionRecord) error {
	details := rec.Details
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal transition details: %w", err)
	}
	forced := 0
	if rec.Forced {
		forced = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO transitions(item_id,version,from_status,to_status,actor_id,actor_kind,ts,comment,forced,divergence_reason,details_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ItemID, rec.Version, string(rec.FromStatus), string(rec.ToStatus), rec.ActorID, string(rec.ActorKind),
		formatTime(rec.Timestamp), nullable(rec.Comment), forced, nullable(rec.DivergenceReason), string(data))
	return err
}

// ListTransitions returns the item's history ordered by version.
func (r Repo) ListTransitions(ctx context.Context, itemID string) ([]domain.TransitionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT item_id,version,from_status,to_status,actor_id,actor_kind,ts,COALESCE(comment,''),forced,COALESCE(divergence_reason,''),details_json
FROM transitions WHERE item_id=? ORDER BY version ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var (
			rec                     domain.TransitionRecord
			from, to, kind, ts, det string
			forced                  int
		)
		if err := rows.Scan(&rec.ItemID, &rec.Version, &from, &to, &rec.ActorID, &kind, &ts, &rec.Comment, &forced, &rec.DivergenceReason, &det); err != nil {
			return nil, err
		}
		rec.FromStatus = domain.Status(from)
		rec.ToStatus = domain.Status(to)
		rec.ActorKind = domain.ActorKind(kind)
		rec.Timestamp = parseTime(ts)
		rec.Forced = forced == 1
		if det != "" && det != "{}" {
			if err := json.Unmarshal([]byte(det), &rec.Details); err != nil {
				return nil, fmt.Errorf("decode transition details: %w", err)
			}
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
