package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"boardline/internal/domain"
)

const itemColumns = `id,title,COALESCE(acceptance_criteria,''),status,COALESCE(size,''),assignees_json,COALESCE(previous_status,''),COALESCE(blocker_id,''),version,COALESCE(artifact_ref,''),created_at,updated_at,last_reconciled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.WorkItem, string, error) {
	var (
		it                              domain.WorkItem
		status, size, prev, blockerID   string
		assignees, createdAt, updatedAt string
		reconciled                      sql.NullString
	)
	err := row.Scan(&it.ID, &it.Title, &it.AcceptanceCriteria, &status, &size, &assignees, &prev, &blockerID,
		&it.Version, &it.ArtifactRef, &createdAt, &updatedAt, &reconciled)
	if errors.Is(err, sql.ErrNoRows) {
		return it, "", ErrNotFound
	}
	if err != nil {
		return it, "", err
	}
	it.Status = domain.Status(status)
	it.Size = domain.Size(size)
	it.PreviousStatus = domain.Status(prev)
	if err := json.Unmarshal([]byte(assignees), &it.Assignees); err != nil {
		return it, "", fmt.Errorf("decode assignees for %s: %w", it.ID, err)
	}
	if it.Assignees == nil {
		it.Assignees = []string{}
	}
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	it.LastReconciledAt = parseNullTime(reconciled)
	return it, blockerID, nil
}

func encodeAssignees(a []string) (string, error) {
	if a == nil {
		a = []string{}
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	assignees, err := encodeAssignees(it.Assignees)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO work_items(id,title,acceptance_criteria,status,size,assignees_json,previous_status,blocker_id,version,artifact_ref,created_at,updated_at)
VALUES (?,?,?,?,?,?,NULL,NULL,?,?,?,?)`,
		it.ID, it.Title, nullable(it.AcceptanceCriteria), string(it.Status), nullable(string(it.Size)), assignees,
		it.Version, nullable(it.ArtifactRef), formatTime(it.CreatedAt), formatTime(it.UpdatedAt))
	return err
}

// GetItem loads an item with its active blocker attached.
func (r Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.getItem(ctx, r.DB, id)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return r.getItem(ctx, tx, id)
}

func (r Repo) getItem(ctx context.Context, q queryer, id string) (domain.WorkItem, error) {
	it, blockerID, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
	if err != nil {
		return it, err
	}
	if blockerID != "" {
		b, err := r.getBlocker(ctx, q, blockerID)
		if err != nil {
			return it, fmt.Errorf("load blocker %s: %w", blockerID, err)
		}
		it.Blocker = &b
	}
	return it, nil
}

// GetItemByArtifact finds the item referencing an artifact.
func (r Repo) GetItemByArtifact(ctx context.Context, artifactRef string) (domain.WorkItem, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM work_items WHERE artifact_ref=? ORDER BY created_at DESC LIMIT 1`, artifactRef).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkItem{}, ErrNotFound
	}
	if err != nil {
		return domain.WorkItem{}, err
	}
	return r.GetItem(ctx, id)
}

// CompareAndSwapItem writes every mutable column of it when the stored version equals expected.
// it.Version must already hold the new version. last_reconciled_at is left untouched.
func (r Repo) CompareAndSwapItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem, expected int64) error {
	assignees, err := encodeAssignees(it.Assignees)
	if err != nil {
		return err
	}
	var blockerID string
	if it.Blocker != nil {
		blockerID = it.Blocker.ID
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET title=?, acceptance_criteria=?, status=?, size=?, assignees_json=?, previous_status=?, blocker_id=?, version=?, artifact_ref=?, updated_at=?
WHERE id=? AND version=?`,
		it.Title, nullable(it.AcceptanceCriteria), string(it.Status), nullable(string(it.Size)), assignees,
		nullable(string(it.PreviousStatus)), nullable(blockerID), it.Version, nullable(it.ArtifactRef), formatTime(it.UpdatedAt),
		it.ID, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var actual int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM work_items WHERE id=?`, it.ID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &ConflictError{ItemID: it.ID, Expected: expected, Actual: actual}
}

// MarkReconciled records a reconciliation pass without changing the item version.
func (r Repo) MarkReconciled(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE work_items SET last_reconciled_at=? WHERE id=?`, formatTime(at), id)
	return err
}

type ItemFilters struct {
	Statuses []domain.Status
	Assignee string
	// AfterID is an exclusive cursor over item ids.
	AfterID string
	Limit   int
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Assignee != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(work_items.assignees_json) WHERE json_each.value=?)")
		args = append(args, f.Assignee)
	}
	if f.AfterID != "" {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	type pending struct {
		item      domain.WorkItem
		blockerID string
	}
	var scanned []pending
	for rows.Next() {
		it, blockerID, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		scanned = append(scanned, pending{it, blockerID})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	res := make([]domain.WorkItem, 0, len(scanned))
	for _, p := range scanned {
		if p.blockerID != "" {
			b, err := r.GetBlocker(ctx, p.blockerID)
			if err != nil {
				return nil, fmt.Errorf("load blocker %s: %w", p.blockerID, err)
			}
			p.item.Blocker = &b
		}
		res = append(res, p.item)
	}
	return res, nil
}

func (r Repo) CountItemsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[domain.Status]int, len(domain.Statuses))
	for _, s := range domain.Statuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

// LastActivity returns the newest of the item's update time and its latest event that was
// not written by the reconciler.
func (r Repo) LastActivity(ctx context.Context, id string) (time.Time, error) {
	var updated string
	var lastEvent sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT updated_at, (SELECT MAX(ts) FROM events WHERE entity_kind='item' AND entity_id=work_items.id AND actor_id<>'system-reconciler') FROM work_items WHERE id=?`, id).
		Scan(&updated, &lastEvent)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	last := parseTime(updated)
	if lastEvent.Valid {
		if ev := parseTime(lastEvent.String); ev.After(last) {
			last = ev
		}
	}
	return last, nil
}
