package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"boardline/internal/domain"
)

// UpsertActor registers an actor or replaces its kind and capabilities.
func (r Repo) UpsertActor(ctx context.Context, tx *sql.Tx, a domain.ActorRef, now time.Time) error {
	caps := a.Capabilities
	if caps == nil {
		caps = []domain.Capability{}
	}
	data, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO actors(id,kind,capabilities_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, capabilities_json=excluded.capabilities_json`,
		a.ID, string(a.Kind), string(data), formatTime(now))
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.ActorRef, error) {
	return scanActor(r.DB.QueryRowContext(ctx, `SELECT id,kind,capabilities_json FROM actors WHERE id=?`, id))
}

func (r Repo) ListActors(ctx context.Context) ([]domain.ActorRef, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,capabilities_json FROM actors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActorRef
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ActorsWithCapability lists actor ids holding c, used to route alerts.
func (r Repo) ActorsWithCapability(ctx context.Context, c domain.Capability) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.id FROM actors a, json_each(a.capabilities_json) j WHERE j.value=? ORDER BY a.id`, string(c))
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

func scanActor(row rowScanner) (domain.ActorRef, error) {
	var a domain.ActorRef
	var kind, caps string
	err := row.Scan(&a.ID, &kind, &caps)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Kind = domain.ActorKind(kind)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return a, fmt.Errorf("decode capabilities for %s: %w", a.ID, err)
	}
	return a, nil
}
