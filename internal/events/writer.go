package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended to the board log.
const (
	ItemCreated         = "item.created"
	ItemTransitioned    = "item.transitioned"
	ItemForced          = "item.forced"
	ItemStale           = "item.stale"
	LabelDrift          = "item.label_drift"
	BlockerReported     = "blocker.reported"
	BlockerResolved     = "blocker.resolved"
	BlockerEscalated    = "blocker.escalated"
	ActorRegistered     = "actor.registered"
	NotificationDropped = "notification.failed"
	ReconcileCompleted  = "reconcile.completed"
	TrackerWebhookSeen  = "tracker.webhook"
	AssignmentChanged   = "item.assigned"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so the log commits or rolls back with the change it describes.
// A nil tx writes directly for events that accompany no state change.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	var exec interface {
		ExecContext(context.Context, string, ...any) (sql.Result, error)
	} = w.DB
	if tx != nil {
		exec = tx
	}
	res, err := exec.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
