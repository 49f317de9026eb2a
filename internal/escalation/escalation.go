// Package escalation runs the nested state machine of a blocked item:
// Detected -> Notified -> Reminded -> UrgentReminder -> AwaitingUser.
package escalation

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"boardline/internal/domain"
	"boardline/internal/events"
	"boardline/internal/metrics"
	"boardline/internal/notify"
	"boardline/internal/repo"
)

// Ladder holds the offsets, measured from blocker discovery, at which each delayed stage fires.
type Ladder struct {
	Reminded       time.Duration
	UrgentReminder time.Duration
	AwaitingUser   time.Duration
}

func DefaultLadder() Ladder {
	return Ladder{Reminded: 4 * time.Hour, UrgentReminder: 12 * time.Hour, AwaitingUser: 24 * time.Hour}
}

type Step struct {
	Stage domain.EscalationStage
	DueAt time.Time
}

// Steps lists the delayed stages for a blocker discovered at t.
func (l Ladder) Steps(t time.Time) []Step {
	return []Step{
		{Stage: domain.StageReminded, DueAt: t.Add(l.Reminded)},
		{Stage: domain.StageUrgentReminder, DueAt: t.Add(l.UrgentReminder)},
		{Stage: domain.StageAwaitingUser, DueAt: t.Add(l.AwaitingUser)},
	}
}

// Notice is a notification the caller must enqueue in the same transaction.
type Notice struct {
	Recipients []string
	Type       string
	Payload    map[string]any
}

// Manager owns blocker stage changes and their timers. Every method runs inside a caller
// transaction that already holds the item lock.
type Manager struct {
	Repo   repo.Repo
	Events events.Writer
	Ladder Ladder
}

// Open moves a freshly inserted blocker from Detected to Notified and schedules its timers.
func (m Manager) Open(ctx context.Context, tx *sql.Tx, item domain.WorkItem, b domain.Blocker) (Notice, error) {
	if _, err := m.Repo.AdvanceEscalation(ctx, tx, b.ID, domain.StageNotified); err != nil {
		return Notice{}, fmt.Errorf("advance to notified: %w", err)
	}
	for _, s := range m.Ladder.Steps(b.DiscoveredAt) {
		if err := m.Repo.ScheduleTimer(ctx, tx, domain.EscalationTimer{ItemID: item.ID, BlockerID: b.ID, Stage: s.Stage, DueAt: s.DueAt}); err != nil {
			return Notice{}, fmt.Errorf("schedule %s: %w", s.Stage, err)
		}
	}
	metrics.EscalationsTotal.WithLabelValues(domain.StageNotified.String()).Inc()
	recipients, err := m.recipients(ctx, item, b, domain.StageNotified)
	if err != nil {
		return Notice{}, err
	}
	return Notice{Recipients: recipients, Type: noticeType(domain.StageNotified), Payload: blockerPayload(item, b, domain.StageNotified)}, nil
}

// Cancel stops every pending timer of the blocker. Cancelling twice is a no-op.
func (m Manager) Cancel(ctx context.Context, tx *sql.Tx, blockerID string, now time.Time) (int64, error) {
	return m.Repo.CancelTimers(ctx, tx, blockerID, now)
}

// Fire applies a due timer. It returns ok=false when the timer no longer applies: the
// blocker was resolved, replaced, or the timer was already settled.
func (m Manager) Fire(ctx context.Context, tx *sql.Tx, item domain.WorkItem, t domain.EscalationTimer, now time.Time) (Notice, bool, error) {
	if item.Status != domain.StatusBlocked || item.Blocker == nil || item.Blocker.ID != t.BlockerID || item.Blocker.ResolvedAt != nil {
		// stale timer; settle it so the sweep stops returning it
		if _, err := m.Repo.CancelTimers(ctx, tx, t.BlockerID, now); err != nil {
			return Notice{}, false, err
		}
		return Notice{}, false, nil
	}
	settled, err := m.Repo.SettleTimer(ctx, tx, t.BlockerID, t.Stage, now)
	if err != nil || !settled {
		return Notice{}, false, err
	}
	advanced, err := m.Repo.AdvanceEscalation(ctx, tx, t.BlockerID, t.Stage)
	if err != nil || !advanced {
		return Notice{}, false, err
	}
	b := *item.Blocker
	b.EscalationStage = t.Stage
	payload := blockerPayload(item, b, t.Stage)
	payload["due_at"] = t.DueAt.UTC().Format(time.RFC3339)
	if _, err := m.Events.Append(ctx, tx, events.BlockerEscalated, "item", item.ID, domain.ReconcilerActorID, payload); err != nil {
		return Notice{}, false, err
	}
	metrics.EscalationsTotal.WithLabelValues(t.Stage.String()).Inc()
	recipients, err := m.recipients(ctx, item, b, t.Stage)
	if err != nil {
		return Notice{}, false, err
	}
	return Notice{Recipients: recipients, Type: noticeType(t.Stage), Payload: payload}, true, nil
}

func (m Manager) recipients(ctx context.Context, item domain.WorkItem, b domain.Blocker, stage domain.EscalationStage) ([]string, error) {
	var out []string
	add := func(ids ...string) {
		for _, id := range ids {
			if id != "" && !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	switch stage {
	case domain.StageNotified:
		add(item.PrimaryAssignee(), b.ReportedBy)
	case domain.StageReminded:
		add(item.Assignees...)
		add(b.ReportedBy)
	case domain.StageUrgentReminder:
		add(item.Assignees...)
	}
	if stage != domain.StageReminded {
		orchestrators, err := m.Repo.ActorsWithCapability(ctx, domain.CapOrchestrator)
		if err != nil {
			return nil, fmt.Errorf("list orchestrators: %w", err)
		}
		add(orchestrators...)
	}
	return out, nil
}

func noticeType(stage domain.EscalationStage) string {
	switch stage {
	case domain.StageReminded:
		return notify.TypeBlockerReminder
	case domain.StageUrgentReminder:
		return notify.TypeBlockerUrgent
	case domain.StageAwaitingUser:
		return notify.TypeBlockerAwaiting
	}
	return notify.TypeBlockerReported
}

func blockerPayload(item domain.WorkItem, b domain.Blocker, stage domain.EscalationStage) map[string]any {
	p := map[string]any{
		"blocker_id":       b.ID,
		"reason":           b.Reason,
		"category":         string(b.Category),
		"stage":            stage.String(),
		"previous_status":  string(item.PreviousStatus),
		"discovered_at":    b.DiscoveredAt.UTC().Format(time.RFC3339),
		"reported_by":      b.ReportedBy,
		"primary_assignee": item.PrimaryAssignee(),
	}
	if b.LinkedBlockerItemID != "" {
		p["linked_item_id"] = b.LinkedBlockerItemID
	}
	return p
}
