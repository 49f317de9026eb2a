package engine

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"boardline/internal/domain"
	"boardline/internal/events"
	"boardline/internal/itemstore"
	"boardline/internal/metrics"
	"boardline/internal/notify"
	"boardline/internal/repo"
)

// Divergence reasons recorded on forced corrections.
const (
	DivergenceArtifactMerged = "artifact_merged"
	DivergenceIssueClosed    = "issue_closed"
	DivergenceLabelDrift     = "label_drift"
)

// ForceCorrect moves an item to Done on behalf of the reconciler, bypassing the workflow
// table. A blocked item has its blocker resolved and its timers cancelled in the same
// transaction. Items already Done are left untouched and applied is false.
func (e *Engine) ForceCorrect(ctx context.Context, itemID, reason string, details map[string]any) (res TransitionResult, applied bool, err error) {
	actor := domain.SystemActor(domain.ReconcilerActorID)
	var ob outbox
	err = e.Locks.Do(ctx, itemID, func(ctx context.Context) error {
		cur, err := e.Repo.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return nil
		}
		now := e.now()
		next := cur
		next.Status = domain.StatusDone
		next.PreviousStatus = ""
		next.Blocker = nil
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		if details == nil {
			details = map[string]any{}
		}
		err = e.withTx(ctx, func(tx *sql.Tx) error {
			if cur.Blocker != nil {
				note := "closed by reconciliation: " + reason
				if err := e.Repo.ResolveBlocker(ctx, tx, cur.Blocker.ID, actor.ID, note, now); err != nil {
					return fmt.Errorf("resolve blocker: %w", err)
				}
				if _, err := e.Escalation.Cancel(ctx, tx, cur.Blocker.ID, now); err != nil {
					return fmt.Errorf("cancel escalation: %w", err)
				}
				details["blocker_id"] = cur.Blocker.ID
			}
			if err := e.Repo.CompareAndSwapItem(ctx, tx, next, cur.Version); err != nil {
				return err
			}
			rec := domain.TransitionRecord{
				ItemID:           cur.ID,
				Version:          next.Version,
				FromStatus:       cur.Status,
				ToStatus:         domain.StatusDone,
				ActorID:          actor.ID,
				ActorKind:        actor.Kind,
				Timestamp:        now,
				Comment:          "forced by reconciliation",
				Forced:           true,
				DivergenceReason: reason,
				Details:          details,
			}
			if err := e.Repo.InsertTransition(ctx, tx, rec); err != nil {
				return fmt.Errorf("append transition: %w", err)
			}
			payload := map[string]any{
				"from":              string(cur.Status),
				"to":                string(domain.StatusDone),
				"version":           next.Version,
				"divergence_reason": reason,
			}
			if _, err := e.Events.Append(ctx, tx, events.ItemForced, "item", cur.ID, actor.ID, payload); err != nil {
				return err
			}
			orchestrators, err := e.capabilityHolders(ctx, domain.CapOrchestrator)
			if err != nil {
				return err
			}
			if err := e.enqueue(ctx, tx, &ob, cur.ID, notify.TypeDivergence, orchestrators, payload, ""); err != nil {
				return err
			}
			res = TransitionResult{Item: next, Record: rec}
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		metrics.ReconcileCorrectionsTotal.WithLabelValues(reason).Inc()
		return nil
	})
	if err != nil || !applied {
		return TransitionResult{}, false, err
	}
	res.ProjectionError = e.project(ctx, itemID, e.Labels.Transition(res.Record.FromStatus, domain.StatusDone), itemstore.Delta{})
	res.NotificationFailures = e.deliver(ctx, ob)
	return res, true, nil
}

// HealLabels rewrites the tracker's status labels to match the board, which is authoritative
// for workflow status. observed is the label set last read from the tracker. The tracker write
// happens without holding the item lock; a transition that lands meanwhile projects its own
// labels and any residue is healed on the next pass.
func (e *Engine) HealLabels(ctx context.Context, itemID string, observed []string) (itemstore.Delta, error) {
	cur, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return itemstore.Delta{}, err
	}
	delta := e.Labels.Heal(observed, cur.Status)
	if delta.Empty() {
		return delta, nil
	}
	if err := e.Store.Mutate(ctx, itemID, delta, itemstore.Delta{}); err != nil {
		return delta, fmt.Errorf("heal labels: %w", err)
	}
	metrics.ReconcileCorrectionsTotal.WithLabelValues(DivergenceLabelDrift).Inc()
	_, err = e.Events.Append(ctx, nil, events.LabelDrift, "item", itemID, domain.ReconcilerActorID, events.EventPayload{
		"status":            string(cur.Status),
		"observed":          observed,
		"added":             delta.Add,
		"removed":           delta.Remove,
		"divergence_reason": DivergenceLabelDrift,
	})
	return delta, err
}

// StaleItem is an active item without activity for longer than the configured threshold.
type StaleItem struct {
	ID           string        `json:"id"`
	Status       domain.Status `json:"status"`
	Assignees    []string      `json:"assignees"`
	LastActivity time.Time     `json:"last_activity"`
	Idle         string        `json:"idle"`
}

func (e *Engine) staleAfter() time.Duration {
	if e.Config.Reconcile.StaleAfter > 0 {
		return e.Config.Reconcile.StaleAfter
	}
	return 48 * time.Hour
}

// CheckStale reports whether an active item has gone quiet.
func (e *Engine) CheckStale(ctx context.Context, it domain.WorkItem) (StaleItem, bool, error) {
	if !it.Status.Active() {
		return StaleItem{}, false, nil
	}
	last, err := e.Repo.LastActivity(ctx, it.ID)
	if err != nil {
		return StaleItem{}, false, err
	}
	idle := e.now().Sub(last)
	if idle < e.staleAfter() {
		return StaleItem{}, false, nil
	}
	return StaleItem{ID: it.ID, Status: it.Status, Assignees: it.Assignees, LastActivity: last, Idle: idle.Round(time.Minute).String()}, true, nil
}

// AlertStale raises a staleness alert once per quiet period. It never changes the item.
func (e *Engine) AlertStale(ctx context.Context, s StaleItem) (bool, error) {
	prior, err := e.Repo.LatestEvents(ctx, repo.EventFilters{Type: events.ItemStale, EntityKind: "item", EntityID: s.ID, Limit: 1})
	if err != nil {
		return false, err
	}
	if len(prior) > 0 {
		if at, err := time.Parse(time.RFC3339, prior[0].TS); err == nil && !at.Before(s.LastActivity) {
			return false, nil
		}
	}
	var ob outbox
	payload := map[string]any{"status": string(s.Status), "last_activity": s.LastActivity.Format(time.RFC3339), "idle": s.Idle}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Events.Append(ctx, tx, events.ItemStale, "item", s.ID, domain.ReconcilerActorID, payload); err != nil {
			return err
		}
		orchestrators, err := e.capabilityHolders(ctx, domain.CapOrchestrator)
		if err != nil {
			return err
		}
		return e.enqueue(ctx, tx, &ob, s.ID, notify.TypeStale, slices.Concat(s.Assignees, orchestrators), payload, "")
	})
	if err != nil {
		return false, err
	}
	e.deliver(ctx, ob)
	return true, nil
}

// MarkReconciled stamps a completed reconciliation pass. The version is unchanged.
func (e *Engine) MarkReconciled(ctx context.Context, itemID string) error {
	return e.Repo.MarkReconciled(ctx, nil, itemID, e.now())
}

// StatusReport summarizes the board.
type StatusReport struct {
	BoardID       string                `json:"board_id"`
	Counts        map[domain.Status]int `json:"counts"`
	AwaitingUser  []string              `json:"awaiting_user"`
	Stale         []StaleItem           `json:"stale"`
	Notifications map[string]int        `json:"notifications"`
	GeneratedAt   time.Time             `json:"generated_at"`
}

func (e *Engine) StatusReport(ctx context.Context) (StatusReport, error) {
	rep := StatusReport{BoardID: e.Config.Board.ID, GeneratedAt: e.now(), AwaitingUser: []string{}, Stale: []StaleItem{}}
	var err error
	if rep.Counts, err = e.Repo.CountItemsByStatus(ctx); err != nil {
		return rep, err
	}
	awaiting, err := e.Repo.ItemsAwaitingUser(ctx)
	if err != nil {
		return rep, err
	}
	rep.AwaitingUser = append(rep.AwaitingUser, awaiting...)
	active, err := e.Repo.ListItems(ctx, repo.ItemFilters{Statuses: []domain.Status{domain.StatusInProgress, domain.StatusAiReview, domain.StatusHumanReview}})
	if err != nil {
		return rep, err
	}
	for _, it := range active {
		s, stale, err := e.CheckStale(ctx, it)
		if err != nil {
			return rep, err
		}
		if stale {
			rep.Stale = append(rep.Stale, s)
		}
	}
	metrics.StaleItems.Set(float64(len(rep.Stale)))
	if rep.Notifications, err = e.Repo.CountNotificationsByStatus(ctx); err != nil {
		return rep, err
	}
	return rep, nil
}
