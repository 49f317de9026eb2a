// Package reconcile compares the board with the tracker and corrects divergence. The tracker
// wins on completion (merged artifact, closed issue); the board wins on workflow status.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/events"
	"boardline/internal/itemstore"
	"boardline/internal/lock"
	"boardline/internal/logging"
	"boardline/internal/metrics"
)

// Outcome is what one item's reconciliation did.
type Outcome struct {
	ItemID     string   `json:"item_id"`
	Action     string   `json:"action"`
	Divergence string   `json:"divergence,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	Stale      bool     `json:"stale,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Actions.
const (
	ActionNone      = "none"
	ActionForced    = "forced_done"
	ActionMerged    = "merged"
	ActionHealed    = "healed_labels"
	ActionSkipped   = "skipped"
	ActionNoTracker = "untracked"
)

type Reconciler struct {
	Engine *engine.Engine
	Log    *logging.Logger
}

func New(e *engine.Engine, log *logging.Logger) *Reconciler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Reconciler{Engine: e, Log: log}
}

// Report summarizes one full pass.
type Report struct {
	Checked  int       `json:"checked"`
	Outcomes []Outcome `json:"outcomes"`
	Errors   int       `json:"errors"`
}

// RunOnce reconciles every non-Done item.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	statuses := make([]domain.Status, 0, len(domain.Statuses))
	for _, s := range domain.Statuses {
		if !s.Terminal() {
			statuses = append(statuses, s)
		}
	}
	var rep Report
	after := ""
	for {
		page, err := r.Engine.ListItemsByStatus(ctx, statuses, "", after, 200)
		if err != nil {
			metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
			return rep, err
		}
		for _, it := range page {
			out, err := r.reconcile(ctx, it)
			rep.Checked++
			if err != nil {
				rep.Errors++
				out.Error = err.Error()
				r.Log.Warn(ctx, "reconcile item failed", zap.String("item", it.ID), zap.Error(err))
			}
			if out.Action != ActionNone || out.Stale || out.Error != "" {
				rep.Outcomes = append(rep.Outcomes, out)
			}
		}
		if len(page) < 200 {
			break
		}
		after = page[len(page)-1].ID
	}
	result := "ok"
	if rep.Errors > 0 {
		result = "partial"
	}
	metrics.ReconcileRunsTotal.WithLabelValues(result).Inc()
	if err := r.recordRun(ctx, rep); err != nil {
		return rep, err
	}
	return rep, nil
}

// ReconcileItem reconciles a single item, as triggered by a tracker webhook.
func (r *Reconciler) ReconcileItem(ctx context.Context, id string) (Outcome, error) {
	it, err := r.Engine.QueryItem(ctx, id)
	if err != nil {
		return Outcome{ItemID: id}, err
	}
	return r.reconcile(ctx, it)
}

// ReconcileArtifact reconciles whichever item references the artifact.
func (r *Reconciler) ReconcileArtifact(ctx context.Context, artifactRef string) (Outcome, error) {
	it, err := r.Engine.Repo.GetItemByArtifact(ctx, artifactRef)
	if err != nil {
		return Outcome{}, err
	}
	return r.reconcile(ctx, it)
}

func (r *Reconciler) reconcile(ctx context.Context, it domain.WorkItem) (Outcome, error) {
	out := Outcome{ItemID: it.ID, Action: ActionNone}
	ctx = logging.WithItem(ctx, it.ID)
	if it.Status.Terminal() {
		return out, nil
	}
	snap, err := r.Engine.Store.GetItem(ctx, itemstore.Ref{ID: it.ID, ArtifactRef: it.ArtifactRef})
	if errors.Is(err, itemstore.ErrNotFound) {
		out.Action = ActionNoTracker
		return out, nil
	}
	if err != nil {
		return out, err
	}

	switch {
	case snap.Merged && it.Status == domain.StatusMergeRelease:
		// the expected path; not a divergence
		if _, err := r.Engine.ConfirmMerge(ctx, it.ID); err != nil {
			return r.busyOK(ctx, out, err)
		}
		out.Action = ActionMerged
		return out, r.Engine.MarkReconciled(ctx, it.ID)
	case snap.Merged:
		return r.force(ctx, out, engine.DivergenceArtifactMerged, map[string]any{"artifact_ref": it.ArtifactRef})
	case !snap.Open:
		return r.force(ctx, out, engine.DivergenceIssueClosed, nil)
	}

	observed, ok, err := r.Engine.Labels.StatusOf(snap.Labels)
	if err != nil || !ok || observed != it.Status {
		if err != nil {
			r.Log.Info(ctx, "unreadable tracker status labels", zap.Strings("labels", snap.Labels), zap.Error(err))
		}
		delta, herr := r.Engine.HealLabels(ctx, it.ID, snap.Labels)
		if herr != nil {
			return r.busyOK(ctx, out, herr)
		}
		if !delta.Empty() {
			out.Action = ActionHealed
			out.Divergence = engine.DivergenceLabelDrift
			out.Labels = delta.Add
		}
	}

	stale, isStale, err := r.Engine.CheckStale(ctx, it)
	if err != nil {
		return out, err
	}
	if isStale {
		out.Stale = true
		if _, err := r.Engine.AlertStale(ctx, stale); err != nil {
			return out, err
		}
	}
	return out, r.Engine.MarkReconciled(ctx, it.ID)
}

func (r *Reconciler) force(ctx context.Context, out Outcome, reason string, details map[string]any) (Outcome, error) {
	_, applied, err := r.Engine.ForceCorrect(ctx, out.ItemID, reason, details)
	if err != nil {
		return r.busyOK(ctx, out, err)
	}
	if applied {
		out.Action = ActionForced
		out.Divergence = reason
		r.Log.Info(ctx, "forced item to done", zap.String("reason", reason))
	}
	return out, r.Engine.MarkReconciled(ctx, out.ItemID)
}

// busyOK turns a lock timeout into a skip; the next pass picks the item up again.
func (r *Reconciler) busyOK(ctx context.Context, out Outcome, err error) (Outcome, error) {
	if errors.Is(err, lock.ErrBusy) {
		out.Action = ActionSkipped
		r.Log.Debug(ctx, "item busy, skipping")
		return out, nil
	}
	return out, err
}

func (r *Reconciler) recordRun(ctx context.Context, rep Report) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := r.Engine.Events.Append(ctx, tx, events.ReconcileCompleted, "board", r.Engine.Config.Board.ID, domain.ReconcilerActorID, events.EventPayload{
		"checked":    rep.Checked,
		"corrective": len(rep.Outcomes),
		"errors":     rep.Errors,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		rep, err := r.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.Log.Error(ctx, "reconcile pass failed", zap.Error(err))
		case len(rep.Outcomes) > 0:
			r.Log.Info(ctx, "reconcile pass", zap.Int("checked", rep.Checked), zap.Int("corrections", len(rep.Outcomes)), zap.Int("errors", rep.Errors))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
