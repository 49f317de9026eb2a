package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boardline/internal/domain"
	"boardline/internal/engine/auth"
	"boardline/internal/events"
	"boardline/internal/itemstore"
	"boardline/internal/lock"
	"boardline/internal/logging"
	"boardline/internal/metrics"
	"boardline/internal/notify"
	"boardline/internal/repo"
	"boardline/internal/workflow"
)

// TransitionRequest asks for one status change. ExpectedVersion must equal the item's
// current version.
type TransitionRequest struct {
	ItemID          string
	ExpectedVersion int64
	To              domain.Status
	ActorID         string
	Payload         workflow.Payload
}

// TransitionResult describes an applied transition. NotificationFailures and
// ProjectionError are informational: the transition is committed either way.
type TransitionResult struct {
	Item                 domain.WorkItem         `json:"item"`
	Record               domain.TransitionRecord `json:"record"`
	BranchHint           string                  `json:"branch_hint,omitempty"`
	NotificationFailures []notify.Failure        `json:"notification_failures,omitempty"`
	ProjectionError      string                  `json:"projection_error,omitempty"`
}

// RequestTransition validates and applies a status change for a registered actor.
func (e *Engine) RequestTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	if req.ExpectedVersion <= 0 {
		return TransitionResult{}, InputError{Msg: "expected version required"}
	}
	actor, err := e.Actors.Resolve(ctx, req.ActorID)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(req.To), "forbidden").Inc()
		return TransitionResult{}, err
	}
	return e.transition(ctx, req, actor)
}

// ConfirmMerge moves an item in MergeRelease to Done once the tracker reports its artifact
// merged. It is a regular transition performed by the merge system actor.
func (e *Engine) ConfirmMerge(ctx context.Context, itemID string) (TransitionResult, error) {
	return e.transition(ctx, TransitionRequest{ItemID: itemID, To: domain.StatusDone, Payload: workflow.Payload{Comment: "artifact merged"}},
		domain.SystemActor(domain.MergeActorID))
}

func (e *Engine) transition(ctx context.Context, req TransitionRequest, actor domain.ActorRef) (TransitionResult, error) {
	ctx = logging.WithActor(logging.WithItem(ctx, req.ItemID), actor.ID)
	merged, err := e.mergeState(ctx, req)
	if err != nil {
		return TransitionResult{}, err
	}
	var (
		res               TransitionResult
		ob                outbox
		labels, assignees itemstore.Delta
	)
	err = e.Locks.Do(ctx, req.ItemID, func(ctx context.Context) error {
		cur, err := e.Repo.GetItem(ctx, req.ItemID)
		if err != nil {
			return err
		}
		if req.ExpectedVersion > 0 && cur.Version != req.ExpectedVersion {
			return &repo.ConflictError{ItemID: cur.ID, Expected: req.ExpectedVersion, Actual: cur.Version}
		}
		p := req.Payload
		p.Merged = merged.ok && merged.artifactRef == cur.ArtifactRef
		dec, err := workflow.Validate(cur, req.To, actor, p)
		if err != nil {
			return err
		}
		res, err = e.apply(ctx, cur, dec, actor, p, &ob)
		if err != nil {
			return err
		}
		labels = e.Labels.Transition(dec.From, dec.To)
		if dec.Effects.ClaimAssignee != "" {
			assignees.Add = []string{dec.Effects.ClaimAssignee}
		}
		return nil
	})
	metrics.TransitionsTotal.WithLabelValues(string(req.To), outcome(err)).Inc()
	if err != nil {
		return TransitionResult{}, err
	}
	res.ProjectionError = e.project(ctx, req.ItemID, labels, assignees)
	res.NotificationFailures = e.deliver(ctx, ob)
	return res, nil
}

type mergeCheck struct {
	artifactRef string
	ok          bool
}

// mergeState asks the tracker whether the artifact of an item in MergeRelease has merged.
// It runs before the item lock is taken; the answer only counts if the artifact is
// unchanged once the lock is held.
func (e *Engine) mergeState(ctx context.Context, req TransitionRequest) (mergeCheck, error) {
	if req.To != domain.StatusDone {
		return mergeCheck{}, nil
	}
	cur, err := e.Repo.GetItem(ctx, req.ItemID)
	if err != nil {
		return mergeCheck{}, err
	}
	if cur.Status != domain.StatusMergeRelease {
		return mergeCheck{}, nil
	}
	snap, err := e.Store.GetItem(ctx, itemstore.Ref{ID: cur.ID, ArtifactRef: cur.ArtifactRef})
	if err != nil {
		return mergeCheck{}, fmt.Errorf("read merge state: %w", err)
	}
	return mergeCheck{artifactRef: cur.ArtifactRef, ok: snap.Merged}, nil
}

// apply commits a validated decision. cur is the freshly loaded item.
func (e *Engine) apply(ctx context.Context, cur domain.WorkItem, dec workflow.Decision, actor domain.ActorRef, p workflow.Payload, ob *outbox) (TransitionResult, error) {
	now := e.now()
	next := cur
	next.Assignees = append([]string(nil), cur.Assignees...)
	next.Status = dec.To
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	eff := dec.Effects
	if eff.ClaimAssignee != "" && !next.IsAssigned(eff.ClaimAssignee) {
		next.Assignees = append([]string{eff.ClaimAssignee}, next.Assignees...)
	}
	if eff.SetSize != "" {
		next.Size = eff.SetSize
	}
	if eff.SetArtifactRef != "" {
		next.ArtifactRef = eff.SetArtifactRef
	}
	details := map[string]any{}
	if p.Verdict != "" {
		details["verdict"] = string(p.Verdict)
	}
	if eff.BranchHint != "" {
		details["branch_hint"] = eff.BranchHint
	}
	if eff.SetArtifactRef != "" {
		details["artifact_ref"] = eff.SetArtifactRef
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	var resolved *domain.Blocker
	if eff.ResolveBlocker && cur.Blocker != nil {
		if err := e.Repo.ResolveBlocker(ctx, tx, cur.Blocker.ID, actor.ID, p.Resolution, now); err != nil {
			return TransitionResult{}, fmt.Errorf("resolve blocker: %w", err)
		}
		if _, err := e.Escalation.Cancel(ctx, tx, cur.Blocker.ID, now); err != nil {
			return TransitionResult{}, fmt.Errorf("cancel escalation: %w", err)
		}
		b := *cur.Blocker
		b.ResolvedAt, b.ResolvedBy, b.Resolution = &now, actor.ID, p.Resolution
		resolved = &b
		next.Blocker = nil
		next.PreviousStatus = ""
		blocked := now.Sub(b.DiscoveredAt)
		details["blocker_id"] = b.ID
		details["resolution"] = p.Resolution
		details["blocked_for"] = blocked.Round(time.Second).String()
		details["blocked_seconds"] = int64(blocked.Seconds())
		details["escalation_stage"] = b.EscalationStage.String()
	}
	var opened *domain.Blocker
	if eff.OpenBlocker != nil {
		b := domain.Blocker{
			ID:                  uuid.NewString(),
			ItemID:              cur.ID,
			Reason:              eff.OpenBlocker.Reason,
			Category:            eff.OpenBlocker.Category,
			LinkedBlockerItemID: eff.OpenBlocker.LinkedItemID,
			ReportedBy:          actor.ID,
			DiscoveredAt:        now,
			EscalationStage:     domain.StageDetected,
		}
		if err := e.Repo.InsertBlocker(ctx, tx, b); err != nil {
			return TransitionResult{}, fmt.Errorf("insert blocker: %w", err)
		}
		opened = &b
		next.Blocker = &b
		next.PreviousStatus = cur.Status
		details["blocker_id"] = b.ID
		details["category"] = string(b.Category)
	}
	if err := next.CheckInvariants(); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Repo.CompareAndSwapItem(ctx, tx, next, cur.Version); err != nil {
		return TransitionResult{}, err
	}
	rec := domain.TransitionRecord{
		ItemID:     cur.ID,
		Version:    next.Version,
		FromStatus: dec.From,
		ToStatus:   dec.To,
		ActorID:    actor.ID,
		ActorKind:  actor.Kind,
		Timestamp:  now,
		Comment:    p.Comment,
		Details:    details,
	}
	if err := e.Repo.InsertTransition(ctx, tx, rec); err != nil {
		return TransitionResult{}, fmt.Errorf("append transition: %w", err)
	}
	payload := map[string]any{
		"from":    string(dec.From),
		"to":      string(dec.To),
		"version": next.Version,
		"title":   next.Title,
	}
	for k, v := range details {
		payload[k] = v
	}
	if _, err := e.Events.Append(ctx, tx, events.ItemTransitioned, "item", cur.ID, actor.ID, payload); err != nil {
		return TransitionResult{}, err
	}

	switch {
	case opened != nil:
		if _, err := e.Events.Append(ctx, tx, events.BlockerReported, "item", cur.ID, actor.ID, events.EventPayload{
			"blocker_id": opened.ID,
			"reason":     opened.Reason,
			"category":   string(opened.Category),
		}); err != nil {
			return TransitionResult{}, err
		}
		notice, err := e.Escalation.Open(ctx, tx, next, *opened)
		if err != nil {
			return TransitionResult{}, err
		}
		next.Blocker.EscalationStage = domain.StageNotified
		if err := e.enqueue(ctx, tx, ob, cur.ID, notice.Type, notice.Recipients, notice.Payload, ""); err != nil {
			return TransitionResult{}, err
		}
	case resolved != nil:
		if _, err := e.Events.Append(ctx, tx, events.BlockerResolved, "item", cur.ID, actor.ID, events.EventPayload{
			"blocker_id":  resolved.ID,
			"resolution":  resolved.Resolution,
			"blocked_for": details["blocked_for"],
		}); err != nil {
			return TransitionResult{}, err
		}
		recipients := append([]string{resolved.ReportedBy}, next.Assignees...)
		if err := e.enqueue(ctx, tx, ob, cur.ID, notify.TypeBlockerResolved, recipients, payload, actor.ID); err != nil {
			return TransitionResult{}, err
		}
	default:
		recipients, err := e.transitionRecipients(ctx, next)
		if err != nil {
			return TransitionResult{}, err
		}
		if err := e.enqueue(ctx, tx, ob, cur.ID, notify.TypeItemTransitioned, recipients, payload, actor.ID); err != nil {
			return TransitionResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Item: next, Record: rec, BranchHint: eff.BranchHint}, nil
}

// transitionRecipients picks the actors responsible for the item's next step.
func (e *Engine) transitionRecipients(ctx context.Context, next domain.WorkItem) ([]string, error) {
	switch next.Status {
	case domain.StatusAiReview, domain.StatusMergeRelease:
		return e.capabilityHolders(ctx, domain.CapIntegrator)
	case domain.StatusHumanReview:
		return e.capabilityHolders(ctx, domain.CapReviewer)
	case domain.StatusTodo:
		if len(next.Assignees) == 0 {
			return e.capabilityHolders(ctx, domain.CapAuthor)
		}
	}
	return next.Assignees, nil
}

// outcome maps an error onto the result label of the transitions metric.
func outcome(err error) string {
	var rej *workflow.RejectionError
	var conflict *repo.ConflictError
	var forbidden auth.ForbiddenError
	switch {
	case err == nil:
		return "applied"
	case errors.As(err, &rej):
		return rej.Code
	case errors.As(err, &conflict):
		return "conflict"
	case errors.Is(err, lock.ErrBusy):
		return "busy"
	case errors.As(err, &forbidden):
		return "forbidden"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	}
	return "error"
}

// ReportBlocker moves the item into Blocked with a new blocker.
func (e *Engine) ReportBlocker(ctx context.Context, itemID string, expectedVersion int64, actorID string, in workflow.BlockerInput, comment string) (TransitionResult, error) {
	return e.RequestTransition(ctx, TransitionRequest{
		ItemID:          itemID,
		ExpectedVersion: expectedVersion,
		To:              domain.StatusBlocked,
		ActorID:         actorID,
		Payload:         workflow.Payload{Comment: comment, Blocker: &in},
	})
}

// ResolveRequest resolves the active blocker. NewBlocker, when set, is entered as a second,
// separate Blocked transition after the item returns to its previous status.
type ResolveRequest struct {
	ItemID          string
	ExpectedVersion int64
	ActorID         string
	Resolution      string
	NewBlocker      *workflow.BlockerInput
}

type ResolveResult struct {
	Resolved  TransitionResult  `json:"resolved"`
	Reblocked *TransitionResult `json:"reblocked,omitempty"`
	// ReblockError is set when the resolution applied but the follow-up blocker did not.
	ReblockError string `json:"reblock_error,omitempty"`
}

// ResolveBlocker returns the item to its previous status. A follow-up blocker is checked
// against the workflow before anything is written, so an invalid one rejects the whole call.
func (e *Engine) ResolveBlocker(ctx context.Context, req ResolveRequest) (ResolveResult, error) {
	cur, err := e.Repo.GetItem(ctx, req.ItemID)
	if err != nil {
		return ResolveResult{}, err
	}
	if cur.Status != domain.StatusBlocked {
		return ResolveResult{}, workflow.Reject(workflow.CodePreconditionFailed, cur, "", "item is not blocked")
	}
	if req.NewBlocker != nil {
		actor, err := e.Actors.Resolve(ctx, req.ActorID)
		if err != nil {
			return ResolveResult{}, err
		}
		after := cur
		after.Status = cur.PreviousStatus
		after.PreviousStatus = ""
		after.Blocker = nil
		if _, err := workflow.Validate(after, domain.StatusBlocked, actor, workflow.Payload{Blocker: req.NewBlocker}); err != nil {
			return ResolveResult{}, err
		}
	}
	res, err := e.RequestTransition(ctx, TransitionRequest{
		ItemID:          req.ItemID,
		ExpectedVersion: req.ExpectedVersion,
		To:              cur.PreviousStatus,
		ActorID:         req.ActorID,
		Payload:         workflow.Payload{Resolution: req.Resolution, Comment: req.Resolution},
	})
	if err != nil {
		return ResolveResult{}, err
	}
	out := ResolveResult{Resolved: res}
	if req.NewBlocker == nil {
		return out, nil
	}
	again, err := e.ReportBlocker(ctx, req.ItemID, res.Item.Version, req.ActorID, *req.NewBlocker, fmt.Sprintf("revealed while resolving %v", res.Record.Details["blocker_id"]))
	if err != nil {
		e.Log.Warn(ctx, "follow-up blocker not reported", zap.String("item", req.ItemID), zap.Error(err))
		out.ReblockError = err.Error()
		return out, nil
	}
	out.Reblocked = &again
	return out, nil
}

// FireEscalation applies one due escalation timer under the item lock.
func (e *Engine) FireEscalation(ctx context.Context, t domain.EscalationTimer) (bool, error) {
	var (
		fired bool
		ob    outbox
	)
	err := e.Locks.Do(ctx, t.ItemID, func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		it, err := e.Repo.GetItemTx(ctx, tx, t.ItemID)
		if err != nil {
			return err
		}
		notice, ok, err := e.Escalation.Fire(ctx, tx, it, t, e.now())
		if err != nil {
			return err
		}
		if ok {
			if err := e.enqueue(ctx, tx, &ob, it.ID, notice.Type, notice.Recipients, notice.Payload, ""); err != nil {
				return err
			}
		}
		fired = ok
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	e.deliver(ctx, ob)
	return fired, nil
}

// withTx runs fn in a transaction.
func (e *Engine) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
