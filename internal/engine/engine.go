// Package engine is the orchestration API of the board. Every mutation of a work item runs
// under the item lock, re-reads the item, and commits one transaction holding the CAS write,
// its audit record, its events and its outbox rows.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boardline/internal/config"
	"boardline/internal/domain"
	"boardline/internal/engine/auth"
	"boardline/internal/escalation"
	"boardline/internal/events"
	"boardline/internal/itemstore"
	"boardline/internal/lock"
	"boardline/internal/logging"
	"boardline/internal/notify"
	"boardline/internal/repo"
	"boardline/internal/workflow"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Now        func() time.Time
	Actors     auth.Registry
	Locks      *lock.Controller
	Store      itemstore.Store
	Labels     itemstore.Labels
	Escalation escalation.Manager
	Dispatcher *notify.Dispatcher
	Log        *logging.Logger
}

// Options carries the pluggable collaborators. Zero values fall back to in-process defaults.
type Options struct {
	Locker  lock.Locker
	Store   itemstore.Store
	Gateway notify.Gateway
	Log     *logging.Logger
}

func New(db *sql.DB, cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.Default("")
	}
	log := opts.Log
	if log == nil {
		log = logging.NewNop()
	}
	r := repo.Repo{DB: db}
	e := &Engine{
		DB:     db,
		Repo:   r,
		Config: cfg,
		Now:    time.Now,
		Actors: auth.Registry{Repo: r},
		Store:  opts.Store,
		Labels: itemstore.Labels{Prefix: cfg.Tracker.LabelPrefix},
		Log:    log,
	}
	e.Actors.Now = e.now
	e.Events = events.Writer{DB: db, Now: e.now}
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	e.Locks = lock.NewController(locker, cfg.Locking.WaitTimeout, log.Named("lock"))
	if e.Store == nil {
		e.Store = itemstore.NewMemory()
	}
	e.Escalation = escalation.Manager{
		Repo:   r,
		Events: e.Events,
		Ladder: escalation.Ladder{
			Reminded:       cfg.Escalation.Reminded,
			UrgentReminder: cfg.Escalation.UrgentReminder,
			AwaitingUser:   cfg.Escalation.AwaitingUser,
		},
	}
	gw := opts.Gateway
	if gw == nil {
		gw = notify.FanOut{}
	}
	e.Dispatcher = notify.NewDispatcher(r, gw, log.Named("notify"))
	e.Dispatcher.Now = e.now
	e.Dispatcher.Events = &e.Events
	if cfg.Notify.RetryInterval > 0 {
		e.Dispatcher.RetryInterval = cfg.Notify.RetryInterval
	}
	if cfg.Notify.MaxAttempts > 0 {
		e.Dispatcher.MaxAttempts = cfg.Notify.MaxAttempts
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// InputError reports a malformed request that never reached the workflow.
type InputError struct {
	Msg string
}

func (e InputError) Error() string { return e.Msg }

// outbox collects notifications written inside one transaction.
type outbox struct {
	ids []int64
}

func (e *Engine) enqueue(ctx context.Context, tx *sql.Tx, ob *outbox, itemID, evType string, recipients []string, payload map[string]any, skip string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	now := e.now()
	for _, rcpt := range recipients {
		if rcpt == "" || rcpt == skip || auth.Reserved(rcpt) {
			continue
		}
		id, err := e.Repo.EnqueueNotification(ctx, tx, domain.Notification{
			ItemID:      itemID,
			RecipientID: rcpt,
			Type:        evType,
			Payload:     string(data),
			NextAttempt: now,
			CreatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("enqueue notification: %w", err)
		}
		ob.ids = append(ob.ids, id)
	}
	return nil
}

// deliver runs after commit; failures stay in the outbox for the dispatcher loop.
func (e *Engine) deliver(ctx context.Context, ob outbox) []notify.Failure {
	if len(ob.ids) == 0 {
		return nil
	}
	return e.Dispatcher.Deliver(ctx, ob.ids)
}

// project mirrors a committed change onto the tracker. Drift left by a failure is healed by
// the reconciler, so the error is only logged and reported.
func (e *Engine) project(ctx context.Context, itemID string, labels, assignees itemstore.Delta) string {
	if labels.Empty() && assignees.Empty() {
		return ""
	}
	if err := e.Store.Mutate(ctx, itemID, labels, assignees); err != nil {
		e.Log.Warn(ctx, "tracker projection failed", zap.String("item", itemID), zap.Error(err))
		return err.Error()
	}
	return ""
}

func (e *Engine) capabilityHolders(ctx context.Context, caps ...domain.Capability) ([]string, error) {
	var out []string
	for _, c := range caps {
		ids, err := e.Repo.ActorsWithCapability(ctx, c)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// CreateItemOptions are parameters for creating a work item in Backlog.
type CreateItemOptions struct {
	ID                 string
	Title              string
	AcceptanceCriteria string
	Size               domain.Size
	Assignees          []string
	ActorID            string
}

func (e *Engine) CreateItem(ctx context.Context, opts CreateItemOptions) (domain.WorkItem, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.WorkItem{}, InputError{Msg: "title is required"}
	}
	if opts.Size != "" {
		s, err := domain.ParseSize(string(opts.Size))
		if err != nil {
			return domain.WorkItem{}, InputError{Msg: err.Error()}
		}
		opts.Size = s
	}
	actor, err := e.Actors.Resolve(ctx, opts.ActorID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	for _, a := range opts.Assignees {
		if _, err := e.Actors.Resolve(ctx, a); err != nil {
			return domain.WorkItem{}, InputError{Msg: fmt.Sprintf("assignee %s is not a registered actor", a)}
		}
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	it := domain.WorkItem{
		ID:                 id,
		Title:              title,
		AcceptanceCriteria: strings.TrimSpace(opts.AcceptanceCriteria),
		Status:             domain.StatusBacklog,
		Size:               opts.Size,
		Assignees:          dedupe(opts.Assignees),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetItemTx(ctx, tx, id); err == nil {
		return domain.WorkItem{}, InputError{Msg: fmt.Sprintf("item %s already exists", id)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert item: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.ItemCreated, "item", id, actor.ID, events.EventPayload{
		"title":     it.Title,
		"size":      string(it.Size),
		"assignees": it.Assignees,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	e.project(ctx, id, e.Labels.Transition("", domain.StatusBacklog), itemstore.Delta{Add: it.Assignees})
	return it, nil
}

// QueryItem returns the item with its active blocker.
func (e *Engine) QueryItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.Repo.GetItem(ctx, id)
}

// ListItemsByStatus lists items in the given statuses (all when empty), ordered by id.
func (e *Engine) ListItemsByStatus(ctx context.Context, statuses []domain.Status, assignee, afterID string, limit int) ([]domain.WorkItem, error) {
	return e.Repo.ListItems(ctx, repo.ItemFilters{Statuses: statuses, Assignee: assignee, AfterID: afterID, Limit: limit})
}

// History returns the item's transition records ordered by version.
func (e *Engine) History(ctx context.Context, id string) ([]domain.TransitionRecord, error) {
	if _, err := e.Repo.GetItem(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListTransitions(ctx, id)
}

// Blockers lists every blocker the item has had, oldest first.
func (e *Engine) Blockers(ctx context.Context, id string) ([]domain.Blocker, error) {
	if _, err := e.Repo.GetItem(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListBlockers(ctx, id)
}

// Notifications lists the outbox rows produced for the item.
func (e *Engine) Notifications(ctx context.Context, id string) ([]domain.Notification, error) {
	if _, err := e.Repo.GetItem(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListNotifications(ctx, id)
}

// Route tells an integrator where an approval of the item would go.
func (e *Engine) Route(ctx context.Context, id string) (domain.Status, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if err != nil {
		return "", err
	}
	return workflow.Route(it)
}

// Transitions lists the statuses reachable from the item's current status.
func (e *Engine) Transitions(ctx context.Context, id string) (domain.WorkItem, []domain.Status, bool, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if err != nil {
		return it, nil, false, err
	}
	return it, workflow.LegalTargets(it), workflow.CanBlock(it), nil
}

// RegisterActor creates or updates an actor. The system- prefix is reserved.
func (e *Engine) RegisterActor(ctx context.Context, a domain.ActorRef) (domain.ActorRef, error) {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return a, InputError{Msg: "actor id required"}
	}
	if auth.Reserved(a.ID) {
		return a, InputError{Msg: fmt.Sprintf("actor id %s is reserved", a.ID)}
	}
	kind, err := domain.ParseActorKind(string(a.Kind))
	if err != nil {
		return a, InputError{Msg: err.Error()}
	}
	a.Kind = kind
	caps := make([]domain.Capability, 0, len(a.Capabilities))
	for _, raw := range a.Capabilities {
		c, err := domain.ParseCapability(string(raw))
		if err != nil {
			return a, InputError{Msg: err.Error()}
		}
		if !slices.Contains(caps, c) {
			caps = append(caps, c)
		}
	}
	a.Capabilities = caps
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertActor(ctx, tx, a, e.now()); err != nil {
		return a, fmt.Errorf("upsert actor: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.ActorRegistered, "actor", a.ID, a.ID, events.EventPayload{
		"kind":         string(a.Kind),
		"capabilities": a.Capabilities,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// CreateAPIKey issues a key for an actor and returns the raw key once.
func (e *Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if _, err := e.Actors.Resolve(ctx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := repo.KeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	k := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		Prefix:    repo.DisplayPrefix(raw),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, k); err != nil {
		return domain.APIKey{}, "", err
	}
	return k, raw, nil
}

// RevokeAPIKey disables a key. Later requests presenting it are unauthenticated.
func (e *Engine) RevokeAPIKey(ctx context.Context, keyID string) error {
	if err := e.Repo.RevokeAPIKey(ctx, keyID, e.now()); err != nil {
		return err
	}
	e.Log.Info(ctx, "api key revoked", zap.String("key_id", keyID))
	return nil
}

// AssignItem replaces the item's assignees. It bumps the version but is not a status
// transition, so no TransitionRecord is written.
func (e *Engine) AssignItem(ctx context.Context, itemID string, expectedVersion int64, actorID string, assignees []string) (domain.WorkItem, error) {
	if expectedVersion <= 0 {
		return domain.WorkItem{}, InputError{Msg: "expected version required"}
	}
	actor, err := e.Actors.Resolve(ctx, actorID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	assignees = dedupe(assignees)
	for _, a := range assignees {
		if _, err := e.Actors.Resolve(ctx, a); err != nil {
			return domain.WorkItem{}, InputError{Msg: fmt.Sprintf("assignee %s is not a registered actor", a)}
		}
	}
	var (
		next       domain.WorkItem
		ob         outbox
		prev       []string
		projection itemstore.Delta
	)
	err = e.Locks.Do(ctx, itemID, func(ctx context.Context) error {
		cur, err := e.Repo.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return &repo.ConflictError{ItemID: itemID, Expected: expectedVersion, Actual: cur.Version}
		}
		if !cur.IsAssigned(actor.ID) && !actor.Can(domain.CapOrchestrator) {
			return auth.ForbiddenError{ActorID: actor.ID, Permission: "orchestrator or assignee"}
		}
		if cur.Status.Terminal() {
			return InputError{Msg: "done items cannot be reassigned"}
		}
		prev = cur.Assignees
		next = cur
		next.Assignees = assignees
		next.Version++
		next.UpdatedAt = e.now()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.CompareAndSwapItem(ctx, tx, next, cur.Version); err != nil {
			return err
		}
		payload := map[string]any{"assignees": assignees, "previous": prev, "version": next.Version}
		if _, err := e.Events.Append(ctx, tx, events.AssignmentChanged, "item", itemID, actor.ID, payload); err != nil {
			return err
		}
		var added []string
		for _, a := range assignees {
			if !slices.Contains(prev, a) {
				added = append(added, a)
			}
		}
		if err := e.enqueue(ctx, tx, &ob, itemID, notify.TypeItemAssigned, added, payload, actor.ID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		projection.Add = added
		for _, a := range prev {
			if !slices.Contains(assignees, a) {
				projection.Remove = append(projection.Remove, a)
			}
		}
		return nil
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	e.project(ctx, itemID, itemstore.Delta{}, projection)
	e.deliver(ctx, ob)
	return next, nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
