package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/config"
	"boardline/internal/db"
	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/engine/auth"
	"boardline/internal/escalation"
	"boardline/internal/itemstore"
	"boardline/internal/lock"
	"boardline/internal/logging"
	"boardline/internal/migrate"
	"boardline/internal/notify"
	"boardline/internal/repo"
	"boardline/internal/workflow"
)

type testEnv struct {
	Engine   *engine.Engine
	Store    *itemstore.Memory
	Notified *notify.Recorder
	Ctx      context.Context
	clock    time.Time
	mu       sync.Mutex
}

func (env *testEnv) now() time.Time {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.clock
}

func (env *testEnv) advance(d time.Duration) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.clock = env.clock.Add(d)
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	cfg := config.Default("board-1")
	for _, fn := range tweak {
		fn(cfg)
	}
	env := &testEnv{
		Store:    itemstore.NewMemory(),
		Notified: &notify.Recorder{},
		Ctx:      context.Background(),
		clock:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	env.Engine = engine.New(conn, cfg, engine.Options{Store: env.Store, Gateway: env.Notified})
	env.Engine.Now = env.now

	for _, a := range []domain.ActorRef{
		{ID: "orch", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapOrchestrator}},
		{ID: "agent-a", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapAuthor}},
		{ID: "agent-b", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapAuthor}},
		{ID: "integrator", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapIntegrator}},
		{ID: "alice", Kind: domain.ActorHuman, Capabilities: []domain.Capability{domain.CapReviewer}},
	} {
		_, err := env.Engine.RegisterActor(env.Ctx, a)
		require.NoError(t, err)
	}
	return env
}

// move requests a transition at the item's current version.
func (env *testEnv) move(t *testing.T, id string, to domain.Status, actor string, p workflow.Payload) engine.TransitionResult {
	t.Helper()
	it, err := env.Engine.QueryItem(env.Ctx, id)
	require.NoError(t, err)
	res, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionRequest{ItemID: id, ExpectedVersion: it.Version, To: to, ActorID: actor, Payload: p})
	require.NoError(t, err)
	return res
}

func (env *testEnv) createGroomed(t *testing.T, id string, size domain.Size) domain.WorkItem {
	t.Helper()
	it, err := env.Engine.CreateItem(env.Ctx, engine.CreateItemOptions{ID: id, Title: "Add retry to client", AcceptanceCriteria: "retries 3 times", ActorID: "orch"})
	require.NoError(t, err)
	require.Equal(t, int64(1), it.Version)
	return env.move(t, id, domain.StatusTodo, "orch", workflow.Payload{Size: size}).Item
}

func TestSmallItemHappyPath(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#7"
	env.createGroomed(t, id, domain.SizeSmall)

	res := env.move(t, id, domain.StatusInProgress, "agent-a", workflow.Payload{})
	assert.Equal(t, []string{"agent-a"}, res.Item.Assignees)
	assert.Equal(t, "fix/acme-api-7-add-retry-to-client", res.BranchHint)

	env.move(t, id, domain.StatusAiReview, "agent-a", workflow.Payload{ArtifactRef: "acme/api#8"})

	to, err := env.Engine.Route(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMergeRelease, to)
	env.move(t, id, domain.StatusMergeRelease, "integrator", workflow.Payload{Verdict: workflow.VerdictApproved})

	_, err = env.Engine.ConfirmMerge(env.Ctx, id)
	require.ErrorIs(t, err, workflow.ErrPreconditionFailed)

	env.Store.MergeArtifact("acme/api#8")
	done, err := env.Engine.ConfirmMerge(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, done.Item.Status)
	assert.Equal(t, int64(6), done.Item.Version)
	assert.Equal(t, domain.MergeActorID, done.Record.ActorID)

	history, err := env.Engine.History(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, rec := range history {
		assert.Equal(t, int64(i+2), rec.Version)
		assert.False(t, rec.Forced)
	}
	assert.Equal(t, domain.StatusBacklog, history[0].FromStatus)
	assert.Equal(t, domain.StatusDone, history[4].ToStatus)

	snap, err := env.Store.GetItem(env.Ctx, itemstore.Ref{ID: id})
	require.NoError(t, err)
	assert.Equal(t, []string{"status:done"}, snap.Labels)
	assert.Equal(t, []string{"agent-a"}, snap.Assignees)

	assert.Contains(t, env.Notified.Types("integrator"), notify.TypeItemTransitioned)
}

func TestHumanReviewToAiReviewIsRejectedWithLegalTargets(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#9"
	env.createGroomed(t, id, domain.SizeBig)
	env.move(t, id, domain.StatusInProgress, "agent-a", workflow.Payload{})
	env.move(t, id, domain.StatusAiReview, "agent-a", workflow.Payload{ArtifactRef: "acme/api#10"})
	cur := env.move(t, id, domain.StatusHumanReview, "integrator", workflow.Payload{Verdict: workflow.VerdictApproved}).Item

	_, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionRequest{ItemID: id, ExpectedVersion: cur.Version, To: domain.StatusAiReview, ActorID: "alice"})
	var rej *workflow.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, workflow.CodeInvalidTransition, rej.Code)
	assert.Equal(t, []domain.Status{domain.StatusInProgress, domain.StatusMergeRelease}, rej.Legal)

	after, err := env.Engine.QueryItem(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, cur.Version, after.Version)
	assert.Equal(t, domain.StatusHumanReview, after.Status)

	_, err = env.Engine.RequestTransition(env.Ctx, engine.TransitionRequest{ItemID: id, ExpectedVersion: cur.Version, To: domain.StatusMergeRelease, ActorID: "integrator", Payload: workflow.Payload{Verdict: workflow.VerdictApproved}})
	require.ErrorIs(t, err, workflow.ErrRoleNotPermitted)
}

func TestBlockRemindResolve(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#11"
	env.createGroomed(t, id, domain.SizeSmall)
	cur := env.move(t, id, domain.StatusInProgress, "agent-a", workflow.Payload{}).Item

	res, err := env.Engine.ReportBlocker(env.Ctx, id, cur.Version, "agent-a", workflow.BlockerInput{Reason: "missing API key", Category: domain.BlockerMissingCredential}, "")
	require.NoError(t, err)
	blocked := res.Item
	require.Equal(t, domain.StatusBlocked, blocked.Status)
	require.Equal(t, domain.StatusInProgress, blocked.PreviousStatus)
	require.NotNil(t, blocked.Blocker)
	assert.Equal(t, domain.StageNotified, blocked.Blocker.EscalationStage)
	assert.Contains(t, env.Notified.Types("agent-a"), notify.TypeBlockerReported)
	assert.Equal(t, []string{notify.TypeBlockerReported}, env.Notified.Types("orch"))

	timers, err := env.Engine.Repo.ListTimers(env.Ctx, blocked.Blocker.ID)
	require.NoError(t, err)
	require.Len(t, timers, 3)

	sched := &escalation.Scheduler{Repo: env.Engine.Repo, Firer: env.Engine, Log: logging.NewNop()}
	sweep, err := sched.Sweep(env.Ctx, env.now())
	require.NoError(t, err)
	assert.Zero(t, sweep.Fired)

	env.advance(4*time.Hour + time.Minute)
	sweep, err = sched.Sweep(env.Ctx, env.now())
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Fired)
	b, err := env.Engine.Repo.GetBlocker(env.Ctx, blocked.Blocker.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageReminded, b.EscalationStage)
	types := env.Notified.Types("agent-a")
	assert.Equal(t, []string{notify.TypeBlockerReported, notify.TypeBlockerReminder}, types[len(types)-2:])
	assert.NotContains(t, env.Notified.Types("orch"), notify.TypeBlockerReminder)

	// a second sweep at the same instant is a no-op
	sweep, err = sched.Sweep(env.Ctx, env.now())
	require.NoError(t, err)
	assert.Zero(t, sweep.Due)

	_, err = env.Engine.ResolveBlocker(env.Ctx, engine.ResolveRequest{ItemID: id, ExpectedVersion: blocked.Version, ActorID: "orch"})
	require.ErrorIs(t, err, workflow.ErrPreconditionFailed)

	out, err := env.Engine.ResolveBlocker(env.Ctx, engine.ResolveRequest{ItemID: id, ExpectedVersion: blocked.Version, ActorID: "orch", Resolution: "key issued"})
	require.NoError(t, err)
	assert.Nil(t, out.Reblocked)
	assert.Equal(t, domain.StatusInProgress, out.Resolved.Item.Status)
	assert.Nil(t, out.Resolved.Item.Blocker)
	assert.Empty(t, out.Resolved.Item.PreviousStatus)
	assert.Equal(t, "4h1m0s", out.Resolved.Record.Details["blocked_for"])

	timers, err = env.Engine.Repo.ListTimers(env.Ctx, blocked.Blocker.ID)
	require.NoError(t, err)
	states := map[domain.EscalationStage]string{}
	for _, tm := range timers {
		states[tm.Stage] = tm.State
	}
	assert.Equal(t, repo.TimerFired, states[domain.StageReminded])
	assert.Equal(t, repo.TimerCancelled, states[domain.StageUrgentReminder])
	assert.Equal(t, repo.TimerCancelled, states[domain.StageAwaitingUser])

	env.advance(30 * time.Hour)
	sweep, err = sched.Sweep(env.Ctx, env.now())
	require.NoError(t, err)
	assert.Zero(t, sweep.Fired)
	b, err = env.Engine.Repo.GetBlocker(env.Ctx, blocked.Blocker.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageReminded, b.EscalationStage)
	require.NotNil(t, b.ResolvedAt)

	history, err := env.Engine.History(env.Ctx, id)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, domain.StatusBlocked, last.FromStatus)
	assert.Equal(t, domain.StatusInProgress, last.ToStatus)
	assert.Equal(t, "orch", last.ActorID)
}

func TestEscalationReachesAwaitingUser(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#12"
	env.createGroomed(t, id, domain.SizeSmall)
	cur := env.move(t, id, domain.StatusInProgress, "agent-a", workflow.Payload{}).Item
	_, err := env.Engine.ReportBlocker(env.Ctx, id, cur.Version, "agent-a", workflow.BlockerInput{Reason: "waiting on vendor", Category: domain.BlockerExternalParty}, "")
	require.NoError(t, err)

	sched := &escalation.Scheduler{Repo: env.Engine.Repo, Firer: env.Engine, Log: logging.NewNop()}
	env.advance(25 * time.Hour)
	sweep, err := sched.Sweep(env.Ctx, env.now())
	require.NoError(t, err)
	assert.Equal(t, 3, sweep.Fired)

	rep, err := env.Engine.StatusReport(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, rep.AwaitingUser)
	assert.Equal(t, 1, rep.Counts[domain.StatusBlocked])
	assert.Contains(t, env.Notified.Types("orch"), notify.TypeBlockerAwaiting)
}

func TestResolveWithFollowUpBlocker(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#13"
	cur := env.createGroomed(t, id, domain.SizeBig)
	res, err := env.Engine.ReportBlocker(env.Ctx, id, cur.Version, "orch", workflow.BlockerInput{Reason: "needs design", Category: domain.BlockerClarification}, "")
	require.NoError(t, err)
	first := res.Item.Blocker.ID

	out, err := env.Engine.ResolveBlocker(env.Ctx, engine.ResolveRequest{
		ItemID: id, ExpectedVersion: res.Item.Version, ActorID: "orch", Resolution: "design agreed",
		NewBlocker: &workflow.BlockerInput{Reason: "needs staging access", Category: domain.BlockerResourceAccess},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Reblocked)
	assert.Equal(t, domain.StatusTodo, out.Resolved.Item.Status)
	assert.Equal(t, domain.StatusBlocked, out.Reblocked.Item.Status)
	assert.Equal(t, domain.StatusTodo, out.Reblocked.Item.PreviousStatus)
	assert.NotEqual(t, first, out.Reblocked.Item.Blocker.ID)

	history, err := env.Engine.History(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, out.Resolved.Record.Version+1, out.Reblocked.Record.Version)
}

func TestConcurrentClaimYieldsOneConflict(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Locking.WaitTimeout = 5 * time.Second })
	id := "acme/api#14"
	todo := env.createGroomed(t, id, domain.SizeSmall)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{"agent-a", "agent-b"} {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			_, errs[i] = env.Engine.RequestTransition(env.Ctx, engine.TransitionRequest{ItemID: id, ExpectedVersion: todo.Version, To: domain.StatusInProgress, ActorID: actor})
		}(i, actor)
	}
	wg.Wait()

	var applied, conflicts int
	for _, err := range errs {
		var conflict *repo.ConflictError
		switch {
		case err == nil:
			applied++
		case errors.As(err, &conflict):
			conflicts++
			assert.Equal(t, todo.Version, conflict.Expected)
			assert.Equal(t, todo.Version+1, conflict.Actual)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, conflicts)

	it, err := env.Engine.QueryItem(env.Ctx, id)
	require.NoError(t, err)
	assert.Len(t, it.Assignees, 1)
	history, err := env.Engine.History(env.Ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestBusyWhenItemLockIsHeld(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Locking.WaitTimeout = 20 * time.Millisecond })
	id := "acme/api#15"
	todo := env.createGroomed(t, id, domain.SizeSmall)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- env.Engine.Locks.Do(env.Ctx, id, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	_, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionRequest{ItemID: id, ExpectedVersion: todo.Version, To: domain.StatusInProgress, ActorID: "agent-a"})
	require.ErrorIs(t, err, lock.ErrBusy)
	close(release)
	require.NoError(t, <-done)

	it, err := env.Engine.QueryItem(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, todo.Version, it.Version)
}

func TestNotificationFailureDoesNotUndoTransition(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#16"
	env.createGroomed(t, id, domain.SizeSmall)
	env.move(t, id, domain.StatusInProgress, "agent-a", workflow.Payload{})

	env.Notified.SetFail(errors.New("gateway down"))
	res := env.move(t, id, domain.StatusAiReview, "agent-a", workflow.Payload{ArtifactRef: "acme/api#17"})
	require.Len(t, res.NotificationFailures, 1)
	assert.Equal(t, "integrator", res.NotificationFailures[0].Recipient)

	it, err := env.Engine.QueryItem(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAiReview, it.Status)

	env.Notified.SetFail(nil)
	env.advance(time.Hour)
	delivered, _, err := env.Engine.Dispatcher.RetryDue(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestProjectionFailureIsReported(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#18"
	env.createGroomed(t, id, domain.SizeSmall)
	env.Store.FailMutate = errors.New("tracker offline")
	res := env.move(t, id, domain.StatusInProgress, "agent-a", workflow.Payload{})
	assert.Equal(t, "tracker offline", res.ProjectionError)
	assert.Equal(t, domain.StatusInProgress, res.Item.Status)
}

func TestForceCorrectFromBlocked(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#19"
	cur := env.createGroomed(t, id, domain.SizeSmall)
	res, err := env.Engine.ReportBlocker(env.Ctx, id, cur.Version, "orch", workflow.BlockerInput{Reason: "blocked on #3", Category: domain.BlockerDependency, LinkedItemID: "acme/api#3"}, "")
	require.NoError(t, err)
	blockerID := res.Item.Blocker.ID

	forced, applied, err := env.Engine.ForceCorrect(env.Ctx, id, engine.DivergenceIssueClosed, nil)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, domain.StatusDone, forced.Item.Status)
	assert.True(t, forced.Record.Forced)
	assert.Equal(t, domain.ReconcilerActorID, forced.Record.ActorID)
	assert.Equal(t, engine.DivergenceIssueClosed, forced.Record.DivergenceReason)
	assert.Contains(t, env.Notified.Types("orch"), notify.TypeDivergence)

	b, err := env.Engine.Repo.GetBlocker(env.Ctx, blockerID)
	require.NoError(t, err)
	require.NotNil(t, b.ResolvedAt)
	timers, err := env.Engine.Repo.ListTimers(env.Ctx, blockerID)
	require.NoError(t, err)
	for _, tm := range timers {
		assert.Equal(t, repo.TimerCancelled, tm.State)
	}

	_, applied, err = env.Engine.ForceCorrect(env.Ctx, id, engine.DivergenceIssueClosed, nil)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestAssignBumpsVersionWithoutRecord(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#20"
	todo := env.createGroomed(t, id, domain.SizeSmall)

	_, err := env.Engine.AssignItem(env.Ctx, id, todo.Version, "agent-a", []string{"agent-b"})
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	it, err := env.Engine.AssignItem(env.Ctx, id, todo.Version, "orch", []string{"agent-b"})
	require.NoError(t, err)
	assert.Equal(t, todo.Version+1, it.Version)
	assert.Contains(t, env.Notified.Types("agent-b"), notify.TypeItemAssigned)

	history, err := env.Engine.History(env.Ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = env.Engine.RequestTransition(env.Ctx, engine.TransitionRequest{ItemID: id, ExpectedVersion: it.Version, To: domain.StatusInProgress, ActorID: "agent-a"})
	require.ErrorIs(t, err, workflow.ErrRoleNotPermitted)
}

func TestActorRegistry(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterActor(env.Ctx, domain.ActorRef{ID: domain.ReconcilerActorID, Kind: domain.ActorAgent})
	var in engine.InputError
	require.ErrorAs(t, err, &in)
	_, err = env.Engine.RegisterActor(env.Ctx, domain.ActorRef{ID: "x", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapSystem}})
	require.ErrorAs(t, err, &in)

	_, err = env.Engine.CreateItem(env.Ctx, engine.CreateItemOptions{Title: "t", ActorID: "nobody"})
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, "alice", "laptop")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, key.Prefix))
	a, err := env.Engine.Actors.ActorForAPIKey(env.Ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", a.ID)
	_, err = env.Engine.Actors.ActorForAPIKey(env.Ctx, "bl_wrong")
	require.ErrorIs(t, err, auth.ErrUnauthenticated)

	keys, err := env.Engine.Repo.ListAPIKeys(env.Ctx, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID))
	_, err = env.Engine.Actors.ActorForAPIKey(env.Ctx, raw)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
	require.ErrorIs(t, env.Engine.RevokeAPIKey(env.Ctx, "missing"), repo.ErrNotFound)
}

func TestStaleAlertRaisedOnce(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#21"
	env.createGroomed(t, id, domain.SizeSmall)
	it := env.move(t, id, domain.StatusInProgress, "agent-a", workflow.Payload{}).Item

	_, stale, err := env.Engine.CheckStale(env.Ctx, it)
	require.NoError(t, err)
	assert.False(t, stale)

	env.advance(49 * time.Hour)
	s, stale, err := env.Engine.CheckStale(env.Ctx, it)
	require.NoError(t, err)
	require.True(t, stale)
	raised, err := env.Engine.AlertStale(env.Ctx, s)
	require.NoError(t, err)
	assert.True(t, raised)
	raised, err = env.Engine.AlertStale(env.Ctx, s)
	require.NoError(t, err)
	assert.False(t, raised)
	types := env.Notified.Types("agent-a")
	assert.Equal(t, notify.TypeStale, types[len(types)-1])
	assert.Equal(t, []string{notify.TypeStale}, env.Notified.Types("orch"))

	after, err := env.Engine.QueryItem(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, it.Version, after.Version)
}

func TestListItemsByStatusFiltersAndPages(t *testing.T) {
	env := newTestEnv(t)
	env.createGroomed(t, "acme/api#1", domain.SizeSmall)
	env.createGroomed(t, "acme/api#2", domain.SizeBig)
	env.createGroomed(t, "acme/api#3", domain.SizeSmall)
	env.move(t, "acme/api#2", domain.StatusInProgress, "agent-a", workflow.Payload{})

	todo, err := env.Engine.ListItemsByStatus(env.Ctx, []domain.Status{domain.StatusTodo}, "", "", 0)
	require.NoError(t, err)
	require.Len(t, todo, 2)
	assert.Equal(t, "acme/api#1", todo[0].ID)
	assert.Equal(t, "acme/api#3", todo[1].ID)

	page, err := env.Engine.ListItemsByStatus(env.Ctx, []domain.Status{domain.StatusTodo, domain.StatusInProgress}, "", "acme/api#1", 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "acme/api#2", page[0].ID)

	mine, err := env.Engine.ListItemsByStatus(env.Ctx, nil, "agent-a", "", 0)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, domain.StatusInProgress, mine[0].Status)
}

func TestResolveRejectsInvalidFollowUpBlockerBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#31"
	cur := env.createGroomed(t, id, domain.SizeSmall)
	cur = env.move(t, id, domain.StatusInProgress, "agent-a", workflow.Payload{}).Item
	res, err := env.Engine.ReportBlocker(env.Ctx, id, cur.Version, "agent-a", workflow.BlockerInput{Reason: "missing API key", Category: domain.BlockerMissingCredential}, "")
	require.NoError(t, err)
	blocked := res.Item

	_, err = env.Engine.ResolveBlocker(env.Ctx, engine.ResolveRequest{
		ItemID: id, ExpectedVersion: blocked.Version, ActorID: "agent-a", Resolution: "key issued",
		NewBlocker: &workflow.BlockerInput{Reason: "", Category: domain.BlockerDependency},
	})
	require.ErrorIs(t, err, workflow.ErrPreconditionFailed)

	_, err = env.Engine.ResolveBlocker(env.Ctx, engine.ResolveRequest{
		ItemID: id, ExpectedVersion: blocked.Version, ActorID: "agent-b", Resolution: "key issued",
		NewBlocker: &workflow.BlockerInput{Reason: "needs vendor sign-off", Category: domain.BlockerExternalParty},
	})
	require.ErrorIs(t, err, workflow.ErrRoleNotPermitted)

	it, err := env.Engine.QueryItem(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, it.Status)
	assert.Equal(t, blocked.Version, it.Version)
	require.NotNil(t, it.Blocker)
	assert.Equal(t, blocked.Blocker.ID, it.Blocker.ID)

	out, err := env.Engine.ResolveBlocker(env.Ctx, engine.ResolveRequest{
		ItemID: id, ExpectedVersion: blocked.Version, ActorID: "agent-a", Resolution: "key issued",
		NewBlocker: &workflow.BlockerInput{Reason: "needs vendor sign-off", Category: "ExternalParty"},
	})
	require.NoError(t, err)
	assert.Empty(t, out.ReblockError)
	require.NotNil(t, out.Reblocked)
	assert.Equal(t, domain.BlockerExternalParty, out.Reblocked.Item.Blocker.Category)
}

// gatedStore holds the first tracker write until release is closed.
type gatedStore struct {
	itemstore.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Mutate(ctx context.Context, id string, labels, assignees itemstore.Delta) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Store.Mutate(ctx, id, labels, assignees)
}

func TestTrackerWritesDoNotHoldItemLock(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Locking.WaitTimeout = 50 * time.Millisecond })
	id := "acme/api#32"
	todo := env.createGroomed(t, id, domain.SizeSmall)
	gate := &gatedStore{Store: env.Store, entered: make(chan struct{}), release: make(chan struct{})}
	env.Engine.Store = gate

	claimed := make(chan error, 1)
	go func() {
		_, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionRequest{ItemID: id, ExpectedVersion: todo.Version, To: domain.StatusInProgress, ActorID: "agent-a"})
		claimed <- err
	}()
	<-gate.entered

	it, err := env.Engine.QueryItem(env.Ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, it.Status)
	_, err = env.Engine.RequestTransition(env.Ctx, engine.TransitionRequest{
		ItemID: id, ExpectedVersion: it.Version, To: domain.StatusAiReview, ActorID: "agent-a",
		Payload: workflow.Payload{ArtifactRef: "acme/api#33"},
	})
	require.NoError(t, err)

	close(gate.release)
	require.NoError(t, <-claimed)
}

func TestDeclaredSizeIsNormalized(t *testing.T) {
	env := newTestEnv(t)
	id := "acme/api#34"
	_, err := env.Engine.CreateItem(env.Ctx, engine.CreateItemOptions{ID: id, Title: "Cache tokens", AcceptanceCriteria: "hit rate above 90%", ActorID: "orch"})
	require.NoError(t, err)
	res := env.move(t, id, domain.StatusTodo, "orch", workflow.Payload{Size: "Small"})
	assert.Equal(t, domain.SizeSmall, res.Item.Size)
}
