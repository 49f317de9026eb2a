package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/domain"
)

var (
	author       = domain.ActorRef{ID: "agent-a", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapAuthor}}
	otherAuthor  = domain.ActorRef{ID: "agent-b", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapAuthor}}
	integrator   = domain.ActorRef{ID: "integrator", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapIntegrator}}
	orchestrator = domain.ActorRef{ID: "orch", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapOrchestrator}}
	humanRev     = domain.ActorRef{ID: "alice", Kind: domain.ActorHuman, Capabilities: []domain.Capability{domain.CapReviewer}}
	agentRev     = domain.ActorRef{ID: "bot-rev", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapReviewer}}
)

func item(status domain.Status, size domain.Size) domain.WorkItem {
	it := domain.WorkItem{
		ID:                 "acme/api#7",
		Title:              "Add retry to client",
		AcceptanceCriteria: "retries 3 times",
		Status:             status,
		Size:               size,
		Assignees:          []string{author.ID},
		Version:            3,
	}
	if status.RequiresArtifact() {
		it.ArtifactRef = "acme/api#8"
	}
	return it
}

func requireCode(t *testing.T, err error, code string) *RejectionError {
	t.Helper()
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, code, rej.Code, rej.Error())
	return rej
}

func TestHumanReviewToAiReviewListsLegalTargets(t *testing.T) {
	_, err := Validate(item(domain.StatusHumanReview, domain.SizeBig), domain.StatusAiReview, humanRev, Payload{})
	rej := requireCode(t, err, CodeInvalidTransition)
	assert.Equal(t, []domain.Status{domain.StatusInProgress, domain.StatusMergeRelease}, rej.Legal)
	assert.True(t, rej.CanBlock)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.False(t, errors.Is(err, ErrRoleNotPermitted))
}

func TestApprovalRoutingBySize(t *testing.T) {
	approve := Payload{Verdict: VerdictApproved}

	dec, err := Validate(item(domain.StatusAiReview, domain.SizeSmall), domain.StatusMergeRelease, integrator, approve)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMergeRelease, dec.To)
	_, err = Validate(item(domain.StatusAiReview, domain.SizeSmall), domain.StatusHumanReview, integrator, approve)
	requireCode(t, err, CodePreconditionFailed)

	dec, err = Validate(item(domain.StatusAiReview, domain.SizeBig), domain.StatusHumanReview, integrator, approve)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHumanReview, dec.To)
	_, err = Validate(item(domain.StatusAiReview, domain.SizeBig), domain.StatusMergeRelease, integrator, approve)
	requireCode(t, err, CodePreconditionFailed)

	_, err = Validate(item(domain.StatusAiReview, domain.SizeBig), domain.StatusHumanReview, author, approve)
	requireCode(t, err, CodeRoleNotPermitted)
}

func TestRoute(t *testing.T) {
	to, err := Route(item(domain.StatusAiReview, domain.SizeSmall))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMergeRelease, to)
	to, err = Route(item(domain.StatusAiReview, domain.SizeBig))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHumanReview, to)
	_, err = Route(item(domain.StatusAiReview, ""))
	require.Error(t, err)
}

func TestBacklogToTodoRequiresGrooming(t *testing.T) {
	it := item(domain.StatusBacklog, "")
	_, err := Validate(it, domain.StatusTodo, orchestrator, Payload{})
	requireCode(t, err, CodePreconditionFailed)

	dec, err := Validate(it, domain.StatusTodo, orchestrator, Payload{Size: domain.SizeBig})
	require.NoError(t, err)
	assert.Equal(t, domain.SizeBig, dec.Effects.SetSize)

	it.AcceptanceCriteria = ""
	_, err = Validate(it, domain.StatusTodo, orchestrator, Payload{Size: domain.SizeBig})
	requireCode(t, err, CodePreconditionFailed)

	_, err = Validate(item(domain.StatusBacklog, domain.SizeSmall), domain.StatusTodo, author, Payload{})
	requireCode(t, err, CodeRoleNotPermitted)
}

func TestSizeIsImmutable(t *testing.T) {
	_, err := Validate(item(domain.StatusBacklog, domain.SizeSmall), domain.StatusTodo, orchestrator, Payload{Size: domain.SizeBig})
	rej := requireCode(t, err, CodePreconditionFailed)
	assert.Contains(t, rej.Detail, "immutable")
}

func TestClaimUnassignedItem(t *testing.T) {
	it := item(domain.StatusTodo, domain.SizeSmall)
	it.Assignees = nil

	dec, err := Validate(it, domain.StatusInProgress, otherAuthor, Payload{})
	require.NoError(t, err)
	assert.Equal(t, otherAuthor.ID, dec.Effects.ClaimAssignee)
	assert.Equal(t, "fix/acme-api-7-add-retry-to-client", dec.Effects.BranchHint)

	_, err = Validate(it, domain.StatusInProgress, integrator, Payload{})
	requireCode(t, err, CodeRoleNotPermitted)

	assigned := item(domain.StatusTodo, domain.SizeSmall)
	_, err = Validate(assigned, domain.StatusInProgress, otherAuthor, Payload{})
	requireCode(t, err, CodeRoleNotPermitted)
	dec, err = Validate(assigned, domain.StatusInProgress, author, Payload{})
	require.NoError(t, err)
	assert.Empty(t, dec.Effects.ClaimAssignee)
}

func TestAiReviewNeedsArtifact(t *testing.T) {
	it := item(domain.StatusInProgress, domain.SizeSmall)
	_, err := Validate(it, domain.StatusAiReview, author, Payload{})
	requireCode(t, err, CodePreconditionFailed)

	dec, err := Validate(it, domain.StatusAiReview, author, Payload{ArtifactRef: "acme/api#9"})
	require.NoError(t, err)
	assert.Equal(t, "acme/api#9", dec.Effects.SetArtifactRef)
}

func TestHumanReviewRequiresHuman(t *testing.T) {
	it := item(domain.StatusHumanReview, domain.SizeBig)
	_, err := Validate(it, domain.StatusMergeRelease, agentRev, Payload{Verdict: VerdictApproved})
	requireCode(t, err, CodeRoleNotPermitted)

	_, err = Validate(it, domain.StatusMergeRelease, humanRev, Payload{Verdict: VerdictChangesRequested})
	requireCode(t, err, CodePreconditionFailed)

	_, err = Validate(it, domain.StatusInProgress, humanRev, Payload{Verdict: VerdictChangesRequested})
	require.NoError(t, err)
}

func TestDoneIsTerminalAndNeedsSystem(t *testing.T) {
	_, err := Validate(item(domain.StatusMergeRelease, domain.SizeSmall), domain.StatusDone, integrator, Payload{Merged: true})
	requireCode(t, err, CodeRoleNotPermitted)

	system := domain.SystemActor(domain.MergeActorID)
	_, err = Validate(item(domain.StatusMergeRelease, domain.SizeSmall), domain.StatusDone, system, Payload{})
	requireCode(t, err, CodePreconditionFailed)
	_, err = Validate(item(domain.StatusMergeRelease, domain.SizeSmall), domain.StatusDone, system, Payload{Merged: true})
	require.NoError(t, err)

	done := item(domain.StatusDone, domain.SizeSmall)
	for _, to := range domain.Statuses {
		_, err := Validate(done, to, orchestrator, Payload{Blocker: &BlockerInput{Reason: "x", Category: domain.BlockerDependency}})
		requireCode(t, err, CodeInvalidTransition)
	}
	assert.Empty(t, LegalTargets(done))
	assert.False(t, CanBlock(done))
}

func TestBlockAndResolve(t *testing.T) {
	it := item(domain.StatusInProgress, domain.SizeSmall)
	_, err := Validate(it, domain.StatusBlocked, author, Payload{Blocker: &BlockerInput{Reason: " ", Category: domain.BlockerMissingCredential}})
	requireCode(t, err, CodePreconditionFailed)
	_, err = Validate(it, domain.StatusBlocked, author, Payload{Blocker: &BlockerInput{Reason: "missing API key", Category: "weather"}})
	requireCode(t, err, CodePreconditionFailed)
	_, err = Validate(it, domain.StatusBlocked, otherAuthor, Payload{Blocker: &BlockerInput{Reason: "missing API key", Category: domain.BlockerMissingCredential}})
	requireCode(t, err, CodeRoleNotPermitted)

	dec, err := Validate(it, domain.StatusBlocked, author, Payload{Blocker: &BlockerInput{Reason: "missing API key", Category: "MISSING_CREDENTIAL"}})
	require.NoError(t, err)
	require.NotNil(t, dec.Effects.OpenBlocker)
	assert.Equal(t, domain.BlockerMissingCredential, dec.Effects.OpenBlocker.Category)

	blocked := it
	blocked.Status = domain.StatusBlocked
	blocked.PreviousStatus = domain.StatusInProgress
	blocked.Blocker = &domain.Blocker{ID: "b1", Reason: "missing API key", Category: domain.BlockerMissingCredential}
	assert.Equal(t, []domain.Status{domain.StatusInProgress}, LegalTargets(blocked))

	_, err = Validate(blocked, domain.StatusTodo, otherAuthor, Payload{Resolution: "key issued"})
	rej := requireCode(t, err, CodeInvalidTransition)
	assert.Equal(t, []domain.Status{domain.StatusInProgress}, rej.Legal)

	_, err = Validate(blocked, domain.StatusInProgress, otherAuthor, Payload{})
	requireCode(t, err, CodePreconditionFailed)

	dec, err = Validate(blocked, domain.StatusInProgress, otherAuthor, Payload{Resolution: "key issued"})
	require.NoError(t, err)
	assert.True(t, dec.Effects.ResolveBlocker)
}

func TestTableCoversEveryNonTerminalStatus(t *testing.T) {
	for _, s := range domain.Statuses {
		if s.Terminal() {
			continue
		}
		it := item(s, domain.SizeBig)
		if s == domain.StatusBlocked {
			it.PreviousStatus = domain.StatusTodo
		}
		assert.NotEmpty(t, LegalTargets(it), "status %s has no way out", s)
		assert.Equal(t, s != domain.StatusBlocked, CanBlock(it), s)
	}
}

func TestDeclaredSizeSpellingIsNormalized(t *testing.T) {
	dec, err := Validate(item(domain.StatusBacklog, ""), domain.StatusTodo, orchestrator, Payload{Size: "Big"})
	require.NoError(t, err)
	assert.Equal(t, domain.SizeBig, dec.Effects.SetSize)

	_, err = Validate(item(domain.StatusBacklog, domain.SizeSmall), domain.StatusTodo, orchestrator, Payload{Size: "SMALL"})
	require.NoError(t, err)

	_, err = Validate(item(domain.StatusBacklog, ""), domain.StatusTodo, orchestrator, Payload{Size: "huge"})
	requireCode(t, err, CodePreconditionFailed)
}
