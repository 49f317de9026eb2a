package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"boardline/internal/domain"
)

type Verdict string

const (
	VerdictApproved         Verdict = "approved"
	VerdictChangesRequested Verdict = "changes_requested"
)

// BlockerInput describes an impediment reported with a transition into Blocked.
type BlockerInput struct {
	Reason       string                 `json:"reason"`
	Category     domain.BlockerCategory `json:"category"`
	LinkedItemID string                 `json:"linked_item_id,omitempty"`
}

// Payload carries the caller-supplied data a transition may need.
type Payload struct {
	Comment     string        `json:"comment,omitempty"`
	Verdict     Verdict       `json:"verdict,omitempty"`
	ArtifactRef string        `json:"artifact_ref,omitempty"`
	Size        domain.Size   `json:"size,omitempty"`
	Blocker     *BlockerInput `json:"blocker,omitempty"`
	Resolution  string        `json:"resolution,omitempty"`
	// Merged is filled by the engine from the item store, never by callers.
	Merged bool `json:"-"`
}

// Effects are the side effects an allowed transition requires the engine to apply atomically.
type Effects struct {
	ClaimAssignee  string
	SetSize        domain.Size
	SetArtifactRef string
	BranchHint     string
	OpenBlocker    *BlockerInput
	ResolveBlocker bool
}

// Decision is the validator's allow result.
type Decision struct {
	From    domain.Status
	To      domain.Status
	Effects Effects
}

// Validate decides whether actor may move item to the requested status. It has no side effects.
func Validate(item domain.WorkItem, to domain.Status, actor domain.ActorRef, p Payload) (Decision, error) {
	r, ok := lookup(item.Status, to)
	if !ok || (item.Status == domain.StatusBlocked && to != item.PreviousStatus) {
		detail := "no such transition"
		if item.Status.Terminal() {
			detail = "done is terminal"
		}
		return Decision{}, Reject(CodeInvalidTransition, item, to, detail)
	}
	if !r.permit(item, actor, p) {
		return Decision{}, Reject(CodeRoleNotPermitted, item, to, fmt.Sprintf("requires %s", r.role))
	}
	if p.Size != "" {
		sz, err := domain.ParseSize(string(p.Size))
		if err != nil {
			return Decision{}, Reject(CodePreconditionFailed, item, to, err.Error())
		}
		p.Size = sz
	}
	if p.Size != "" && item.Size != "" && p.Size != item.Size {
		return Decision{}, Reject(CodePreconditionFailed, item, to, "size is immutable once set")
	}
	eff, detail := r.check(item, actor, p)
	if detail != "" {
		return Decision{}, Reject(CodePreconditionFailed, item, to, detail)
	}
	return Decision{From: item.Status, To: to, Effects: eff}, nil
}

func checkGroomed(item domain.WorkItem, _ domain.ActorRef, p Payload) (Effects, string) {
	if strings.TrimSpace(item.AcceptanceCriteria) == "" {
		return Effects{}, "acceptance criteria required"
	}
	if item.Size != "" {
		return Effects{}, ""
	}
	if p.Size == "" {
		return Effects{}, "size must be set or declared before leaving backlog"
	}
	return Effects{SetSize: p.Size}, ""
}

func checkStart(item domain.WorkItem, actor domain.ActorRef, _ Payload) (Effects, string) {
	eff := Effects{BranchHint: BranchHint(item)}
	if len(item.Assignees) == 0 {
		if actor.ID == "" {
			return Effects{}, "assignee required"
		}
		eff.ClaimAssignee = actor.ID
	}
	return eff, ""
}

func checkArtifact(item domain.WorkItem, _ domain.ActorRef, p Payload) (Effects, string) {
	ref := strings.TrimSpace(p.ArtifactRef)
	if ref == "" {
		if item.ArtifactRef == "" {
			return Effects{}, "artifact reference required"
		}
		return Effects{}, ""
	}
	return Effects{SetArtifactRef: ref}, ""
}

func checkVerdict(want Verdict) func(domain.WorkItem, domain.ActorRef, Payload) (Effects, string) {
	return func(_ domain.WorkItem, _ domain.ActorRef, p Payload) (Effects, string) {
		if p.Verdict != want {
			return Effects{}, fmt.Sprintf("verdict %q required", want)
		}
		return Effects{}, ""
	}
}

// checkRoutedTo enforces that an approval lands exactly where Route sends it.
func checkRoutedTo(target domain.Status) func(domain.WorkItem, domain.ActorRef, Payload) (Effects, string) {
	return func(item domain.WorkItem, _ domain.ActorRef, p Payload) (Effects, string) {
		if p.Verdict != VerdictApproved {
			return Effects{}, fmt.Sprintf("verdict %q required", VerdictApproved)
		}
		routed, err := Route(item)
		if err != nil {
			return Effects{}, err.Error()
		}
		if routed != target {
			return Effects{}, fmt.Sprintf("%s items route to %s", item.Size, routed)
		}
		return Effects{}, ""
	}
}

func checkMerged(_ domain.WorkItem, _ domain.ActorRef, p Payload) (Effects, string) {
	if !p.Merged {
		return Effects{}, "artifact not merged"
	}
	return Effects{}, ""
}

func checkBlocker(_ domain.WorkItem, _ domain.ActorRef, p Payload) (Effects, string) {
	if p.Blocker == nil || strings.TrimSpace(p.Blocker.Reason) == "" {
		return Effects{}, "blocker reason required"
	}
	cat, err := domain.ParseBlockerCategory(string(p.Blocker.Category))
	if err != nil {
		return Effects{}, err.Error()
	}
	in := *p.Blocker
	in.Reason = strings.TrimSpace(in.Reason)
	in.Category = cat
	return Effects{OpenBlocker: &in}, ""
}

func checkResolution(item domain.WorkItem, _ domain.ActorRef, p Payload) (Effects, string) {
	if strings.TrimSpace(p.Resolution) == "" {
		return Effects{}, "resolution note required"
	}
	if item.Blocker == nil {
		return Effects{}, "item has no active blocker"
	}
	return Effects{ResolveBlocker: true}, ""
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// BranchHint suggests a working branch name for an item entering InProgress.
func BranchHint(item domain.WorkItem) string {
	kind := "feature"
	if item.Size == domain.SizeSmall {
		kind = "fix"
	}
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(item.ID), "-"), "-")
	if title := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(item.Title), "-"), "-"); title != "" {
		if len(title) > 40 {
			title = strings.TrimRight(title[:40], "-")
		}
		slug += "-" + title
	}
	return kind + "/" + slug
}
