package workflow

import (
	"slices"

	"boardline/internal/domain"
)

// rule is one row of the transition table: who may move an item from one column to
// another and what must hold for the move to apply.
type rule struct {
	from, to domain.Status
	role     string
	permit   func(domain.WorkItem, domain.ActorRef, Payload) bool
	check    func(domain.WorkItem, domain.ActorRef, Payload) (Effects, string)
}

// table is built once; business logic consults it through lookup and LegalTargets only.
var table = buildTable()

func buildTable() []rule {
	rules := []rule{
		{from: domain.StatusBacklog, to: domain.StatusTodo, role: "orchestrator", permit: hasCap(domain.CapOrchestrator), check: checkGroomed},
		{from: domain.StatusTodo, to: domain.StatusInProgress, role: "assignee or claiming author", permit: permitStart, check: checkStart},
		{from: domain.StatusInProgress, to: domain.StatusAiReview, role: "assignee", permit: isAssignee, check: checkArtifact},
		{from: domain.StatusAiReview, to: domain.StatusInProgress, role: "integrator", permit: hasCap(domain.CapIntegrator), check: checkVerdict(VerdictChangesRequested)},
		{from: domain.StatusAiReview, to: domain.StatusHumanReview, role: "integrator", permit: hasCap(domain.CapIntegrator), check: checkRoutedTo(domain.StatusHumanReview)},
		{from: domain.StatusAiReview, to: domain.StatusMergeRelease, role: "integrator", permit: hasCap(domain.CapIntegrator), check: checkRoutedTo(domain.StatusMergeRelease)},
		{from: domain.StatusHumanReview, to: domain.StatusInProgress, role: "human reviewer", permit: isHumanReviewer, check: checkVerdict(VerdictChangesRequested)},
		{from: domain.StatusHumanReview, to: domain.StatusMergeRelease, role: "human reviewer", permit: isHumanReviewer, check: checkVerdict(VerdictApproved)},
		{from: domain.StatusMergeRelease, to: domain.StatusDone, role: "system", permit: hasCap(domain.CapSystem), check: checkMerged},
	}
	for _, from := range domain.Statuses {
		if from.Terminal() || from == domain.StatusBlocked {
			continue
		}
		rules = append(rules,
			rule{from: from, to: domain.StatusBlocked, role: "assignee, orchestrator or integrator", permit: permitBlock, check: checkBlocker},
			rule{from: domain.StatusBlocked, to: from, role: "registered actor", permit: anyActor, check: checkResolution},
		)
	}
	return rules
}

func lookup(from, to domain.Status) (rule, bool) {
	for _, r := range table {
		if r.from == from && r.to == to {
			return r, true
		}
	}
	return rule{}, false
}

// LegalTargets lists the workflow statuses an actor-initiated transition may reach from the
// item's current status. A blocked item may only return to the status it was blocked from.
// Blocked itself is reported by CanBlock.
func LegalTargets(item domain.WorkItem) []domain.Status {
	var out []domain.Status
	for _, r := range table {
		if r.from != item.Status || r.to == domain.StatusBlocked {
			continue
		}
		if item.Status == domain.StatusBlocked && r.to != item.PreviousStatus {
			continue
		}
		if !slices.Contains(out, r.to) {
			out = append(out, r.to)
		}
	}
	return out
}

// CanBlock reports whether the item may enter Blocked from its current status.
func CanBlock(item domain.WorkItem) bool {
	_, ok := lookup(item.Status, domain.StatusBlocked)
	return ok
}

func hasCap(c domain.Capability) func(domain.WorkItem, domain.ActorRef, Payload) bool {
	return func(_ domain.WorkItem, a domain.ActorRef, _ Payload) bool { return a.Can(c) }
}

func isAssignee(item domain.WorkItem, a domain.ActorRef, _ Payload) bool {
	return item.IsAssigned(a.ID)
}

func isHumanReviewer(_ domain.WorkItem, a domain.ActorRef, _ Payload) bool {
	return a.Kind == domain.ActorHuman && a.Can(domain.CapReviewer)
}

func anyActor(_ domain.WorkItem, a domain.ActorRef, _ Payload) bool {
	return a.ID != ""
}

func permitStart(item domain.WorkItem, a domain.ActorRef, _ Payload) bool {
	if item.IsAssigned(a.ID) {
		return true
	}
	return len(item.Assignees) == 0 && a.Can(domain.CapAuthor)
}

func permitBlock(item domain.WorkItem, a domain.ActorRef, _ Payload) bool {
	return item.IsAssigned(a.ID) || a.Can(domain.CapOrchestrator) || a.Can(domain.CapIntegrator)
}
