package server

import (
	"boardline/internal/domain"
	"boardline/internal/workflow"
)

type ItemCreateRequest struct {
	ID                 string      `json:"id" minLength:"1" example:"acme/api#7"`
	Title              string      `json:"title" minLength:"1"`
	AcceptanceCriteria string      `json:"acceptance_criteria,omitempty"`
	Size               domain.Size `json:"size,omitempty" enum:"small,big"`
	Assignees          []string    `json:"assignees,omitempty"`
}

type TransitionCreateRequest struct {
	ExpectedVersion int64                  `json:"expected_version" minimum:"1"`
	To              domain.Status          `json:"to" enum:"backlog,todo,in_progress,ai_review,human_review,merge_release,done,blocked"`
	Comment         string                 `json:"comment,omitempty"`
	Verdict         workflow.Verdict       `json:"verdict,omitempty" enum:"approved,changes_requested"`
	ArtifactRef     string                 `json:"artifact_ref,omitempty"`
	Size            domain.Size            `json:"size,omitempty" enum:"small,big"`
	Blocker         *workflow.BlockerInput `json:"blocker,omitempty"`
	Resolution      string                 `json:"resolution,omitempty"`
}

func (r TransitionCreateRequest) payload() workflow.Payload {
	return workflow.Payload{
		Comment:     r.Comment,
		Verdict:     r.Verdict,
		ArtifactRef: r.ArtifactRef,
		Size:        r.Size,
		Blocker:     r.Blocker,
		Resolution:  r.Resolution,
	}
}

type AssignRequest struct {
	ExpectedVersion int64    `json:"expected_version" minimum:"1"`
	Assignees       []string `json:"assignees"`
}

type BlockerReportRequest struct {
	ExpectedVersion int64                  `json:"expected_version" minimum:"1"`
	Reason          string                 `json:"reason" minLength:"1"`
	Category        domain.BlockerCategory `json:"category" enum:"dependency,resource_access,clarification,external_party,missing_credential,approval_pending"`
	LinkedItemID    string                 `json:"linked_item_id,omitempty"`
	Comment         string                 `json:"comment,omitempty"`
}

type BlockerResolveRequest struct {
	ExpectedVersion int64                  `json:"expected_version" minimum:"1"`
	Resolution      string                 `json:"resolution" minLength:"1"`
	NewBlocker      *workflow.BlockerInput `json:"new_blocker,omitempty"`
}

type ItemTransitions struct {
	Item     domain.WorkItem `json:"item"`
	Legal    []domain.Status `json:"legal"`
	CanBlock bool            `json:"can_block"`
}

type RouteResponse struct {
	ItemID string        `json:"item_id"`
	Size   domain.Size   `json:"size"`
	Route  domain.Status `json:"route"`
}

type ItemList struct {
	Items      []domain.WorkItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type EventList struct {
	Events     []domain.Event `json:"events"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

type ActorCreateRequest struct {
	ID           string              `json:"id" minLength:"1"`
	Kind         domain.ActorKind    `json:"kind" enum:"agent,human"`
	Capabilities []domain.Capability `json:"capabilities" minItems:"1"`
}

type APIKeyCreateRequest struct {
	Name string `json:"name,omitempty"`
}

type APIKeyCreated struct {
	Key    domain.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

type Me struct {
	Actor  domain.ActorRef `json:"actor"`
	Source string          `json:"source"`
}

type Health struct {
	Status string `json:"status" example:"ok"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
