package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusBacklog      Status = "backlog"
	StatusTodo         Status = "todo"
	StatusInProgress   Status = "in_progress"
	StatusAiReview     Status = "ai_review"
	StatusHumanReview  Status = "human_review"
	StatusMergeRelease Status = "merge_release"
	StatusDone         Status = "done"
	StatusBlocked      Status = "blocked"
)

// Statuses lists every board column in workflow order.
var Statuses = []Status{
	StatusBacklog, StatusTodo, StatusInProgress, StatusAiReview,
	StatusHumanReview, StatusMergeRelease, StatusDone, StatusBlocked,
}

// ParseStatus maps a raw value onto the closed status enum. Case, underscores and dashes are
// ignored, so "InProgress", "in_progress" and "in-progress" all match. Unknown values are rejected.
func ParseStatus(raw string) (Status, error) {
	if s, ok := matchFolded(raw, Statuses); ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

func fold(v string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(v)))
}

func matchFolded[T ~string](raw string, set []T) (T, bool) {
	want := fold(raw)
	for _, v := range set {
		if fold(string(v)) == want {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Terminal reports whether no actor-initiated transition may leave s.
func (s Status) Terminal() bool { return s == StatusDone }

// RequiresArtifact reports whether items in s must reference an artifact.
func (s Status) RequiresArtifact() bool {
	return s == StatusAiReview || s == StatusHumanReview || s == StatusMergeRelease
}

// Active reports whether s is a column where work is expected to progress.
func (s Status) Active() bool {
	return s == StatusInProgress || s == StatusAiReview || s == StatusHumanReview
}

type Size string

const (
	SizeSmall Size = "small"
	SizeBig   Size = "big"
)

func ParseSize(raw string) (Size, error) {
	if sz, ok := matchFolded(raw, []Size{SizeSmall, SizeBig}); ok {
		return sz, nil
	}
	return "", fmt.Errorf("unknown size %q", raw)
}

type ActorKind string

const (
	ActorAgent ActorKind = "agent"
	ActorHuman ActorKind = "human"
)

func ParseActorKind(raw string) (ActorKind, error) {
	switch ActorKind(strings.ToLower(strings.TrimSpace(raw))) {
	case ActorAgent:
		return ActorAgent, nil
	case ActorHuman:
		return ActorHuman, nil
	}
	return "", fmt.Errorf("unknown actor kind %q", raw)
}

type Capability string

const (
	CapAuthor       Capability = "author"
	CapIntegrator   Capability = "integrator"
	CapReviewer     Capability = "reviewer"
	CapOrchestrator Capability = "orchestrator"
	// CapSystem is held only by in-process actors (reconciler, merge events).
	CapSystem Capability = "system"
)

// ParseCapability accepts grantable capabilities only; CapSystem is never grantable.
func ParseCapability(raw string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(raw)))
	switch c {
	case CapAuthor, CapIntegrator, CapReviewer, CapOrchestrator:
		return c, nil
	}
	return "", fmt.Errorf("unknown capability %q", raw)
}

type ActorRef struct {
	ID           string       `json:"id"`
	Kind         ActorKind    `json:"kind" enum:"agent,human"`
	Capabilities []Capability `json:"capabilities"`
}

func (a ActorRef) Can(c Capability) bool {
	return slices.Contains(a.Capabilities, c)
}

const (
	ReconcilerActorID = "system-reconciler"
	MergeActorID      = "system-merge"
)

// SystemActor returns an in-process actor holding CapSystem.
func SystemActor(id string) ActorRef {
	return ActorRef{ID: id, Kind: ActorAgent, Capabilities: []Capability{CapSystem}}
}

type BlockerCategory string

const (
	BlockerDependency        BlockerCategory = "dependency"
	BlockerResourceAccess    BlockerCategory = "resource_access"
	BlockerClarification     BlockerCategory = "clarification"
	BlockerExternalParty     BlockerCategory = "external_party"
	BlockerMissingCredential BlockerCategory = "missing_credential"
	BlockerApprovalPending   BlockerCategory = "approval_pending"
)

var BlockerCategories = []BlockerCategory{
	BlockerDependency, BlockerResourceAccess, BlockerClarification,
	BlockerExternalParty, BlockerMissingCredential, BlockerApprovalPending,
}

func ParseBlockerCategory(raw string) (BlockerCategory, error) {
	if c, ok := matchFolded(raw, BlockerCategories); ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown blocker category %q", raw)
}

// EscalationStage is the nested state machine inside Blocked.
type EscalationStage int

const (
	StageDetected EscalationStage = iota
	StageNotified
	StageReminded
	StageUrgentReminder
	StageAwaitingUser
)

var stageNames = map[EscalationStage]string{
	StageDetected:       "detected",
	StageNotified:       "notified",
	StageReminded:       "reminded",
	StageUrgentReminder: "urgent_reminder",
	StageAwaitingUser:   "awaiting_user",
}

func (s EscalationStage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

type Blocker struct {
	ID                  string          `json:"id"`
	ItemID              string          `json:"item_id"`
	Reason              string          `json:"reason"`
	Category            BlockerCategory `json:"category"`
	LinkedBlockerItemID string          `json:"linked_blocker_item_id,omitempty"`
	ReportedBy          string          `json:"reported_by"`
	DiscoveredAt        time.Time       `json:"discovered_at"`
	EscalationStage     EscalationStage `json:"escalation_stage"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy          string          `json:"resolved_by,omitempty"`
	Resolution          string          `json:"resolution,omitempty"`
}

type WorkItem struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
	Status             Status     `json:"status"`
	Size               Size       `json:"size,omitempty"`
	Assignees          []string   `json:"assignees"`
	PreviousStatus     Status     `json:"previous_status,omitempty"`
	Blocker            *Blocker   `json:"blocker,omitempty"`
	Version            int64      `json:"version"`
	ArtifactRef        string     `json:"artifact_ref,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastReconciledAt   *time.Time `json:"last_reconciled_at,omitempty"`
}

// PrimaryAssignee is the owner the workflow notifies first.
func (w WorkItem) PrimaryAssignee() string {
	if len(w.Assignees) == 0 {
		return ""
	}
	return w.Assignees[0]
}

func (w WorkItem) IsAssigned(actorID string) bool {
	return slices.Contains(w.Assignees, actorID)
}

// CheckInvariants verifies the structural rules every persisted item must satisfy.
func (w WorkItem) CheckInvariants() error {
	if w.Status == StatusBlocked {
		if w.Blocker == nil {
			return fmt.Errorf("item %s blocked without blocker", w.ID)
		}
		if w.PreviousStatus == "" || w.PreviousStatus == StatusBlocked || w.PreviousStatus.Terminal() {
			return fmt.Errorf("item %s blocked with invalid previous status %q", w.ID, w.PreviousStatus)
		}
	} else {
		if w.Blocker != nil {
			return fmt.Errorf("item %s has blocker outside blocked", w.ID)
		}
		if w.PreviousStatus != "" {
			return fmt.Errorf("item %s has previous status outside blocked", w.ID)
		}
	}
	if w.Status.RequiresArtifact() && w.ArtifactRef == "" {
		return fmt.Errorf("item %s in %s without artifact", w.ID, w.Status)
	}
	return nil
}

type TransitionRecord struct {
	ItemID           string         `json:"item_id"`
	Version          int64          `json:"version"`
	FromStatus       Status         `json:"from_status"`
	ToStatus         Status         `json:"to_status"`
	ActorID          string         `json:"actor_id"`
	ActorKind        ActorKind      `json:"actor_kind"`
	Timestamp        time.Time      `json:"timestamp"`
	Comment          string         `json:"comment,omitempty"`
	Forced           bool           `json:"forced,omitempty"`
	DivergenceReason string         `json:"divergence_reason,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Notification struct {
	ID          int64      `json:"id"`
	ItemID      string     `json:"item_id"`
	RecipientID string     `json:"recipient_id"`
	Type        string     `json:"type"`
	Payload     string     `json:"payload_json"`
	Status      string     `json:"status" enum:"pending,delivered,failed"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	NextAttempt time.Time  `json:"next_attempt_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type EscalationTimer struct {
	ItemID    string          `json:"item_id"`
	BlockerID string          `json:"blocker_id"`
	Stage     EscalationStage `json:"stage"`
	DueAt     time.Time       `json:"due_at"`
	State     string          `json:"state" enum:"pending,fired,cancelled"`
}

type ItemLock struct {
	ItemID     string    `json:"item_id"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// APIKey is an actor credential. Only the digest of the secret is stored; Prefix keeps
// enough of it to tell keys apart in listings.
type APIKey struct {
	ID         string     `json:"id"`
	ActorID    string     `json:"actor_id"`
	Name       string     `json:"name,omitempty"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func (k APIKey) Revoked() bool { return k.RevokedAt != nil }
