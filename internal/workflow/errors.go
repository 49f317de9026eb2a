package workflow

import (
	"fmt"
	"strings"

	"boardline/internal/domain"
)

const (
	CodeInvalidTransition  = "invalid_transition"
	CodeRoleNotPermitted   = "role_not_permitted"
	CodePreconditionFailed = "precondition_failed"
)

// RejectionError is returned synchronously for every refused transition. Legal always lists
// the targets reachable from the item's current status so callers can self-correct.
type RejectionError struct {
	Code     string
	From     domain.Status
	To       domain.Status
	Detail   string
	Legal    []domain.Status
	CanBlock bool
}

func (e *RejectionError) Error() string {
	legal := make([]string, 0, len(e.Legal))
	for _, s := range e.Legal {
		legal = append(legal, string(s))
	}
	msg := fmt.Sprintf("%s: %s -> %s", e.Code, e.From, e.To)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg + " (legal: " + strings.Join(legal, ", ") + ")"
}

// Is matches on Code so errors.Is(err, ErrRoleNotPermitted) works for any detail.
func (e *RejectionError) Is(target error) bool {
	t, ok := target.(*RejectionError)
	return ok && t.Code == e.Code && t.From == "" && t.To == ""
}

var (
	ErrInvalidTransition  = &RejectionError{Code: CodeInvalidTransition}
	ErrRoleNotPermitted   = &RejectionError{Code: CodeRoleNotPermitted}
	ErrPreconditionFailed = &RejectionError{Code: CodePreconditionFailed}
)

// Reject builds a rejection for item carrying its current legal targets.
func Reject(code string, item domain.WorkItem, to domain.Status, detail string) *RejectionError {
	return &RejectionError{Code: code, From: item.Status, To: to, Detail: detail, Legal: LegalTargets(item), CanBlock: CanBlock(item)}
}
