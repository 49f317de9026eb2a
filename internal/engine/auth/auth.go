package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"boardline/internal/domain"
	"boardline/internal/repo"
)

// ForbiddenError indicates the caller is not allowed to act.
type ForbiddenError struct {
	ActorID    string
	Permission string
}

func (e ForbiddenError) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("actor %s: permission %s required", e.ActorID, e.Permission)
}

// ErrUnauthenticated is returned when an API key does not match any actor.
var ErrUnauthenticated = errors.New("unauthenticated")

// Registry resolves actors and their capabilities from the actors table.
type Registry struct {
	Repo repo.Repo
	Now  func() time.Time
}

// Reserved reports whether id belongs to the in-process system actors.
func Reserved(id string) bool {
	return strings.HasPrefix(id, "system-")
}

// Resolve returns the registered actor. Unknown and reserved ids are forbidden.
func (r Registry) Resolve(ctx context.Context, actorID string) (domain.ActorRef, error) {
	if actorID == "" || Reserved(actorID) {
		return domain.ActorRef{}, ForbiddenError{ActorID: actorID, Permission: "registered actor"}
	}
	a, err := r.Repo.GetActor(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ActorRef{}, ForbiddenError{ActorID: actorID, Permission: "registered actor"}
	}
	return a, err
}

// Require resolves the actor and checks it holds one of caps.
func (r Registry) Require(ctx context.Context, actorID string, caps ...domain.Capability) (domain.ActorRef, error) {
	a, err := r.Resolve(ctx, actorID)
	if err != nil {
		return a, err
	}
	for _, c := range caps {
		if a.Can(c) {
			return a, nil
		}
	}
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, string(c))
	}
	return a, ForbiddenError{ActorID: actorID, Permission: strings.Join(names, " or ")}
}

// ActorForAPIKey maps a raw API key to its actor and stamps the key's last use.
// Unknown, revoked and orphaned keys are all reported as ErrUnauthenticated.
func (r Registry) ActorForAPIKey(ctx context.Context, key string) (domain.ActorRef, error) {
	if !strings.HasPrefix(key, repo.KeyPrefix) {
		return domain.ActorRef{}, ErrUnauthenticated
	}
	k, err := r.Repo.ActiveAPIKey(ctx, repo.HashAPIKey(key))
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrKeyRevoked) {
		return domain.ActorRef{}, ErrUnauthenticated
	}
	if err != nil {
		return domain.ActorRef{}, err
	}
	a, err := r.Repo.GetActor(ctx, k.ActorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ActorRef{}, ErrUnauthenticated
	}
	if err != nil {
		return domain.ActorRef{}, err
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if err := r.Repo.TouchAPIKey(ctx, k.ID, now()); err != nil {
		return domain.ActorRef{}, err
	}
	return a, nil
}
