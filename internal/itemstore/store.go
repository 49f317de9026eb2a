// Package itemstore is the narrow boundary to the authoritative tracker. Tracker status
// labels are mapped onto the closed status enum here and nowhere else.
package itemstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("tracker item not found")

// Ref names a tracker item and the artifact (pull request) attached to it, if any.
type Ref struct {
	ID          string
	ArtifactRef string
}

// Snapshot is the tracker's view of an item.
type Snapshot struct {
	Open      bool
	Merged    bool
	Labels    []string
	Assignees []string
}

type Delta struct {
	Add    []string
	Remove []string
}

func (d Delta) Empty() bool { return len(d.Add) == 0 && len(d.Remove) == 0 }

// Store is implemented by every tracker backend. Mutate must be idempotent under retry.
type Store interface {
	GetItem(ctx context.Context, ref Ref) (Snapshot, error)
	Mutate(ctx context.Context, id string, labels Delta, assignees Delta) error
}
