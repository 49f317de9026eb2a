package itemstore

import (
	"fmt"
	"slices"
	"strings"

	"boardline/internal/domain"
)

// DefaultLabelPrefix marks tracker labels that carry workflow status.
const DefaultLabelPrefix = "status:"

// Labels maps between board statuses and tracker labels.
type Labels struct {
	Prefix string
}

func (l Labels) prefix() string {
	if l.Prefix == "" {
		return DefaultLabelPrefix
	}
	return l.Prefix
}

func (l Labels) For(s domain.Status) string {
	return l.prefix() + string(s)
}

func (l Labels) isStatus(label string) bool {
	return strings.HasPrefix(strings.ToLower(label), strings.ToLower(l.prefix()))
}

// StatusOf reads the status carried by a label set. ok is false when no status label is
// present; unknown or conflicting status values are an error.
func (l Labels) StatusOf(labels []string) (status domain.Status, ok bool, err error) {
	for _, label := range labels {
		if !l.isStatus(label) {
			continue
		}
		s, err := domain.ParseStatus(label[len(l.prefix()):])
		if err != nil {
			return "", false, fmt.Errorf("tracker label %q: %w", label, err)
		}
		if ok && s != status {
			return "", false, fmt.Errorf("conflicting status labels %s and %s", status, s)
		}
		status, ok = s, true
	}
	return status, ok, nil
}

// Heal returns the delta that leaves exactly one status label, for s.
func (l Labels) Heal(current []string, s domain.Status) Delta {
	want := l.For(s)
	var d Delta
	for _, label := range current {
		if l.isStatus(label) && label != want {
			d.Remove = append(d.Remove, label)
		}
	}
	if !slices.Contains(current, want) {
		d.Add = append(d.Add, want)
	}
	return d
}

// Transition returns the delta moving an item's label from one status to another.
func (l Labels) Transition(from, to domain.Status) Delta {
	d := Delta{Add: []string{l.For(to)}}
	if from != "" && from != to {
		d.Remove = []string{l.For(from)}
	}
	return d
}
