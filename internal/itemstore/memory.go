package itemstore

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process tracker used by tests and single-node demos.
type Memory struct {
	mu        sync.Mutex
	items     map[string]*Snapshot
	artifacts map[string]bool
	mutations int
	// FailMutate, when set, is returned by Mutate.
	FailMutate error
}

func NewMemory() *Memory {
	return &Memory{items: map[string]*Snapshot{}, artifacts: map[string]bool{}}
}

// Put registers or replaces a tracker item.
func (m *Memory) Put(id string, s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	cp.Labels = slices.Clone(s.Labels)
	cp.Assignees = slices.Clone(s.Assignees)
	m.items[id] = &cp
}

func (m *Memory) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[id]; ok {
		it.Open = false
	}
}

// MergeArtifact marks a pull request as merged.
func (m *Memory) MergeArtifact(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[ref] = true
}

func (m *Memory) Mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

func (m *Memory) GetItem(_ context.Context, ref Ref) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[ref.ID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	s := *it
	s.Labels = slices.Clone(it.Labels)
	s.Assignees = slices.Clone(it.Assignees)
	s.Merged = ref.ArtifactRef != "" && m.artifacts[ref.ArtifactRef]
	return s, nil
}

func (m *Memory) Mutate(_ context.Context, id string, labels Delta, assignees Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailMutate != nil {
		return m.FailMutate
	}
	it, ok := m.items[id]
	if !ok {
		it = &Snapshot{Open: true}
		m.items[id] = it
	}
	it.Labels = apply(it.Labels, labels)
	it.Assignees = apply(it.Assignees, assignees)
	m.mutations++
	return nil
}

func apply(set []string, d Delta) []string {
	out := slices.DeleteFunc(slices.Clone(set), func(v string) bool { return slices.Contains(d.Remove, v) })
	for _, v := range d.Add {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
