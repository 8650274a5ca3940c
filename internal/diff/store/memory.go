package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/systemshift/graphdiff/internal/diff"
)

// Memory keeps roots in process. Roots are cloned on the way in and out.
type Memory struct {
	mu    sync.RWMutex
	roots map[string]*diff.Root
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{roots: make(map[string]*diff.Root)}
}

func (m *Memory) GetOne(_ context.Context, q Query) (*diff.Root, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *diff.Root
	for _, r := range m.roots {
		if !q.matches(r) {
			continue
		}
		if found == nil || r.ToTime.After(found.ToTime) {
			found = r
		}
	}
	if found == nil {
		return nil, diff.ErrNotFound
	}
	return found.Clone(), nil
}

func (m *Memory) Save(_ context.Context, root *diff.Root) error {
	if root.UUID == "" {
		return fmt.Errorf("saving diff root without uuid")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roots[root.UUID] = root.Clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roots, uuid)
	return nil
}

func (m *Memory) UpdateConflict(_ context.Context, conflictUUID string, selected diff.BranchSide) error {
	if err := checkSide(selected); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roots {
		if c, _, ok := r.ConflictByUUID(conflictUUID); ok {
			c.SelectedBranch = selected
			return nil
		}
	}
	return fmt.Errorf("conflict %s: %w", conflictUUID, diff.ErrConflictNotApplicable)
}

func (m *Memory) GetEmptyRoots(_ context.Context, f EmptyFilter) ([]diff.RootMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []diff.RootMetadata
	for _, r := range m.roots {
		if md := r.Metadata(); f.matches(md) {
			out = append(out, md)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (m *Memory) Close(context.Context) error { return nil }
