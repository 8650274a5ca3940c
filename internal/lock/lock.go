// Package lock serializes work on the same branch. Every operation that reads
// and replaces a branch's tracking diff, or merges it, holds the branch lock.
package lock

import (
	"context"
	"slices"
	"sync"
)

// Registry hands out one lock per branch name. Locks are created on demand
// and dropped once nobody holds or waits for them.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Lock blocks until the lock of branch is held or ctx is done. The returned
// function releases it and must be called exactly once.
func (r *Registry) Lock(ctx context.Context, branch string) (func(), error) {
	e := r.acquire(branch)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		r.release(branch, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			r.release(branch, e)
		})
	}, nil
}

// LockAll takes the locks of several branches in name order, so two callers
// locking overlapping sets cannot deadlock.
func (r *Registry) LockAll(ctx context.Context, branches ...string) (func(), error) {
	names := sortedUnique(branches)
	unlocks := make([]func(), 0, len(names))
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, name := range names {
		unlock, err := r.Lock(ctx, name)
		if err != nil {
			unlockAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return unlockAll, nil
}

// Len returns the number of branches with a live lock.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *Registry) acquire(branch string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.locks[branch]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.locks[branch] = e
	}
	e.refs++
	return e
}

func (r *Registry) release(branch string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(r.locks, branch)
	}
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}
