// Package events reacts to branch changes by keeping tracking diffs current
// and running requested merges. Events are queued without blocking the
// emitter and handled by a small worker pool, each under its branch lock.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/merge"
	"github.com/systemshift/graphdiff/internal/graph"
	"github.com/systemshift/graphdiff/internal/lock"
	"github.com/systemshift/graphdiff/internal/metrics"
)

// Branches is the branch registry.
type Branches interface {
	GetBranch(ctx context.Context, name string) (*graph.Branch, error)
	ListBranches(ctx context.Context) ([]*graph.Branch, error)
}

// Differ keeps tracking diffs current.
type Differ interface {
	ComputeOrExtend(ctx context.Context, base, branch string, to time.Time) (*diff.Root, error)
}

// Merger merges a branch into another.
type Merger interface {
	Merge(ctx context.Context, source, destination string, at time.Time, opts merge.Options) (*merge.Result, error)
}

// Config tunes the manager.
type Config struct {
	BufferSize int
	Workers    int
	// UpdateConcurrency bounds the branches refreshed at once by UpdateAll.
	UpdateConcurrency int
	// HandleTimeout bounds the handling of one event.
	HandleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.UpdateConcurrency <= 0 {
		c.UpdateConcurrency = 4
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 5 * time.Minute
	}
	return c
}

// Manager queues and handles branch events.
type Manager struct {
	cfg      Config
	branches Branches
	differ   Differ
	merger   Merger
	locks    *lock.Registry
	notifier *Notifier
	logger   *zap.Logger

	eventChan chan Event
	mu        sync.RWMutex
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager returns a manager. notifier may be nil.
func NewManager(cfg Config, branches Branches, differ Differ, merger Merger, locks *lock.Registry, notifier *Notifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = lock.NewRegistry()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		branches:  branches,
		differ:    differ,
		merger:    merger,
		locks:     locks,
		notifier:  notifier,
		logger:    logger,
		eventChan: make(chan Event, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.processEvents()
	}
	m.logger.Info("event manager started", zap.Int("workers", m.cfg.Workers), zap.Int("buffer_size", m.cfg.BufferSize))
}

// Stop handles the queued events and waits for the workers to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.eventChan)
	m.mu.Unlock()

	m.wg.Wait()
	m.cancel()
	m.logger.Info("event manager stopped")
}

// Emit queues an event. It never blocks: when the queue is full or the
// manager is stopped the event is dropped and false is returned.
func (m *Manager) Emit(event Event) bool {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.eventChan <- event:
		return true
	default:
		metrics.EventDropped()
		m.logger.Warn("event queue full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.String("branch", event.Branch))
		return false
	}
}

func (m *Manager) processEvents() {
	defer m.wg.Done()
	for event := range m.eventChan {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandleTimeout)
		notification, err := m.Handle(ctx, event)
		if err != nil {
			m.logger.Error("event failed",
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)),
				zap.String("branch", event.Branch),
				zap.Error(err))
		}
		if m.notifier.Enabled() {
			if err := m.notifier.Send(ctx, notification); err != nil {
				m.logger.Error("notification not delivered", zap.String("event_id", event.ID), zap.Error(err))
			}
		}
		cancel()
	}
}

// Handle processes one event synchronously and returns the notification
// describing its outcome.
func (m *Manager) Handle(ctx context.Context, event Event) (Notification, error) {
	n := Notification{EventID: event.ID, Type: event.Type, Branch: event.Branch}
	err := m.handle(ctx, event, &n)
	if err != nil {
		n.Error = err.Error()
	}
	n.HandledAt = time.Now().UTC()
	return n, err
}

func (m *Manager) handle(ctx context.Context, event Event, n *Notification) error {
	b, err := m.branches.GetBranch(ctx, event.Branch)
	if err != nil {
		return fmt.Errorf("reading branch %s: %w", event.Branch, err)
	}
	if b.IsDefault || b.Origin == "" {
		return &diff.ValidationError{Reason: fmt.Sprintf("branch %s has no origin to diff against", b.Name)}
	}
	n.BaseBranch = b.Origin

	switch event.Type {
	case BranchCreated, BranchUpdated:
		root, err := m.update(ctx, b, event.At)
		if err != nil {
			return err
		}
		md := root.Metadata()
		n.Diff = &md
		return nil

	case MergeRequested:
		unlock, err := m.locks.LockAll(ctx, b.Name, b.Origin)
		if err != nil {
			return err
		}
		defer unlock()
		at := event.At
		if at.IsZero() {
			at = time.Now()
		}
		res, err := m.merger.Merge(ctx, b.Name, b.Origin, at, merge.Options{AllowUnresolved: event.AllowUnresolved})
		if err != nil {
			return err
		}
		n.Merge = res
		return nil
	}
	return &diff.ValidationError{Reason: fmt.Sprintf("unknown event type %q", event.Type)}
}

// update brings the tracking diff of b up to at under its branch lock.
func (m *Manager) update(ctx context.Context, b *graph.Branch, at time.Time) (*diff.Root, error) {
	unlock, err := m.locks.Lock(ctx, b.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.differ.ComputeOrExtend(ctx, b.Origin, b.Name, at)
}

// UpdateAll brings the tracking diff of every non-default branch up to at.
// Branches are refreshed concurrently; the first failure cancels the rest.
func (m *Manager) UpdateAll(ctx context.Context, at time.Time) ([]diff.RootMetadata, error) {
	branches, err := m.branches.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	var targets []*graph.Branch
	for _, b := range branches {
		if !b.IsDefault && b.Origin != "" {
			targets = append(targets, b)
		}
	}

	out := make([]diff.RootMetadata, len(targets))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.UpdateConcurrency)
	for i, b := range targets {
		g.Go(func() error {
			root, err := m.update(gCtx, b, at)
			if err != nil {
				return fmt.Errorf("updating diff of %s: %w", b.Name, err)
			}
			out[i] = root.Metadata()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error("updating branch diffs failed", zap.Error(err))
		}
		return nil, err
	}
	m.logger.Info("branch diffs updated", zap.Int("branches", len(targets)))
	return out, nil
}
