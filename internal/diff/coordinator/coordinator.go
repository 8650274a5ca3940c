// Package coordinator keeps the tracking diff of each branch up to date. It
// decides between computing, extending and recalculating, drives the builder,
// enrichers, combiner and conflict identifier, and persists the results.
//
// The coordinator does not arbitrate concurrent writers: callers serialize
// operations on the same branch.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/builder"
	"github.com/systemshift/graphdiff/internal/diff/combine"
	"github.com/systemshift/graphdiff/internal/diff/conflict"
	"github.com/systemshift/graphdiff/internal/diff/enrich"
	"github.com/systemshift/graphdiff/internal/diff/query"
	"github.com/systemshift/graphdiff/internal/diff/store"
	"github.com/systemshift/graphdiff/internal/metrics"
)

// Branches exposes the branch points the tracking windows start at.
type Branches interface {
	BranchedFrom(ctx context.Context, branch string) (time.Time, error)
	SetBranchedFrom(ctx context.Context, branch string, at time.Time) error
}

// Coordinator orchestrates diff computation for branch pairs.
type Coordinator struct {
	source     query.Source
	repo       store.Repository
	branches   Branches
	pipeline   *enrich.Pipeline
	identifier *conflict.Identifier
	schema     *diff.Schema
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPipeline sets the enrichers run over every computed root.
func WithPipeline(p *enrich.Pipeline) Option {
	return func(c *Coordinator) { c.pipeline = p }
}

// WithSchema sets the schema snapshot diffs are built against.
func WithSchema(s *diff.Schema) Option {
	return func(c *Coordinator) { c.schema = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the clock used when no end time is given.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a coordinator reading rows from source and persisting to repo.
func New(source query.Source, repo store.Repository, branches Branches, opts ...Option) *Coordinator {
	c := &Coordinator{
		source:     source,
		repo:       repo,
		branches:   branches,
		identifier: conflict.NewIdentifier(),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pipeline == nil {
		c.pipeline = enrich.NewPipeline(c.logger, enrich.Summary{})
	}
	return c
}

// pair is a branch diff and the self-diff of its base over the same window.
type pair struct {
	branch *diff.Root
	base   *diff.Root
}

// ComputeOrExtend brings the tracking diff of branch against base up to to.
// A zero to means now.
//
// Without a persisted diff, or with one that starts at a stale branch point,
// the diff is computed over [branched_from, to). Otherwise only the window
// after the persisted diff is computed and combined into it. A to that is
// not after the persisted end returns the persisted diff unchanged.
func (c *Coordinator) ComputeOrExtend(ctx context.Context, base, branch string, to time.Time) (*diff.Root, error) {
	start := time.Now()
	if to.IsZero() {
		to = c.now()
	}
	from, err := c.branches.BranchedFrom(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("reading branch point of %s: %w", branch, err)
	}
	if to.Before(from) {
		return nil, &diff.ValidationError{Reason: fmt.Sprintf("diff of %s cannot end at %s, before its branch point %s",
			branch, to.Format(time.RFC3339Nano), from.Format(time.RFC3339Nano))}
	}

	existing, err := c.tracking(ctx, base, branch)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With(zap.String("base_branch", base), zap.String("diff_branch", branch), zap.Time("to_time", to))

	switch {
	case existing == nil:
		root, err := c.refresh(ctx, base, branch, diff.TimeRange{From: from, To: to}, nil, nil)
		if err != nil {
			return nil, err
		}
		metrics.ObserveDiffUpdate(metrics.ModeFresh, start)
		logger.Info("tracking diff computed", zap.Int("num_conflicts", root.NumConflicts))
		return root, nil

	case !existing.FromTime.Equal(from):
		logger.Info("tracking diff starts at a stale branch point",
			zap.Time("from_time", existing.FromTime), zap.Time("branched_from", from))
		root, err := c.recalculate(ctx, base, branch, diff.TimeRange{From: from, To: latest(to, existing.ToTime)}, existing)
		if err != nil {
			return nil, err
		}
		metrics.ObserveDiffUpdate(metrics.ModeRecalculate, start)
		return root, nil

	case !to.After(existing.ToTime):
		metrics.ObserveDiffUpdate(metrics.ModeNoop, start)
		return existing, nil
	}

	root, err := c.extend(ctx, existing, to)
	if err != nil {
		return nil, err
	}
	metrics.ObserveDiffUpdate(metrics.ModeExtend, start)
	logger.Info("tracking diff extended",
		zap.Time("from_time", existing.ToTime),
		zap.Int("num_conflicts", root.NumConflicts))
	return root, nil
}

// Recalculate discards the tracking diff of branch and computes it again over
// [from, to). A zero from means the branch point, a zero to means now.
// Resolutions of conflicts that are still the same are kept.
func (c *Coordinator) Recalculate(ctx context.Context, base, branch string, from, to time.Time) (*diff.Root, error) {
	start := time.Now()
	if from.IsZero() {
		bf, err := c.branches.BranchedFrom(ctx, branch)
		if err != nil {
			return nil, fmt.Errorf("reading branch point of %s: %w", branch, err)
		}
		from = bf
	}
	if to.IsZero() {
		to = latest(c.now(), from)
	}
	window := diff.TimeRange{From: from, To: to}
	if err := window.Validate(); err != nil {
		return nil, &diff.ValidationError{Reason: err.Error()}
	}

	existing, err := c.tracking(ctx, base, branch)
	if err != nil {
		return nil, err
	}
	root, err := c.recalculate(ctx, base, branch, window, existing)
	if err != nil {
		return nil, err
	}
	metrics.ObserveDiffUpdate(metrics.ModeRecalculate, start)
	c.logger.Info("tracking diff recalculated",
		zap.String("base_branch", base),
		zap.String("diff_branch", branch),
		zap.Time("from_time", from),
		zap.Time("to_time", to),
		zap.Int("num_conflicts", root.NumConflicts))
	return root, nil
}

// Get returns the persisted tracking diff of branch.
func (c *Coordinator) Get(ctx context.Context, base, branch string) (*diff.Root, error) {
	return c.repo.GetOne(ctx, store.Query{BaseBranch: base, DiffBranch: branch, TrackingID: diff.BranchTrackingID(branch)})
}

// GetByUUID returns any persisted diff.
func (c *Coordinator) GetByUUID(ctx context.Context, id string) (*diff.Root, error) {
	return c.repo.GetOne(ctx, store.Query{UUID: id})
}

// GetConflicts returns the conflicts between branch and base over window.
// A window starting at the branch point (or with a zero start) reads the
// tracking diff, extending it first if needed. Any other window is computed
// ad hoc and not persisted.
func (c *Coordinator) GetConflicts(ctx context.Context, base, branch string, window diff.TimeRange) ([]diff.PathConflict, error) {
	from, err := c.branches.BranchedFrom(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("reading branch point of %s: %w", branch, err)
	}
	if window.From.IsZero() {
		window.From = from
	}
	if window.To.IsZero() {
		window.To = latest(c.now(), window.From)
	}

	if window.From.Equal(from) {
		existing, err := c.tracking(ctx, base, branch)
		if err != nil {
			return nil, err
		}
		if existing == nil || !window.To.Before(existing.ToTime) {
			root, err := c.ComputeOrExtend(ctx, base, branch, window.To)
			if err != nil {
				return nil, err
			}
			return root.Conflicts(), nil
		}
	}

	root, err := c.AdHoc(ctx, AdHocRequest{BaseBranch: base, DiffBranch: branch, Window: window})
	if err != nil {
		return nil, err
	}
	return root.Conflicts(), nil
}

// ResolveConflict selects a side for a persisted conflict. An empty side
// clears the resolution.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictUUID string, side diff.BranchSide) error {
	if err := c.repo.UpdateConflict(ctx, conflictUUID, side); err != nil {
		return err
	}
	c.logger.Info("conflict resolved", zap.String("conflict_uuid", conflictUUID), zap.String("selected_branch", string(side)))
	return nil
}

// Rebase moves the branch point of branch to at and recalculates its
// tracking diff from there.
func (c *Coordinator) Rebase(ctx context.Context, base, branch string, at time.Time) (*diff.Root, error) {
	if at.IsZero() {
		at = c.now()
	}
	if err := c.branches.SetBranchedFrom(ctx, branch, at); err != nil {
		return nil, fmt.Errorf("rebasing %s: %w", branch, err)
	}
	return c.Recalculate(ctx, base, branch, at, latest(c.now(), at))
}

// AdHocRequest describes a diff that is not tracked.
type AdHocRequest struct {
	BaseBranch string
	DiffBranch string
	Window     diff.TimeRange
	// NodeIDs narrows the diff to the given nodes.
	NodeIDs []string
	// Persist saves the diff without tracking id. Persisted ad-hoc diffs are
	// removed by PurgeEmpty once they are empty and old.
	Persist bool
}

// AdHoc computes a one-off diff with conflicts over an arbitrary window.
func (c *Coordinator) AdHoc(ctx context.Context, req AdHocRequest) (*diff.Root, error) {
	start := time.Now()
	if err := req.Window.Validate(); err != nil {
		return nil, &diff.ValidationError{Reason: err.Error()}
	}
	p, err := c.compute(ctx, req.BaseBranch, req.DiffBranch, req.Window, req.NodeIDs, "", "")
	if err != nil {
		return nil, err
	}
	root := c.identifier.Identify(p.branch, p.base)
	if req.Persist {
		p.base.PartnerUUID = root.UUID
		if err := c.repo.Save(ctx, p.base); err != nil {
			return nil, fmt.Errorf("saving base diff: %w", err)
		}
		if err := c.repo.Save(ctx, root); err != nil {
			return nil, fmt.Errorf("saving diff: %w", err)
		}
	}
	metrics.ObserveDiffUpdate(metrics.ModeAdHoc, start)
	return root, nil
}

// PurgeEmpty deletes persisted ad-hoc diffs without any change that ended
// before the cutoff, together with their base diffs. A base diff is only
// deleted on its own when the diff it backs is gone. It returns the number of
// roots deleted.
func (c *Coordinator) PurgeEmpty(ctx context.Context, f store.EmptyFilter) (int, error) {
	f.OnlyAdHoc = true
	roots, err := c.repo.GetEmptyRoots(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("listing empty diffs: %w", err)
	}

	deleted := make(map[string]bool)
	remove := func(id string) error {
		if id == "" || deleted[id] {
			return nil
		}
		if err := c.repo.Delete(ctx, id); err != nil {
			return fmt.Errorf("deleting diff %s: %w", id, err)
		}
		deleted[id] = true
		return nil
	}
	for _, md := range roots {
		if md.BaseBranch != md.DiffBranch {
			if err := remove(md.UUID); err != nil {
				return 0, err
			}
			if err := remove(md.PartnerUUID); err != nil {
				return 0, err
			}
			continue
		}
		if deleted[md.UUID] {
			continue
		}
		if md.PartnerUUID != "" {
			_, err := c.repo.GetOne(ctx, store.Query{UUID: md.PartnerUUID})
			if err == nil {
				continue
			}
			if !errors.Is(err, diff.ErrNotFound) {
				return 0, fmt.Errorf("reading diff backed by %s: %w", md.UUID, err)
			}
		}
		if err := remove(md.UUID); err != nil {
			return 0, err
		}
	}
	if len(deleted) > 0 {
		c.logger.Info("empty diffs purged", zap.Int("count", len(deleted)))
	}
	return len(deleted), nil
}

// tracking returns the persisted tracking diff or nil.
func (c *Coordinator) tracking(ctx context.Context, base, branch string) (*diff.Root, error) {
	root, err := c.Get(ctx, base, branch)
	if errors.Is(err, diff.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tracking diff of %s: %w", branch, err)
	}
	return root, nil
}

// recalculate computes the pair over window from scratch, keeping the
// identity and resolutions of prev.
func (c *Coordinator) recalculate(ctx context.Context, base, branch string, window diff.TimeRange, prev *diff.Root) (*diff.Root, error) {
	return c.refresh(ctx, base, branch, window, prev, prev)
}

// refresh computes a fresh pair and persists it. Identity is taken from
// identity, resolutions from prev; both may be nil.
func (c *Coordinator) refresh(ctx context.Context, base, branch string, window diff.TimeRange, identity, prev *diff.Root) (*diff.Root, error) {
	rootID, partnerID := uuid.NewString(), uuid.NewString()
	if identity != nil {
		rootID = identity.UUID
		if identity.PartnerUUID != "" {
			partnerID = identity.PartnerUUID
		}
	}
	p, err := c.compute(ctx, base, branch, window, nil, rootID, partnerID)
	if err != nil {
		return nil, err
	}
	return c.finish(ctx, p, prev)
}

// extend combines the persisted pair with the pair of the window after it.
func (c *Coordinator) extend(ctx context.Context, existing *diff.Root, to time.Time) (*diff.Root, error) {
	base, branch := existing.BaseBranch, existing.DiffBranch
	partner, err := c.partner(ctx, existing)
	if err != nil {
		return nil, err
	}
	if partner == nil {
		c.logger.Warn("base diff missing, recalculating", zap.String("diff_branch", branch))
		return c.recalculate(ctx, base, branch, diff.TimeRange{From: existing.FromTime, To: to}, existing)
	}

	delta, err := c.compute(ctx, base, branch, diff.TimeRange{From: existing.ToTime, To: to}, nil, existing.UUID, partner.UUID)
	if err != nil {
		return nil, err
	}
	combinedBranch, err := combine.Combine(existing, delta.branch)
	if err != nil {
		return nil, err
	}
	combinedBase, err := combine.Combine(partner, delta.base)
	if err != nil {
		return nil, err
	}
	return c.finish(ctx, pair{branch: combinedBranch, base: combinedBase}, existing)
}

func (c *Coordinator) partner(ctx context.Context, root *diff.Root) (*diff.Root, error) {
	if root.PartnerUUID == "" {
		return nil, nil
	}
	p, err := c.repo.GetOne(ctx, store.Query{UUID: root.PartnerUUID})
	if errors.Is(err, diff.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading base diff: %w", err)
	}
	return p, nil
}

// finish identifies conflicts, carries resolutions over from prev and saves
// both roots of the pair.
func (c *Coordinator) finish(ctx context.Context, p pair, prev *diff.Root) (*diff.Root, error) {
	tracking := diff.BranchTrackingID(p.branch.DiffBranch)
	p.branch.TrackingID = tracking
	p.base.TrackingID = tracking
	p.branch.PartnerUUID = p.base.UUID
	p.base.PartnerUUID = p.branch.UUID

	root := c.identifier.Identify(p.branch, p.base)
	if kept := conflict.Preserve(prev, root); kept > 0 {
		c.logger.Debug("conflict resolutions kept", zap.String("diff_branch", root.DiffBranch), zap.Int("count", kept))
	}
	if err := root.Validate(); err != nil {
		return nil, fmt.Errorf("validating diff: %w", err)
	}

	if err := c.repo.Save(ctx, p.base); err != nil {
		return nil, fmt.Errorf("saving base diff: %w", err)
	}
	if err := c.repo.Save(ctx, root); err != nil {
		return nil, fmt.Errorf("saving diff: %w", err)
	}
	metrics.SetConflicts(root.DiffBranch, root.NumConflicts)
	return root, nil
}

// compute builds and enriches the branch diff and the base self-diff over
// window. Empty uuids are minted.
func (c *Coordinator) compute(ctx context.Context, base, branch string, window diff.TimeRange, nodeIDs []string, rootID, partnerID string) (pair, error) {
	if base == branch {
		return pair{}, &diff.ValidationError{Reason: fmt.Sprintf("cannot diff branch %s against itself", branch)}
	}
	if rootID == "" {
		rootID = uuid.NewString()
	}
	if partnerID == "" {
		partnerID = uuid.NewString()
	}

	req := query.Request{Branches: []string{base, branch}, Window: window}
	var (
		rows []query.Row
		err  error
	)
	if len(nodeIDs) > 0 {
		rows, err = query.FetchNodes(ctx, c.source, req, nodeIDs)
	} else {
		rows, err = query.Fetch(ctx, c.source, req)
	}
	if err != nil {
		return pair{}, fmt.Errorf("fetching rows: %w", err)
	}
	branchedFrom, err := c.branches.BranchedFrom(ctx, branch)
	if err != nil {
		return pair{}, fmt.Errorf("reading branch point of %s: %w", branch, err)
	}
	paths, err := query.Parse(withoutInherited(rows, base, branchedFrom))
	if err != nil {
		return pair{}, err
	}

	branchRoot, err := builder.Build(builder.Request{
		UUID: rootID, BaseBranch: base, DiffBranch: branch, Window: window, Schema: c.schema,
	}, paths)
	if err != nil {
		return pair{}, err
	}
	baseRoot, err := builder.Build(builder.Request{
		UUID: partnerID, BaseBranch: base, DiffBranch: base, Window: window, Schema: c.schema,
	}, paths)
	if err != nil {
		return pair{}, err
	}

	if branchRoot, err = c.pipeline.Enrich(ctx, branchRoot); err != nil {
		return pair{}, err
	}
	if baseRoot, err = c.pipeline.Enrich(ctx, baseRoot); err != nil {
		return pair{}, err
	}
	branchRoot.PartnerUUID = baseRoot.UUID
	baseRoot.PartnerUUID = branchRoot.UUID
	return pair{branch: branchRoot, base: baseRoot}, nil
}

// withoutInherited drops the base rows written at the branch point. The
// branch sees them, so they are not concurrent changes. Merges write there.
func withoutInherited(rows []query.Row, base string, branchedFrom time.Time) []query.Row {
	out := rows[:0:0]
	for _, r := range rows {
		if r.Branch == base && r.ChangedAt.Equal(branchedFrom) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
