// Package merge applies a resolved branch diff to the live state of its base
// branch.
package merge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/metrics"
)

// Writer is the graph mutation surface a merge needs. Every write is a
// state-set keyed by entity and instant.
type Writer interface {
	UpsertNode(ctx context.Context, branch, nodeID, kind string, at time.Time) error
	MarkDeleted(ctx context.Context, branch, nodeID string, at time.Time) error
	UpsertAttributeProperty(ctx context.Context, branch, nodeID, attr string, pt diff.PropertyType, value string, at time.Time) error
	AddRelationship(ctx context.Context, branch, nodeID, name, peer string, at time.Time) error
	UpsertRelationshipProperty(ctx context.Context, branch, nodeID, name, peer string, pt diff.PropertyType, value string, at time.Time) error
	RemoveRelationship(ctx context.Context, branch, nodeID, name, peer string, at time.Time) error
}

// Sink is the destination graph.
type Sink interface {
	// Batch runs fn atomically.
	Batch(ctx context.Context, fn func(Writer) error) error
	// SetBranchedFrom advances the branch point of a branch.
	SetBranchedFrom(ctx context.Context, branch string, at time.Time) error
}

type sink[W Writer] struct {
	batch           func(context.Context, func(W) error) error
	setBranchedFrom func(context.Context, string, time.Time) error
}

// NewSink adapts a store whose batches hand out a concrete writer type.
func NewSink[W Writer](batch func(context.Context, func(W) error) error, setBranchedFrom func(context.Context, string, time.Time) error) Sink {
	return &sink[W]{batch: batch, setBranchedFrom: setBranchedFrom}
}

func (s *sink[W]) Batch(ctx context.Context, fn func(Writer) error) error {
	return s.batch(ctx, func(w W) error { return fn(w) })
}

func (s *sink[W]) SetBranchedFrom(ctx context.Context, branch string, at time.Time) error {
	return s.setBranchedFrom(ctx, branch, at)
}

// Differ brings the tracking diff of a branch up to an instant.
type Differ interface {
	ComputeOrExtend(ctx context.Context, base, branch string, to time.Time) (*diff.Root, error)
}

// Options tune a merge.
type Options struct {
	// AllowUnresolved merges even if conflicts have no selected branch. The
	// branch side wins those conflicts.
	AllowUnresolved bool
}

// Result summarizes an applied merge.
type Result struct {
	RootUUID    string    `json:"root_uuid"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	At          time.Time `json:"at"`
	Applied     int       `json:"applied"`
	Skipped     int       `json:"skipped"`
}

// Merger applies diffs.
type Merger struct {
	differ Differ
	sink   Sink
	logger *zap.Logger
}

// New returns a merger writing to sink.
func New(differ Differ, sink Sink, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{differ: differ, sink: sink, logger: logger}
}

// Merge brings the tracking diff of source against destination up to at,
// applies it to destination at at and advances the branch point of source.
// A tracking diff that already ends after at holds later changes and is
// refused.
func (m *Merger) Merge(ctx context.Context, source, destination string, at time.Time, opts Options) (*Result, error) {
	if source == destination {
		return nil, &diff.ValidationError{Reason: fmt.Sprintf("cannot merge branch %s into itself", source)}
	}
	root, err := m.differ.ComputeOrExtend(ctx, destination, source, at)
	if err != nil {
		return nil, fmt.Errorf("updating diff of %s: %w", source, err)
	}
	if root.ToTime.After(at) {
		return nil, &diff.ValidationError{Reason: fmt.Sprintf("diff of %s already ends at %s, after the merge instant %s",
			source, root.ToTime.Format(time.RFC3339Nano), at.Format(time.RFC3339Nano))}
	}
	res, err := m.Apply(ctx, root, at, opts)
	if err != nil {
		return nil, err
	}
	if err := m.sink.SetBranchedFrom(ctx, source, at); err != nil {
		return nil, fmt.Errorf("advancing branch %s: %w", source, err)
	}
	return res, nil
}

// Apply writes root into its base branch at at, one batch per node. Nothing
// is written when validation fails. A failed batch stops the merge with a
// *diff.MergeError; applying the same root at the same instant again resumes
// it, since writes are state-set.
func (m *Merger) Apply(ctx context.Context, root *diff.Root, at time.Time, opts Options) (*Result, error) {
	if err := validate(root, opts); err != nil {
		return nil, err
	}
	logger := m.logger.With(
		zap.String("source", root.DiffBranch),
		zap.String("destination", root.BaseBranch),
		zap.Time("at", at))

	res := &Result{RootUUID: root.UUID, Source: root.DiffBranch, Destination: root.BaseBranch, At: at}
	for _, node := range root.SortedNodes() {
		if err := ctx.Err(); err != nil {
			metrics.MergeFailed()
			return nil, &diff.MergeError{NodeID: node.UUID, Err: err}
		}
		if selected(node.Conflict, diff.BranchSideBase) {
			res.Skipped++
			metrics.MergedNode("skipped")
			continue
		}
		err := m.sink.Batch(ctx, func(w Writer) error {
			return applyNode(ctx, w, root.BaseBranch, node, at)
		})
		if err != nil {
			metrics.MergeFailed()
			logger.Error("merge stopped", zap.String("node_id", node.UUID), zap.Error(err))
			return nil, &diff.MergeError{NodeID: node.UUID, Err: err}
		}
		res.Applied++
		metrics.MergedNode(string(node.Action))
	}
	logger.Info("merge applied", zap.Int("applied", res.Applied), zap.Int("skipped", res.Skipped))
	return res, nil
}

func validate(root *diff.Root, opts Options) error {
	if root == nil {
		return &diff.ValidationError{Reason: "no diff to merge"}
	}
	if root.BaseBranch == root.DiffBranch {
		return &diff.ValidationError{Reason: fmt.Sprintf("cannot merge branch %s into itself", root.DiffBranch)}
	}
	if opts.AllowUnresolved {
		return nil
	}
	if paths := root.UnresolvedConflicts(); len(paths) > 0 {
		return &diff.ValidationError{Reason: "unresolved conflicts", Paths: paths}
	}
	return nil
}

func applyNode(ctx context.Context, w Writer, branch string, node *diff.Node, at time.Time) error {
	if node.Action == diff.ActionRemoved {
		return w.MarkDeleted(ctx, branch, node.UUID, at)
	}
	if err := w.UpsertNode(ctx, branch, node.UUID, node.Kind, at); err != nil {
		return fmt.Errorf("upserting node: %w", err)
	}

	for _, attr := range node.SortedAttributes() {
		for _, p := range diff.SortedProperties(attr.Properties) {
			if !writable(p) {
				continue
			}
			if err := w.UpsertAttributeProperty(ctx, branch, node.UUID, attr.Name, p.Type, p.NewValue, at); err != nil {
				return fmt.Errorf("writing %s/%s: %w", attr.Name, p.Type, err)
			}
		}
	}

	for _, group := range node.SortedRelationships() {
		for _, rel := range group.SortedRelationships() {
			if err := applyRelationship(ctx, w, branch, node.UUID, group, rel, at); err != nil {
				return fmt.Errorf("writing %s/%s: %w", group.Name, rel.PeerID, err)
			}
		}
	}
	return nil
}

func applyRelationship(ctx context.Context, w Writer, branch, nodeID string, group *diff.RelationshipGroup, rel *diff.SingleRelationship, at time.Time) error {
	if selected(rel.Conflict, diff.BranchSideBase) {
		return nil
	}
	name := group.Name
	switch rel.Action {
	case diff.ActionUnchanged:
		// a peer only the base touched; the branch side ends without it
		if group.Cardinality == diff.CardinalityOne && rel.Conflict != nil {
			return w.RemoveRelationship(ctx, branch, nodeID, name, rel.PeerID, at)
		}
		return nil
	case diff.ActionRemoved:
		return w.RemoveRelationship(ctx, branch, nodeID, name, rel.PeerID, at)
	case diff.ActionAdded:
		if err := w.AddRelationship(ctx, branch, nodeID, name, rel.PeerID, at); err != nil {
			return err
		}
	case diff.ActionUpdated:
		if p := rel.Properties[diff.PropertyRelatedPeer]; p != nil && p.Action.IsChange() {
			// the entry is keyed by the new peer; linking it unlinks the old one
			if err := w.AddRelationship(ctx, branch, nodeID, name, rel.PeerID, at); err != nil {
				return err
			}
		}
	default:
		return nil
	}

	for _, p := range diff.SortedProperties(rel.Properties) {
		if p.Type == diff.PropertyRelatedPeer || !writable(p) {
			continue
		}
		if err := w.UpsertRelationshipProperty(ctx, branch, nodeID, name, rel.PeerID, p.Type, p.NewValue, at); err != nil {
			return err
		}
	}
	return nil
}

// writable reports whether the branch value of p is to be written: it must be
// set by the branch and not lose its conflict to the base.
func writable(p *diff.Property) bool {
	if p.Action != diff.ActionAdded && p.Action != diff.ActionUpdated {
		return false
	}
	return !selected(p.Conflict, diff.BranchSideBase)
}

func selected(c *diff.Conflict, side diff.BranchSide) bool {
	return c != nil && c.SelectedBranch == side
}
