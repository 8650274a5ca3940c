package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/store"
	"github.com/systemshift/graphdiff/internal/graph"
)

var (
	t0 = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t1.Add(time.Hour)
	t3 = t2.Add(time.Hour)
	t4 = t3.Add(time.Hour)
)

var testSchema = &diff.Schema{Kinds: map[string]diff.KindSchema{
	"Car": {Relationships: map[string]diff.RelationshipSchema{
		"owner": {Cardinality: diff.CardinalityOne},
	}},
}}

type fixture struct {
	graph *graph.SQLite
	repo  *store.Memory
	coord *Coordinator
}

// newFixture seeds car N with color red on main before t0 and creates
// branch b at t0.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	g, err := graph.NewSQLite(ctx, filepath.Join(t.TempDir(), "graph.db"), testSchema, nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close(ctx) })

	f := &fixture{graph: g}
	f.write(t, func(ctx context.Context, tx *graph.Tx) error {
		before := t0.Add(-time.Hour)
		if err := tx.UpsertNode(ctx, "main", "N", "Car", before); err != nil {
			return err
		}
		return tx.UpsertAttributeProperty(ctx, "main", "N", "color", diff.PropertyValue, "red", before)
	})
	_, err = g.CreateBranch(ctx, "b", "main", t0)
	require.NoError(t, err)

	f.repo = store.NewMemory()
	f.coord = f.newCoordinator(f.repo)
	return f
}

func (f *fixture) newCoordinator(repo store.Repository) *Coordinator {
	return New(f.graph, repo, f.graph, WithSchema(testSchema), WithClock(func() time.Time { return t4 }))
}

func (f *fixture) write(t *testing.T, fn func(ctx context.Context, tx *graph.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.graph.Batch(ctx, func(tx *graph.Tx) error { return fn(ctx, tx) }))
}

func (f *fixture) setColor(t *testing.T, branch, color string, at time.Time) {
	t.Helper()
	f.write(t, func(ctx context.Context, tx *graph.Tx) error {
		return tx.UpsertAttributeProperty(ctx, branch, "N", "color", diff.PropertyValue, color, at)
	})
}

func shape(root *diff.Root) map[string]string {
	out := make(map[string]string)
	for id, n := range root.Nodes {
		out[id] = string(n.Action)
		for name, a := range n.Attributes {
			out[id+"/"+name] = string(a.Action)
			for pt, p := range a.Properties {
				out[fmt.Sprintf("%s/%s/%s", id, name, pt)] = fmt.Sprintf("%s %q->%q", p.Action, p.PreviousValue, p.NewValue)
			}
		}
		for name, g := range n.Relationships {
			for peer, rel := range g.Relationships {
				out[fmt.Sprintf("%s/%s/%s", id, name, peer)] = string(rel.Action)
			}
		}
	}
	return out
}

func TestComputeOrExtendComputesFreshDiff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setColor(t, "b", "blue", t1)

	root, err := f.coord.ComputeOrExtend(ctx, "main", "b", t2)
	require.NoError(t, err)
	assert.Equal(t, diff.BranchTrackingID("b"), root.TrackingID)
	assert.Equal(t, t0, root.FromTime)
	assert.Equal(t, t2, root.ToTime)
	assert.Equal(t, `updated "red"->"blue"`, shape(root)["N/color/value"])
	assert.Zero(t, root.NumConflicts)

	partner, err := f.coord.GetByUUID(ctx, root.PartnerUUID)
	require.NoError(t, err)
	assert.Equal(t, "main", partner.DiffBranch)
	assert.Equal(t, root.UUID, partner.PartnerUUID)
	assert.Empty(t, partner.Nodes)

	stored, err := f.coord.Get(ctx, "main", "b")
	require.NoError(t, err)
	assert.Equal(t, root.UUID, stored.UUID)
}

func TestExtendMatchesFreshComputation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setColor(t, "b", "blue", t1)

	first, err := f.coord.ComputeOrExtend(ctx, "main", "b", t2)
	require.NoError(t, err)

	f.setColor(t, "b", "green", t2.Add(10*time.Minute))
	f.write(t, func(ctx context.Context, tx *graph.Tx) error {
		if err := tx.UpsertNode(ctx, "b", "M", "Car", t2.Add(20*time.Minute)); err != nil {
			return err
		}
		return tx.UpsertAttributeProperty(ctx, "b", "M", "color", diff.PropertyValue, "white", t2.Add(20*time.Minute))
	})

	extended, err := f.coord.ComputeOrExtend(ctx, "main", "b", t3)
	require.NoError(t, err)
	assert.Equal(t, first.UUID, extended.UUID, "extension keeps the identity of the diff")
	assert.Equal(t, t0, extended.FromTime)
	assert.Equal(t, t3, extended.ToTime)

	fresh, err := f.newCoordinator(store.NewMemory()).ComputeOrExtend(ctx, "main", "b", t3)
	require.NoError(t, err)
	assert.Equal(t, shape(fresh), shape(extended))
	assert.Equal(t, fresh.Counters, extended.Counters)
	assert.Equal(t, `updated "red"->"green"`, shape(extended)["N/color/value"])
	assert.Equal(t, string(diff.ActionAdded), shape(extended)["M"])
}

func TestComputeOrExtendIsNoopForOlderEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setColor(t, "b", "blue", t1)

	first, err := f.coord.ComputeOrExtend(ctx, "main", "b", t2)
	require.NoError(t, err)
	again, err := f.coord.ComputeOrExtend(ctx, "main", "b", t2)
	require.NoError(t, err)
	assert.Equal(t, first.UUID, again.UUID)
	assert.Equal(t, shape(first), shape(again))

	earlier, err := f.coord.ComputeOrExtend(ctx, "main", "b", t1)
	require.NoError(t, err)
	assert.Equal(t, t2, earlier.ToTime)
}

func TestComputeOrExtendRejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var verr *diff.ValidationError
	_, err := f.coord.ComputeOrExtend(ctx, "main", "b", t0.Add(-time.Minute))
	assert.ErrorAs(t, err, &verr)

	_, err = f.coord.ComputeOrExtend(ctx, "main", "nope", t1)
	assert.ErrorIs(t, err, diff.ErrNotFound)
}

func TestConflictResolutionSurvivesExtension(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setColor(t, "b", "blue", t1)
	f.setColor(t, "main", "green", t1)

	conflicts, err := f.coord.GetConflicts(ctx, "main", "b", diff.TimeRange{To: t2})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, "N/color/value", c.Path.String())
	assert.Equal(t, "green", c.Conflict.BaseBranchValue)
	assert.Equal(t, "blue", c.Conflict.DiffBranchValue)

	require.NoError(t, f.coord.ResolveConflict(ctx, c.Conflict.UUID, diff.BranchSideDiff))

	f.write(t, func(ctx context.Context, tx *graph.Tx) error {
		return tx.UpsertAttributeProperty(ctx, "b", "N", "size", diff.PropertyValue, "large", t2.Add(time.Minute))
	})
	root, err := f.coord.ComputeOrExtend(ctx, "main", "b", t3)
	require.NoError(t, err)
	require.Equal(t, 1, root.NumConflicts)

	kept := root.Conflicts()[0].Conflict
	assert.Equal(t, c.Conflict.UUID, kept.UUID)
	assert.Equal(t, diff.BranchSideDiff, kept.SelectedBranch)
	assert.Empty(t, root.UnresolvedConflicts())

	recalculated, err := f.coord.Recalculate(ctx, "main", "b", time.Time{}, t3)
	require.NoError(t, err)
	assert.Equal(t, root.UUID, recalculated.UUID)
	assert.Equal(t, diff.BranchSideDiff, recalculated.Conflicts()[0].Conflict.SelectedBranch)
}

func TestResolveConflictNotApplicable(t *testing.T) {
	f := newFixture(t)
	err := f.coord.ResolveConflict(context.Background(), "missing", diff.BranchSideBase)
	assert.ErrorIs(t, err, diff.ErrConflictNotApplicable)
}

func TestStaleBranchPointTriggersRecalculation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setColor(t, "b", "blue", t1)

	first, err := f.coord.ComputeOrExtend(ctx, "main", "b", t2)
	require.NoError(t, err)

	require.NoError(t, f.graph.SetBranchedFrom(ctx, "b", t2))
	root, err := f.coord.ComputeOrExtend(ctx, "main", "b", t3)
	require.NoError(t, err)
	assert.Equal(t, first.UUID, root.UUID)
	assert.Equal(t, t2, root.FromTime)
	assert.Equal(t, t3, root.ToTime)
	assert.Empty(t, root.Nodes, "the change before the new branch point is not part of the diff")
}

func TestRebase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setColor(t, "b", "blue", t1)

	_, err := f.coord.ComputeOrExtend(ctx, "main", "b", t2)
	require.NoError(t, err)

	root, err := f.coord.Rebase(ctx, "main", "b", t3)
	require.NoError(t, err)
	assert.Equal(t, t3, root.FromTime)
	assert.Equal(t, t4, root.ToTime)

	from, err := f.graph.BranchedFrom(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, t3, from)
}

func TestGetConflictsOutsideTrackingWindowIsAdHoc(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setColor(t, "b", "blue", t1)
	f.setColor(t, "main", "green", t1)

	conflicts, err := f.coord.GetConflicts(ctx, "main", "b", diff.TimeRange{From: t0.Add(time.Minute), To: t2})
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)

	_, err = f.coord.Get(ctx, "main", "b")
	assert.ErrorIs(t, err, diff.ErrNotFound, "ad-hoc windows are not tracked")
}

func TestAdHocNarrowsToNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setColor(t, "b", "blue", t1)
	f.write(t, func(ctx context.Context, tx *graph.Tx) error {
		return tx.UpsertNode(ctx, "b", "M", "Car", t1)
	})

	root, err := f.coord.AdHoc(ctx, AdHocRequest{
		BaseBranch: "main", DiffBranch: "b",
		Window:  diff.TimeRange{From: t0, To: t2},
		NodeIDs: []string{"M"},
	})
	require.NoError(t, err)
	assert.Empty(t, root.TrackingID)
	require.Len(t, root.Nodes, 1)
	assert.Contains(t, root.Nodes, "M")
}

func TestPurgeEmptyRemovesOnlyAdHocRoots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tracked, err := f.coord.ComputeOrExtend(ctx, "main", "b", t1)
	require.NoError(t, err)
	require.Empty(t, tracked.Nodes)

	adhoc, err := f.coord.AdHoc(ctx, AdHocRequest{
		BaseBranch: "main", DiffBranch: "b",
		Window:  diff.TimeRange{From: t3, To: t4},
		Persist: true,
	})
	require.NoError(t, err)

	n, err := f.coord.PurgeEmpty(ctx, store.EmptyFilter{EndedBefore: t4.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the ad-hoc root and its base diff")

	_, err = f.coord.GetByUUID(ctx, adhoc.UUID)
	assert.ErrorIs(t, err, diff.ErrNotFound)
	_, err = f.coord.GetByUUID(ctx, tracked.UUID)
	assert.NoError(t, err)
}

func TestPurgeEmptyRemovesBaseDiffOfEmptyAdHocRoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setColor(t, "main", "green", t1)

	adhoc, err := f.coord.AdHoc(ctx, AdHocRequest{
		BaseBranch: "main", DiffBranch: "b",
		Window:  diff.TimeRange{From: t1, To: t2},
		Persist: true,
	})
	require.NoError(t, err)
	require.Empty(t, adhoc.Nodes)
	partner, err := f.coord.GetByUUID(ctx, adhoc.PartnerUUID)
	require.NoError(t, err)
	require.NotEmpty(t, partner.Nodes, "main changed in the window")

	n, err := f.coord.PurgeEmpty(ctx, store.EmptyFilter{EndedBefore: t4})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.coord.GetByUUID(ctx, adhoc.UUID)
	assert.ErrorIs(t, err, diff.ErrNotFound)
	_, err = f.coord.GetByUUID(ctx, adhoc.PartnerUUID)
	assert.ErrorIs(t, err, diff.ErrNotFound)
}

func TestOriginChangeAtBranchPointIsNotConcurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setColor(t, "main", "green", t0)
	f.setColor(t, "b", "blue", t1)

	root, err := f.coord.ComputeOrExtend(ctx, "main", "b", t2)
	require.NoError(t, err)
	assert.Zero(t, root.NumConflicts)
	assert.Equal(t, `updated "green"->"blue"`, shape(root)["N/color/value"], "the branch starts from the origin's value at the branch point")

	partner, err := f.coord.GetByUUID(ctx, root.PartnerUUID)
	require.NoError(t, err)
	assert.Empty(t, partner.Nodes)
}

func TestDiffAgainstItselfIsRejected(t *testing.T) {
	f := newFixture(t)
	var verr *diff.ValidationError
	_, err := f.coord.AdHoc(context.Background(), AdHocRequest{
		BaseBranch: "main", DiffBranch: "main", Window: diff.TimeRange{From: t0, To: t1},
	})
	assert.ErrorAs(t, err, &verr)
}
