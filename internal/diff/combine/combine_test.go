package combine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/builder"
	"github.com/systemshift/graphdiff/internal/diff/query"
)

var (
	t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t1.Add(time.Hour)
	t3 = t2.Add(time.Hour)
)

var schema = &diff.Schema{Kinds: map[string]diff.KindSchema{
	"Car": {Relationships: map[string]diff.RelationshipSchema{
		"owner": {Cardinality: diff.CardinalityOne},
	}},
}}

func row(elem query.ElementType, id, name, peer, edge string, action diff.Action, before, after string, at time.Time) query.Row {
	return query.Row{Branch: "b", NodeID: id, Kind: "Car", ElementType: elem, Element: name, PeerID: peer,
		EdgeKind: edge, Action: action, ValueBefore: before, ValueAfter: after, ChangedAt: at}
}

func node(id string, action diff.Action, at time.Time) query.Row {
	return row(query.ElementNode, id, "", "", query.EdgeIsPartOf, action, "", "", at)
}

func value(id, attr string, action diff.Action, before, after string, at time.Time) query.Row {
	return row(query.ElementAttribute, id, attr, "", query.EdgeHasValue, action, before, after, at)
}

func attrExists(id, attr string, action diff.Action, at time.Time) query.Row {
	return row(query.ElementAttribute, id, attr, "", query.EdgeHasAttribute, action, "", "", at)
}

func edge(id, rel, peer string, action diff.Action, at time.Time) query.Row {
	return row(query.ElementRelationship, id, rel, peer, query.EdgeIsRelated, action, "", "", at)
}

func edgeProp(id, rel, peer, kind string, action diff.Action, before, after string, at time.Time) query.Row {
	return row(query.ElementRelationship, id, rel, peer, kind, action, before, after, at)
}

// buildWindow builds the root of the rows falling inside [from, to).
func buildWindow(t *testing.T, rows []query.Row, from, to time.Time) *diff.Root {
	t.Helper()
	window := diff.TimeRange{From: from, To: to}
	var in []query.Row
	for _, r := range rows {
		if window.Contains(r.ChangedAt) {
			in = append(in, r)
		}
	}
	paths, err := query.Parse(in)
	require.NoError(t, err)
	root, err := builder.Build(builder.Request{
		UUID: "r", BaseBranch: "main", DiffBranch: "b", Window: window, Schema: schema,
	}, paths)
	require.NoError(t, err)
	return root
}

// shape projects a root onto its paths, actions and values.
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
			out[id+"/"+name] = string(g.Action)
			for peer, rel := range g.Relationships {
				out[fmt.Sprintf("%s/%s/%s", id, name, peer)] = string(rel.Action)
				for pt, p := range rel.Properties {
					out[fmt.Sprintf("%s/%s/%s/%s", id, name, peer, pt)] = fmt.Sprintf("%s %q->%q", p.Action, p.PreviousValue, p.NewValue)
				}
			}
		}
	}
	return out
}

func TestCombineRejectsMismatchedRoots(t *testing.T) {
	a := diff.NewRoot("a", "main", "b", diff.TimeRange{From: t0, To: t1})
	gap := diff.NewRoot("c", "main", "b", diff.TimeRange{From: t2, To: t3})
	other := diff.NewRoot("d", "main", "c", diff.TimeRange{From: t1, To: t2})

	tests := []struct {
		name         string
		earlier, lat *diff.Root
	}{
		{name: "gap between windows", earlier: a, lat: gap},
		{name: "reversed order", earlier: gap, lat: a},
		{name: "different branch pair", earlier: a, lat: other},
		{name: "missing root", earlier: a, lat: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Combine(tt.earlier, tt.lat)
			var cerr *diff.CombineError
			assert.True(t, errors.As(err, &cerr))
		})
	}
}

func TestCombineAddRemoveCancellation(t *testing.T) {
	rows := []query.Row{
		node("N", diff.ActionAdded, t0),
		attrExists("N", "color", diff.ActionAdded, t0),
		value("N", "color", diff.ActionAdded, "", "red", t0),
		node("N", diff.ActionRemoved, t1),
		attrExists("N", "color", diff.ActionRemoved, t1),
		value("N", "color", diff.ActionRemoved, "red", "", t1),
		value("M", "color", diff.ActionUpdated, "red", "blue", t1),
	}
	earlier := buildWindow(t, rows, t0, t1)
	later := buildWindow(t, rows, t1, t2)
	require.Contains(t, earlier.Nodes, "N")

	out, err := Combine(earlier, later)
	require.NoError(t, err)
	assert.NotContains(t, out.Nodes, "N")
	assert.Contains(t, out.Nodes, "M")
	assert.Equal(t, diff.Counters{NumUpdated: 1}, out.Counters)
	assert.Equal(t, t0, out.FromTime)
	assert.Equal(t, t2, out.ToTime)
	require.NoError(t, out.Validate())
}

func TestCombineStaleParentElimination(t *testing.T) {
	rows := []query.Row{
		attrExists("N", "size", diff.ActionAdded, t0),
		value("N", "size", diff.ActionAdded, "", "L", t0),
		attrExists("N", "size", diff.ActionRemoved, t1),
		value("N", "size", diff.ActionRemoved, "L", "", t1),
	}
	out, err := Combine(buildWindow(t, rows, t0, t1), buildWindow(t, rows, t1, t2))
	require.NoError(t, err)
	assert.Empty(t, out.Nodes)
	assert.True(t, out.Counters.Empty())
}

func TestCombineKeepsEarlierIdentityAndDropsConflicts(t *testing.T) {
	rows := []query.Row{
		value("N", "color", diff.ActionUpdated, "red", "blue", t0),
		value("N", "color", diff.ActionUpdated, "blue", "green", t1),
	}
	earlier := buildWindow(t, rows, t0, t1)
	earlier.UUID = "keep-me"
	earlier.TrackingID = diff.BranchTrackingID("b")
	earlier.PartnerUUID = "partner"
	earlier.Nodes["N"].Attributes["color"].Properties[diff.PropertyValue].Conflict = &diff.Conflict{UUID: "c"}
	earlier.Recount()
	later := buildWindow(t, rows, t1, t2)
	later.UUID = "delta"

	out, err := Combine(earlier, later)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", out.UUID)
	assert.Equal(t, diff.BranchTrackingID("b"), out.TrackingID)
	assert.Equal(t, "partner", out.PartnerUUID)
	assert.Empty(t, out.Conflicts())

	p := out.Nodes["N"].Attributes["color"].Properties[diff.PropertyValue]
	assert.Equal(t, "red", p.PreviousValue)
	assert.Equal(t, "green", p.NewValue)
	assert.NotNil(t, earlier.Nodes["N"].Attributes["color"].Properties[diff.PropertyValue].Conflict, "inputs are untouched")
}

func TestCombineCardinalityOneAcrossWindows(t *testing.T) {
	rows := []query.Row{
		edge("N", "owner", "P1", diff.ActionAdded, t0),
		edge("N", "owner", "P1", diff.ActionRemoved, t1),
		edge("N", "owner", "P2", diff.ActionAdded, t1),
		edgeProp("N", "owner", "P2", query.EdgeIsVisible, diff.ActionAdded, "", "true", t1),
	}
	out, err := Combine(buildWindow(t, rows, t0, t1), buildWindow(t, rows, t1, t2))
	require.NoError(t, err)

	g := out.Nodes["N"].Relationships["owner"]
	require.Len(t, g.Relationships, 1)
	rel := g.Relationships["P2"]
	require.NotNil(t, rel)
	assert.Equal(t, diff.ActionAdded, rel.Action)
	assert.Equal(t, "P2", rel.Properties[diff.PropertyRelatedPeer].NewValue)
	assert.Empty(t, rel.Properties[diff.PropertyRelatedPeer].PreviousValue)
}

// history spans [t0, t3) and avoids removing and re-adding the same entry,
// the one case where composition depends on grouping.
var history = []query.Row{
	// N: attribute updated in every window
	value("N", "color", diff.ActionUpdated, "red", "blue", t0),
	value("N", "color", diff.ActionUpdated, "blue", "green", t1.Add(time.Minute)),
	value("N", "color", diff.ActionUpdated, "green", "black", t2.Add(time.Minute)),
	// N: owner replaced twice
	edge("N", "owner", "P1", diff.ActionRemoved, t0.Add(time.Minute)),
	edge("N", "owner", "P2", diff.ActionAdded, t0.Add(time.Minute)),
	edge("N", "owner", "P2", diff.ActionRemoved, t2),
	edge("N", "owner", "P3", diff.ActionAdded, t2),
	// M: created, then its attribute updated, then a tag added
	node("M", diff.ActionAdded, t0),
	attrExists("M", "name", diff.ActionAdded, t0),
	value("M", "name", diff.ActionAdded, "", "m", t0),
	value("M", "name", diff.ActionUpdated, "m", "mm", t1),
	edge("M", "tags", "T1", diff.ActionAdded, t2),
	edgeProp("M", "tags", "T1", query.EdgeIsProtected, diff.ActionAdded, "", "true", t2),
	// O: updated then deleted
	value("O", "name", diff.ActionUpdated, "o", "oo", t0),
	node("O", diff.ActionRemoved, t1),
	attrExists("O", "name", diff.ActionRemoved, t1),
	value("O", "name", diff.ActionRemoved, "oo", "", t1),
	// Q: attribute added then removed, leaving nothing
	attrExists("Q", "size", diff.ActionAdded, t1),
	value("Q", "size", diff.ActionAdded, "", "L", t1),
	attrExists("Q", "size", diff.ActionRemoved, t2),
	value("Q", "size", diff.ActionRemoved, "L", "", t2),
}

func TestCombineMatchesFreshBuild(t *testing.T) {
	fresh := buildWindow(t, history, t0, t3)

	d1 := buildWindow(t, history, t0, t1)
	d2 := buildWindow(t, history, t1, t2)
	d3 := buildWindow(t, history, t2, t3)

	d12, err := Combine(d1, d2)
	require.NoError(t, err)
	left, err := Combine(d12, d3)
	require.NoError(t, err)

	assert.Equal(t, shape(fresh), shape(left))
	assert.Equal(t, fresh.Counters, left.Counters)
	require.NoError(t, left.Validate())
	assert.NotContains(t, left.Nodes, "Q")
	assert.Equal(t, diff.ActionAdded, left.Nodes["M"].Action)
	assert.Equal(t, diff.ActionRemoved, left.Nodes["O"].Action)
	assert.Equal(t, `removed "o"->""`, shape(left)["O/name/value"])
}

func TestCombineAssociativity(t *testing.T) {
	d1 := buildWindow(t, history, t0, t1)
	d2 := buildWindow(t, history, t1, t2)
	d3 := buildWindow(t, history, t2, t3)

	d12, err := Combine(d1, d2)
	require.NoError(t, err)
	left, err := Combine(d12, d3)
	require.NoError(t, err)

	d23, err := Combine(d2, d3)
	require.NoError(t, err)
	right, err := Combine(d1, d23)
	require.NoError(t, err)

	assert.Equal(t, shape(left), shape(right))
	assert.Equal(t, left.Counters, right.Counters)
}

func TestCombineRemoveAddRemoveDependsOnGrouping(t *testing.T) {
	removeAddRemove := func(added string) []query.Row {
		return []query.Row{
			attrExists("N", "color", diff.ActionRemoved, t0),
			value("N", "color", diff.ActionRemoved, "red", "", t0),
			attrExists("N", "color", diff.ActionAdded, t1),
			value("N", "color", diff.ActionAdded, "", added, t1),
			attrExists("N", "color", diff.ActionRemoved, t2),
			value("N", "color", diff.ActionRemoved, added, "", t2),
		}
	}
	tests := []struct {
		name      string
		rows      []query.Row
		wantLeft  string
		wantRight string
	}{
		{
			name:      "added back with another value",
			rows:      removeAddRemove("blue"),
			wantLeft:  `removed "blue"->""`,
			wantRight: `removed "red"->""`,
		},
		{
			name:      "added back with the same value",
			rows:      removeAddRemove("red"),
			wantLeft:  `removed "red"->""`,
			wantRight: `removed "red"->""`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d1 := buildWindow(t, tt.rows, t0, t1)
			d2 := buildWindow(t, tt.rows, t1, t2)
			d3 := buildWindow(t, tt.rows, t2, t3)

			d12, err := Combine(d1, d2)
			require.NoError(t, err)
			assert.Empty(t, d12.Nodes, "removed then added cancels")
			left, err := Combine(d12, d3)
			require.NoError(t, err)

			d23, err := Combine(d2, d3)
			require.NoError(t, err)
			assert.Empty(t, d23.Nodes, "added then removed cancels")
			right, err := Combine(d1, d23)
			require.NoError(t, err)

			assert.Equal(t, string(diff.ActionRemoved), shape(left)["N/color"])
			assert.Equal(t, string(diff.ActionRemoved), shape(right)["N/color"])
			assert.Equal(t, tt.wantLeft, shape(left)["N/color/value"])
			assert.Equal(t, tt.wantRight, shape(right)["N/color/value"])
			assert.Equal(t, left.Counters, right.Counters)
		})
	}
}
