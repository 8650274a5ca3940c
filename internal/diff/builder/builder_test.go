package builder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/query"
)

var (
	t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t1.Add(time.Minute)
	t3 = t2.Add(time.Minute)
)

var testSchema = &diff.Schema{Kinds: map[string]diff.KindSchema{
	"Car": {Relationships: map[string]diff.RelationshipSchema{
		"owner": {Label: "Owner", Cardinality: diff.CardinalityOne},
		"tags":  {Label: "Tags", Cardinality: diff.CardinalityMany},
	}},
}}

func nodeRow(branch, id string, action diff.Action, at time.Time) query.Row {
	return query.Row{Branch: branch, NodeID: id, Kind: "Car", ElementType: query.ElementNode,
		EdgeKind: query.EdgeIsPartOf, Action: action, ChangedAt: at}
}

func attrRow(branch, id, attr, edge string, action diff.Action, before, after string, at time.Time) query.Row {
	return query.Row{Branch: branch, NodeID: id, Kind: "Car", ElementType: query.ElementAttribute, Element: attr,
		EdgeKind: edge, Action: action, ValueBefore: before, ValueAfter: after, ChangedAt: at}
}

func relRow(branch, id, rel, peer, edge string, action diff.Action, before, after string, at time.Time) query.Row {
	return query.Row{Branch: branch, NodeID: id, Kind: "Car", ElementType: query.ElementRelationship, Element: rel,
		PeerID: peer, EdgeKind: edge, Action: action, ValueBefore: before, ValueAfter: after, ChangedAt: at}
}

func build(t *testing.T, rows ...query.Row) (*diff.Root, error) {
	t.Helper()
	paths, err := query.Parse(rows)
	require.NoError(t, err)
	return Build(Request{
		UUID: "r", BaseBranch: "main", DiffBranch: "b",
		Window: diff.TimeRange{From: t0, To: t3}, Schema: testSchema,
	}, paths)
}

func TestBuildAttributeUpdate(t *testing.T) {
	root, err := build(t,
		attrRow("b", "N", "color", query.EdgeHasValue, diff.ActionUpdated, "red", "blue", t1),
		attrRow("b", "N", "color", query.EdgeHasValue, diff.ActionUpdated, "blue", "green", t2),
		attrRow("main", "N", "color", query.EdgeHasValue, diff.ActionUpdated, "red", "black", t1),
	)
	require.NoError(t, err)
	require.Len(t, root.Nodes, 1)

	n := root.Nodes["N"]
	assert.Equal(t, diff.ActionUpdated, n.Action)
	assert.Equal(t, t2, n.ChangedAt)

	color := n.Attributes["color"]
	require.NotNil(t, color)
	assert.Equal(t, diff.ActionUpdated, color.Action)

	value := color.Properties[diff.PropertyValue]
	assert.Equal(t, "red", value.PreviousValue)
	assert.Equal(t, "green", value.NewValue, "only the final value is retained")
	assert.Equal(t, diff.Counters{NumUpdated: 1}, root.Counters)
	require.NoError(t, root.Validate())
}

func TestBuildAddedNode(t *testing.T) {
	root, err := build(t,
		nodeRow("b", "N", diff.ActionAdded, t1),
		attrRow("b", "N", "color", query.EdgeHasAttribute, diff.ActionAdded, "", "", t1),
		attrRow("b", "N", "color", query.EdgeHasValue, diff.ActionAdded, "", "red", t1),
		attrRow("b", "N", "color", query.EdgeIsVisible, diff.ActionAdded, "", "true", t1),
		attrRow("b", "N", "color", query.EdgeHasValue, diff.ActionUpdated, "red", "blue", t2),
	)
	require.NoError(t, err)

	n := root.Nodes["N"]
	assert.Equal(t, diff.ActionAdded, n.Action)
	assert.Equal(t, diff.ActionAdded, n.Attributes["color"].Action)
	value := n.Attributes["color"].Properties[diff.PropertyValue]
	assert.Equal(t, diff.ActionAdded, value.Action)
	assert.Equal(t, "blue", value.NewValue)
	assert.Empty(t, value.PreviousValue)
	assert.Equal(t, diff.Counters{NumAdded: 2}, root.Counters)
}

func TestBuildRejectsNodeAddedAndRemovedInOneWindow(t *testing.T) {
	_, err := build(t,
		nodeRow("b", "N", diff.ActionAdded, t1),
		nodeRow("b", "N", diff.ActionRemoved, t2),
	)
	var berr *diff.BuildError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, "N", berr.NodeID)
}

func TestBuildRemovedThenRecreatedNodeWithoutChangesIsDropped(t *testing.T) {
	root, err := build(t,
		nodeRow("b", "N", diff.ActionRemoved, t1),
		nodeRow("b", "N", diff.ActionAdded, t2),
	)
	require.NoError(t, err)
	assert.Empty(t, root.Nodes)
}

func TestBuildCardinalityOneReplacement(t *testing.T) {
	root, err := build(t,
		relRow("b", "N", "owner", "P1", query.EdgeIsRelated, diff.ActionRemoved, "", "", t1),
		relRow("b", "N", "owner", "P2", query.EdgeIsRelated, diff.ActionAdded, "", "", t1),
		relRow("b", "N", "owner", "P2", query.EdgeIsVisible, diff.ActionAdded, "", "true", t1),
	)
	require.NoError(t, err)

	group := root.Nodes["N"].Relationships["owner"]
	require.NotNil(t, group)
	assert.Equal(t, diff.CardinalityOne, group.Cardinality)
	assert.Equal(t, "Owner", group.Label)
	assert.Equal(t, diff.ActionUpdated, group.Action)
	require.Len(t, group.Relationships, 1)

	rel := group.Relationships["P2"]
	require.NotNil(t, rel)
	assert.Equal(t, diff.ActionUpdated, rel.Action)
	peer := rel.Properties[diff.PropertyRelatedPeer]
	assert.Equal(t, "P1", peer.PreviousValue)
	assert.Equal(t, "P2", peer.NewValue)
	assert.Equal(t, diff.ActionAdded, rel.Properties[diff.PropertyIsVisible].Action)
	assert.Equal(t, diff.Counters{NumAdded: 1, NumUpdated: 1}, root.Counters)
}

func TestBuildCardinalityOneKeepsFinalPeerOnly(t *testing.T) {
	root, err := build(t,
		relRow("b", "N", "owner", "P1", query.EdgeIsRelated, diff.ActionRemoved, "", "", t1),
		relRow("b", "N", "owner", "P2", query.EdgeIsRelated, diff.ActionAdded, "", "", t1),
		relRow("b", "N", "owner", "P2", query.EdgeIsRelated, diff.ActionRemoved, "", "", t2),
		relRow("b", "N", "owner", "P3", query.EdgeIsRelated, diff.ActionAdded, "", "", t2),
	)
	require.NoError(t, err)

	group := root.Nodes["N"].Relationships["owner"]
	require.Len(t, group.Relationships, 1)
	peer := group.Relationships["P3"].Properties[diff.PropertyRelatedPeer]
	assert.Equal(t, "P1", peer.PreviousValue)
	assert.Equal(t, "P3", peer.NewValue)
}

func TestBuildCardinalityOneRemoval(t *testing.T) {
	root, err := build(t,
		relRow("b", "N", "owner", "P1", query.EdgeIsRelated, diff.ActionRemoved, "", "", t1),
	)
	require.NoError(t, err)

	rel := root.Nodes["N"].Relationships["owner"].Relationships["P1"]
	require.NotNil(t, rel)
	assert.Equal(t, diff.ActionRemoved, rel.Action)
	assert.Equal(t, "P1", rel.Properties[diff.PropertyRelatedPeer].PreviousValue)
}

func TestBuildCardinalityOneRejectsContradictoryRows(t *testing.T) {
	tests := []struct {
		name string
		rows []query.Row
	}{
		{
			name: "three rows at one timestamp",
			rows: []query.Row{
				relRow("b", "N", "owner", "P1", query.EdgeIsRelated, diff.ActionRemoved, "", "", t1),
				relRow("b", "N", "owner", "P2", query.EdgeIsRelated, diff.ActionAdded, "", "", t1),
				relRow("b", "N", "owner", "P3", query.EdgeIsRelated, diff.ActionAdded, "", "", t1),
			},
		},
		{
			name: "second peer added while first is current",
			rows: []query.Row{
				relRow("b", "N", "owner", "P1", query.EdgeIsRelated, diff.ActionAdded, "", "", t1),
				relRow("b", "N", "owner", "P2", query.EdgeIsRelated, diff.ActionAdded, "", "", t2),
			},
		},
		{
			name: "removal of a peer that is not current",
			rows: []query.Row{
				relRow("b", "N", "owner", "P1", query.EdgeIsRelated, diff.ActionAdded, "", "", t1),
				relRow("b", "N", "owner", "P2", query.EdgeIsRelated, diff.ActionRemoved, "", "", t2),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := build(t, tt.rows...)
			var berr *diff.BuildError
			require.True(t, errors.As(err, &berr), "got %v", err)
			assert.Equal(t, "N/owner", berr.Path)
		})
	}
}

func TestBuildCardinalityMany(t *testing.T) {
	root, err := build(t,
		relRow("b", "N", "tags", "T1", query.EdgeIsRelated, diff.ActionAdded, "", "", t1),
		relRow("b", "N", "tags", "T2", query.EdgeIsRelated, diff.ActionRemoved, "", "", t1),
		relRow("b", "N", "tags", "T3", query.EdgeIsProtected, diff.ActionUpdated, "false", "true", t2),
		relRow("b", "N", "tags", "T4", query.EdgeIsRelated, diff.ActionAdded, "", "", t1),
		relRow("b", "N", "tags", "T4", query.EdgeIsRelated, diff.ActionRemoved, "", "", t2),
	)
	require.NoError(t, err)

	group := root.Nodes["N"].Relationships["tags"]
	require.Len(t, group.Relationships, 3, "T4 cancels out")
	assert.Equal(t, diff.ActionAdded, group.Relationships["T1"].Action)
	assert.Equal(t, "T1", group.Relationships["T1"].Properties[diff.PropertyRelatedPeer].NewValue)
	assert.Equal(t, diff.ActionRemoved, group.Relationships["T2"].Action)
	assert.Equal(t, diff.ActionUpdated, group.Relationships["T3"].Action)
	assert.NotContains(t, group.Relationships["T3"].Properties, diff.PropertyRelatedPeer)
	assert.Equal(t, diff.Counters{NumAdded: 1, NumUpdated: 1, NumRemoved: 1}, root.Counters)
}

func TestBuildUnchangedRows(t *testing.T) {
	root, err := build(t,
		attrRow("b", "N", "color", query.EdgeHasValue, diff.ActionUnchanged, "red", "red", t1),
		attrRow("b", "N", "color", query.EdgeHasOwner, diff.ActionUpdated, "o1", "o2", t1),
		attrRow("b", "M", "color", query.EdgeHasValue, diff.ActionUnchanged, "red", "red", t1),
	)
	require.NoError(t, err)

	assert.NotContains(t, root.Nodes, "M", "nodes without any change are left out")
	color := root.Nodes["N"].Attributes["color"]
	assert.Equal(t, diff.ActionUnchanged, color.Properties[diff.PropertyValue].Action)
	assert.Equal(t, diff.Counters{NumUpdated: 1}, root.Counters)
}

func TestBuildRejectsIncompatibleRows(t *testing.T) {
	_, err := build(t,
		attrRow("b", "N", "color", query.EdgeHasValue, diff.ActionAdded, "", "red", t1),
		attrRow("b", "N", "color", query.EdgeHasValue, diff.ActionAdded, "", "blue", t2),
	)
	var berr *diff.BuildError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, "N/color/value", berr.Path)
	assert.True(t, errors.Is(err, diff.ErrIncompatibleActions))
}

func TestBuildRejectsInvalidWindow(t *testing.T) {
	_, err := Build(Request{Window: diff.TimeRange{From: t2, To: t1}}, query.RootPaths{})
	var berr *diff.BuildError
	assert.True(t, errors.As(err, &berr))
}
