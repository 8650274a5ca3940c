// Package builder turns parsed change rows into an enriched diff tree.
package builder

import (
	"fmt"
	"sort"
	"time"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/query"
)

// Request names the root to build. Only the rows of DiffBranch are used, so
// the self-diff of a base branch is built with BaseBranch == DiffBranch.
type Request struct {
	UUID       string
	BaseBranch string
	DiffBranch string
	Window     diff.TimeRange
	Schema     *diff.Schema
}

// maxTiedRelationshipRows is the most cardinality-one edge rows that may share
// a timestamp: one removal and one addition.
const maxTiedRelationshipRows = 2

type builder struct {
	req Request
}

// Build converts root paths into a diff root with recomputed counters.
//
// Rows of each entry are folded in time order with diff.Compose, the same
// algebra the combiner uses, so building one window gives the same tree as
// building two adjacent windows and combining them. Nodes whose subtree
// records no change are left out.
func Build(req Request, paths query.RootPaths) (*diff.Root, error) {
	if err := req.Window.Validate(); err != nil {
		return nil, &diff.BuildError{Reason: "invalid window", Err: err}
	}
	b := &builder{req: req}
	root := diff.NewRoot(req.UUID, req.BaseBranch, req.DiffBranch, req.Window)
	for _, id := range paths.NodeIDs() {
		np := paths[id]
		nc := np.Branch(req.DiffBranch)
		if nc == nil {
			continue
		}
		node, err := b.node(np, nc)
		if err != nil {
			return nil, err
		}
		if node != nil {
			root.Nodes[id] = node
		}
	}
	root.Recount()
	return root, nil
}

func (b *builder) node(np *query.NodePath, nc *query.NodeChanges) (*diff.Node, error) {
	node := diff.NewNode(np.NodeID, np.Kind, diff.ActionUnchanged, time.Time{})

	for _, name := range sortedKeys(nc.Attributes) {
		attr, err := b.attribute(np.NodeID, nc.Attributes[name])
		if err != nil {
			return nil, err
		}
		if attr != nil {
			node.Attributes[name] = attr
			node.ChangedAt = latest(node.ChangedAt, attr.ChangedAt)
		}
	}

	for _, name := range sortedKeys(nc.Relationships) {
		group, err := b.relationshipGroup(np.NodeID, np.Kind, nc.Relationships[name])
		if err != nil {
			return nil, err
		}
		if group != nil {
			node.Relationships[name] = group
			node.ChangedAt = latest(node.ChangedAt, group.ChangedAt)
		}
	}

	existence, ok, err := foldNodeExistence(nc.Existence)
	if err != nil {
		return nil, &diff.BuildError{NodeID: np.NodeID, Reason: err.Error()}
	}
	switch {
	case ok && existence.Action != diff.ActionUnchanged:
		node.Action = existence.Action
		node.ChangedAt = latest(node.ChangedAt, existence.ChangedAt)
	case node.HasChangedChildren():
		node.Action = diff.ActionUpdated
	default:
		return nil, nil
	}
	return node, nil
}

// foldNodeExistence folds the create/delete rows of a node. A node created and
// deleted inside one window points at a query layer defect.
func foldNodeExistence(rows []query.Row) (diff.Change, bool, error) {
	var (
		acc  diff.Change
		have bool
	)
	for _, r := range rows {
		if have && acc.Action == diff.ActionAdded && r.Action == diff.ActionRemoved {
			return diff.Change{}, false, fmt.Errorf("node added at %s and removed at %s within one window",
				acc.ChangedAt.Format(time.RFC3339Nano), r.ChangedAt.Format(time.RFC3339Nano))
		}
		c := rowChange(r)
		if !have {
			acc, have = c, true
			continue
		}
		next, ok, err := diff.Compose(acc, c)
		if err != nil {
			return diff.Change{}, false, err
		}
		acc, have = next, ok
	}
	return acc, have, nil
}

func (b *builder) attribute(nodeID string, ac *query.AttributeChanges) (*diff.Attribute, error) {
	path := diff.Path{NodeID: nodeID, Attribute: ac.Name}
	props, changedAt, err := b.properties(path, ac.Properties)
	if err != nil {
		return nil, err
	}
	existence, ok, err := fold(ac.Existence)
	if err != nil {
		return nil, &diff.BuildError{NodeID: nodeID, Path: path.String(), Reason: "incompatible attribute rows", Err: err}
	}

	attr := diff.NewAttribute(ac.Name, diff.ActionUnchanged, changedAt)
	attr.Properties = props
	switch {
	case ok:
		attr.Action = existence.Action
		attr.ChangedAt = latest(attr.ChangedAt, existence.ChangedAt)
	case len(ac.Existence) > 0:
		// created and deleted, or deleted and recreated, inside the window
		return nil, nil
	case hasChange(props):
		attr.Action = diff.ActionUpdated
	}
	if attr.Action == diff.ActionUnchanged && len(props) == 0 {
		return nil, nil
	}
	return attr, nil
}

// properties folds the rows of every property type of one attribute or edge.
func (b *builder) properties(base diff.Path, rows map[diff.PropertyType][]query.Row) (map[diff.PropertyType]*diff.Property, time.Time, error) {
	props := make(map[diff.PropertyType]*diff.Property, len(rows))
	var changedAt time.Time
	for pt, list := range rows {
		ch, ok, err := fold(list)
		if err != nil {
			path := base
			path.Property = pt
			return nil, time.Time{}, &diff.BuildError{
				NodeID: base.NodeID, Path: path.String(), Reason: "incompatible property rows", Err: err,
			}
		}
		if !ok {
			continue
		}
		props[pt] = &diff.Property{
			Type:          pt,
			ChangedAt:     ch.ChangedAt,
			PreviousValue: ch.Previous,
			NewValue:      ch.New,
			Action:        ch.Action,
		}
		changedAt = latest(changedAt, ch.ChangedAt)
	}
	return props, changedAt, nil
}

func (b *builder) relationshipGroup(nodeID, kind string, rc *query.RelationshipChanges) (*diff.RelationshipGroup, error) {
	schema := b.req.Schema.Relationship(kind, rc.Name)
	group := diff.NewRelationshipGroup(rc.Name, schema.Cardinality)
	group.Label = schema.Label

	if schema.Cardinality == diff.CardinalityOne {
		rel, err := b.relationshipOne(nodeID, rc)
		if err != nil {
			return nil, err
		}
		if rel != nil {
			group.Relationships[rel.PeerID] = rel
		}
	} else {
		for _, peerID := range sortedKeys(rc.Peers) {
			rel, err := b.relationshipMany(nodeID, rc.Name, rc.Peers[peerID])
			if err != nil {
				return nil, err
			}
			if rel != nil {
				group.Relationships[peerID] = rel
			}
		}
	}

	if len(group.Relationships) == 0 {
		return nil, nil
	}
	for _, rel := range group.Relationships {
		group.ChangedAt = latest(group.ChangedAt, rel.ChangedAt)
		if rel.Action.IsChange() {
			group.Action = diff.ActionUpdated
		}
	}
	return group, nil
}

// relationshipMany builds the edge to one peer of a cardinality-many
// relationship.
func (b *builder) relationshipMany(nodeID, name string, pc *query.PeerChanges) (*diff.SingleRelationship, error) {
	path := diff.Path{NodeID: nodeID, Relationship: name, PeerID: pc.PeerID}
	props, changedAt, err := b.properties(path, pc.Properties)
	if err != nil {
		return nil, err
	}
	existence, ok, err := fold(pc.Existence)
	if err != nil {
		return nil, &diff.BuildError{NodeID: nodeID, Path: path.String(), Reason: "incompatible relationship rows", Err: err}
	}

	rel := diff.NewSingleRelationship(pc.PeerID, diff.ActionUnchanged, changedAt)
	rel.Properties = props
	switch {
	case ok:
		rel.Action = existence.Action
		rel.ChangedAt = latest(rel.ChangedAt, existence.ChangedAt)
	case len(pc.Existence) > 0:
		return nil, nil
	case hasChange(props):
		rel.Action = diff.ActionUpdated
	}

	switch rel.Action {
	case diff.ActionAdded:
		props[diff.PropertyRelatedPeer] = &diff.Property{
			Type: diff.PropertyRelatedPeer, Action: diff.ActionAdded, NewValue: pc.PeerID, ChangedAt: existence.ChangedAt,
		}
	case diff.ActionRemoved:
		props[diff.PropertyRelatedPeer] = &diff.Property{
			Type: diff.PropertyRelatedPeer, Action: diff.ActionRemoved, PreviousValue: pc.PeerID, ChangedAt: existence.ChangedAt,
		}
	case diff.ActionUnchanged:
		if len(props) == 0 {
			return nil, nil
		}
	}
	return rel, nil
}

// relationshipOne reduces every edge row of a cardinality-one relationship to
// a single entry: the peer before the window and the peer at its end.
func (b *builder) relationshipOne(nodeID string, rc *query.RelationshipChanges) (*diff.SingleRelationship, error) {
	groupPath := diff.Path{NodeID: nodeID, Relationship: rc.Name}
	fail := func(format string, args ...any) error {
		return &diff.BuildError{NodeID: nodeID, Path: groupPath.String(), Reason: fmt.Sprintf(format, args...)}
	}

	var edges []query.Row
	for _, pc := range rc.Peers {
		edges = append(edges, pc.Existence...)
	}
	query.SortRows(edges)

	tied := make(map[int64]int)
	for _, r := range edges {
		tied[r.ChangedAt.UnixNano()]++
		if tied[r.ChangedAt.UnixNano()] > maxTiedRelationshipRows {
			return nil, fail("more than %d edge rows at %s", maxTiedRelationshipRows, r.ChangedAt.Format(time.RFC3339Nano))
		}
	}

	var (
		before, live string
		known        bool
		lastChange   time.Time
	)
	for _, r := range edges {
		switch r.Action {
		case diff.ActionRemoved:
			if known && r.PeerID != live {
				return nil, fail("peer %s removed while %q is current", r.PeerID, live)
			}
			if !known {
				before = r.PeerID
			}
			live, known = "", true
			lastChange = r.ChangedAt
		case diff.ActionAdded:
			if known && live != "" {
				return nil, fail("peer %s added while %s is current", r.PeerID, live)
			}
			live, known = r.PeerID, true
			lastChange = r.ChangedAt
		case diff.ActionUnchanged:
			if known && r.PeerID != live {
				return nil, fail("peer %s reported unchanged while %q is current", r.PeerID, live)
			}
			if !known {
				before, live, known = r.PeerID, r.PeerID, true
			}
		default:
			return nil, fail("edge row with action %s", r.Action)
		}
	}
	after := live

	if !known || before == after {
		if known && after == "" {
			// added and removed again
			return nil, nil
		}
		peerID := after
		if !known {
			if len(rc.Peers) != 1 {
				return nil, fail("property rows for %d peers without an edge change", len(rc.Peers))
			}
			for id := range rc.Peers {
				peerID = id
			}
		}
		return b.peerProperties(nodeID, rc, peerID, diff.ActionUnchanged, lastChange)
	}

	var (
		rel *diff.SingleRelationship
		err error
	)
	peer := &diff.Property{Type: diff.PropertyRelatedPeer, PreviousValue: before, NewValue: after, ChangedAt: lastChange}
	switch {
	case before == "":
		peer.Action = diff.ActionAdded
		rel, err = b.peerProperties(nodeID, rc, after, diff.ActionAdded, lastChange)
	case after == "":
		peer.Action = diff.ActionRemoved
		rel, err = b.peerProperties(nodeID, rc, before, diff.ActionRemoved, lastChange)
	default:
		peer.Action = diff.ActionUpdated
		rel, err = b.peerProperties(nodeID, rc, after, diff.ActionUpdated, lastChange)
	}
	if err != nil {
		return nil, err
	}
	rel.Properties[diff.PropertyRelatedPeer] = peer
	return rel, nil
}

// peerProperties builds the entry of one peer of a cardinality-one
// relationship. Only that peer's property rows are kept.
func (b *builder) peerProperties(nodeID string, rc *query.RelationshipChanges, peerID string, action diff.Action, changedAt time.Time) (*diff.SingleRelationship, error) {
	rel := diff.NewSingleRelationship(peerID, action, changedAt)
	if pc, ok := rc.Peers[peerID]; ok {
		path := diff.Path{NodeID: nodeID, Relationship: rc.Name, PeerID: peerID}
		props, propsAt, err := b.properties(path, pc.Properties)
		if err != nil {
			return nil, err
		}
		rel.Properties = props
		rel.ChangedAt = latest(rel.ChangedAt, propsAt)
	}
	if action == diff.ActionUnchanged {
		if hasChange(rel.Properties) {
			rel.Action = diff.ActionUpdated
		} else if len(rel.Properties) == 0 {
			return nil, nil
		}
	}
	return rel, nil
}

func fold(rows []query.Row) (diff.Change, bool, error) {
	var (
		acc  diff.Change
		have bool
	)
	for _, r := range rows {
		c := rowChange(r)
		if !have {
			acc, have = c, true
			continue
		}
		next, ok, err := diff.Compose(acc, c)
		if err != nil {
			return diff.Change{}, false, err
		}
		acc, have = next, ok
	}
	return acc, have, nil
}

func rowChange(r query.Row) diff.Change {
	c := diff.Change{Action: r.Action, Previous: r.ValueBefore, New: r.ValueAfter, ChangedAt: r.ChangedAt}
	switch r.Action {
	case diff.ActionAdded:
		c.Previous = ""
	case diff.ActionRemoved:
		c.New = ""
	}
	return c
}

func hasChange(props map[diff.PropertyType]*diff.Property) bool {
	for _, p := range props {
		if p.Action.IsChange() {
			return true
		}
	}
	return false
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
