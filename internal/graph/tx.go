package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/query"
)

// Tx writes to branches inside one transaction.
//
// Writes are state-set operations keyed by entity and instant: each one
// records the change against the state strictly before at, replacing any row
// the same entity already has at at. Repeating a write is a no-op.
type Tx struct {
	tx     querier
	schema *diff.Schema
}

// UpsertNode makes the node exist on branch from at on.
func (t *Tx) UpsertNode(ctx context.Context, branch, nodeID, kind string, at time.Time) error {
	if nodeID == "" || kind == "" {
		return &diff.ValidationError{Reason: "node id and kind are required"}
	}
	v, err := branchView(ctx, t.tx, branch, at, false)
	if err != nil {
		return err
	}
	prev, err := v.state(ctx, t.tx, nodeKey(nodeID))
	if err != nil {
		return err
	}
	if prev.exists() {
		kind = prev.kind
	}
	return t.put(ctx, v, branch, nodeKey(nodeID), kind, "", at)
}

// MarkDeleted removes the node and everything below it on branch at at. A
// node that does not exist is left alone.
func (t *Tx) MarkDeleted(ctx context.Context, branch, nodeID string, at time.Time) error {
	v, err := branchView(ctx, t.tx, branch, at, false)
	if err != nil {
		return err
	}
	prev, err := v.state(ctx, t.tx, nodeKey(nodeID))
	if err != nil {
		return err
	}
	if !prev.exists() {
		return t.clear(ctx, branch, nodeKey(nodeID), at)
	}

	keys, err := v.keys(ctx, t.tx, nodeID, "", "")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.Element == query.ElementNode {
			continue
		}
		if err := t.drop(ctx, v, branch, k, prev.kind, at); err != nil {
			return err
		}
	}
	return t.drop(ctx, v, branch, nodeKey(nodeID), prev.kind, at)
}

// UpsertAttributeProperty sets one property of an attribute, creating the
// attribute if the node does not have it yet.
func (t *Tx) UpsertAttributeProperty(ctx context.Context, branch, nodeID, attr string, pt diff.PropertyType, value string, at time.Time) error {
	edge, err := propertyEdge(pt)
	if err != nil {
		return err
	}
	if attr == "" {
		return &diff.ValidationError{Reason: "attribute name is required"}
	}
	v, kind, err := t.liveNode(ctx, branch, nodeID, at)
	if err != nil {
		return err
	}
	if err := t.put(ctx, v, branch, attributeKey(nodeID, attr, query.EdgeHasAttribute), kind, "", at); err != nil {
		return err
	}
	return t.put(ctx, v, branch, attributeKey(nodeID, attr, edge), kind, value, at)
}

// AddRelationship links the node to peer. For a cardinality-one relationship
// the current peer, if any, is unlinked at the same instant.
func (t *Tx) AddRelationship(ctx context.Context, branch, nodeID, name, peer string, at time.Time) error {
	if name == "" || peer == "" {
		return &diff.ValidationError{Reason: "relationship name and peer are required"}
	}
	v, kind, err := t.liveNode(ctx, branch, nodeID, at)
	if err != nil {
		return err
	}

	if t.schema.Relationship(kind, name).Cardinality == diff.CardinalityOne {
		keys, err := v.keys(ctx, t.tx, nodeID, query.ElementRelationship, name)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if k.Edge != query.EdgeIsRelated || k.Peer == peer {
				continue
			}
			if err := t.unlink(ctx, v, branch, nodeID, name, k.Peer, kind, at); err != nil {
				return err
			}
		}
	}
	return t.put(ctx, v, branch, relationshipKey(nodeID, name, peer, query.EdgeIsRelated), kind, "", at)
}

// UpsertRelationshipProperty sets one property of an existing edge.
func (t *Tx) UpsertRelationshipProperty(ctx context.Context, branch, nodeID, name, peer string, pt diff.PropertyType, value string, at time.Time) error {
	edge, err := propertyEdge(pt)
	if err != nil {
		return err
	}
	v, kind, err := t.liveNode(ctx, branch, nodeID, at)
	if err != nil {
		return err
	}
	inclusive, err := branchView(ctx, t.tx, branch, at, true)
	if err != nil {
		return err
	}
	link, err := inclusive.state(ctx, t.tx, relationshipKey(nodeID, name, peer, query.EdgeIsRelated))
	if err != nil {
		return err
	}
	if !link.exists() {
		return fmt.Errorf("relationship %s/%s/%s: %w", nodeID, name, peer, diff.ErrNotFound)
	}
	return t.put(ctx, v, branch, relationshipKey(nodeID, name, peer, edge), kind, value, at)
}

// RemoveRelationship unlinks the node from peer together with the edge's
// properties.
func (t *Tx) RemoveRelationship(ctx context.Context, branch, nodeID, name, peer string, at time.Time) error {
	v, kind, err := t.liveNode(ctx, branch, nodeID, at)
	if err != nil {
		return err
	}
	return t.unlink(ctx, v, branch, nodeID, name, peer, kind, at)
}

func (t *Tx) unlink(ctx context.Context, v view, branch, nodeID, name, peer, kind string, at time.Time) error {
	keys, err := v.keys(ctx, t.tx, nodeID, query.ElementRelationship, name)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.Peer != peer || k.Edge == query.EdgeIsRelated {
			continue
		}
		if err := t.drop(ctx, v, branch, k, kind, at); err != nil {
			return err
		}
	}
	return t.drop(ctx, v, branch, relationshipKey(nodeID, name, peer, query.EdgeIsRelated), kind, at)
}

// liveNode returns the exclusive view of branch at at and the kind of the
// node, which must exist at at, counting writes made at at.
func (t *Tx) liveNode(ctx context.Context, branch, nodeID string, at time.Time) (view, string, error) {
	inclusive, err := branchView(ctx, t.tx, branch, at, true)
	if err != nil {
		return nil, "", err
	}
	node, err := inclusive.state(ctx, t.tx, nodeKey(nodeID))
	if err != nil {
		return nil, "", err
	}
	if !node.exists() {
		return nil, "", fmt.Errorf("node %s on branch %s: %w", nodeID, branch, diff.ErrNotFound)
	}
	v, err := branchView(ctx, t.tx, branch, at, false)
	if err != nil {
		return nil, "", err
	}
	return v, node.kind, nil
}

// put makes k hold value from at on.
func (t *Tx) put(ctx context.Context, v view, branch string, k key, kind, value string, at time.Time) error {
	prev, err := v.state(ctx, t.tx, k)
	if err != nil {
		return err
	}
	switch {
	case !prev.exists():
		return t.record(ctx, branch, k, kind, diff.ActionAdded, "", value, at)
	case prev.value != value:
		return t.record(ctx, branch, k, kind, diff.ActionUpdated, prev.value, value, at)
	default:
		return t.clear(ctx, branch, k, at)
	}
}

// drop makes k absent from at on.
func (t *Tx) drop(ctx context.Context, v view, branch string, k key, kind string, at time.Time) error {
	prev, err := v.state(ctx, t.tx, k)
	if err != nil {
		return err
	}
	if !prev.exists() {
		return t.clear(ctx, branch, k, at)
	}
	return t.record(ctx, branch, k, kind, diff.ActionRemoved, prev.value, "", at)
}

func (t *Tx) record(ctx context.Context, branch string, k key, kind string, action diff.Action, before, after string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO changes (branch, node_id, kind, element_type, element, peer_id, edge_kind,
		                     changed_at, action, value_before, value_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (branch, node_id, element_type, element, peer_id, edge_kind, changed_at)
		DO UPDATE SET kind = excluded.kind, action = excluded.action,
		              value_before = excluded.value_before, value_after = excluded.value_after
	`,
		branch, k.NodeID, kind, string(k.Element), k.Name, k.Peer, k.Edge,
		formatTime(at), string(action), before, after,
	)
	if err != nil {
		return fmt.Errorf("recording change of %s: %w", k.NodeID, err)
	}
	return nil
}

func (t *Tx) clear(ctx context.Context, branch string, k key, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM changes
		WHERE branch = ? AND node_id = ? AND element_type = ? AND element = ? AND peer_id = ? AND edge_kind = ?
		  AND changed_at = ?
	`, branch, k.NodeID, string(k.Element), k.Name, k.Peer, k.Edge, formatTime(at))
	if err != nil {
		return fmt.Errorf("clearing change of %s: %w", k.NodeID, err)
	}
	return nil
}

func propertyEdge(pt diff.PropertyType) (string, error) {
	edge, ok := query.EdgeForPropertyType(pt)
	if !ok {
		return "", &diff.ValidationError{Reason: fmt.Sprintf("property type %q cannot be written", pt)}
	}
	return edge, nil
}
