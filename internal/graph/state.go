package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/query"
)

// key identifies one entity of the change log.
type key struct {
	NodeID  string
	Element query.ElementType
	Name    string
	Peer    string
	Edge    string
}

func nodeKey(nodeID string) key {
	return key{NodeID: nodeID, Element: query.ElementNode, Edge: query.EdgeIsPartOf}
}

func attributeKey(nodeID, name, edge string) key {
	return key{NodeID: nodeID, Element: query.ElementAttribute, Name: name, Edge: edge}
}

func relationshipKey(nodeID, name, peer, edge string) key {
	return key{NodeID: nodeID, Element: query.ElementRelationship, Name: name, Peer: peer, Edge: edge}
}

// state is the latest change of an entity.
type state struct {
	kind   string
	action diff.Action
	value  string
}

func (s state) exists() bool {
	return s.action != "" && s.action != diff.ActionRemoved
}

// scope is the part of one branch's change log visible from a view.
type scope struct {
	branch    string
	until     time.Time
	inclusive bool
}

// view is a branch seen at an instant: its own changes up to the instant,
// then each ancestor's changes up to and including the point its child
// branched from. Changes an origin makes at the branch point, merges among
// them, belong to the branch.
type view []scope

func branchView(ctx context.Context, q querier, branch string, at time.Time, inclusive bool) (view, error) {
	var v view
	name, until, inc := branch, at, inclusive
	for name != "" {
		b, err := getBranch(ctx, q, name)
		if err != nil {
			return nil, err
		}
		v = append(v, scope{branch: name, until: until, inclusive: inc})
		if !b.BranchedFrom.After(until) {
			until, inc = b.BranchedFrom, true
		}
		name = b.Origin
	}
	return v, nil
}

func (sc scope) timeCondition() string {
	if sc.inclusive {
		return "changed_at <= ?"
	}
	return "changed_at < ?"
}

// state returns the latest change of k visible from v. The zero state means
// the entity never existed.
func (v view) state(ctx context.Context, q querier, k key) (state, error) {
	for _, sc := range v {
		var st state
		err := q.QueryRowContext(ctx, `
			SELECT kind, action, value_after
			FROM changes
			WHERE branch = ? AND node_id = ? AND element_type = ? AND element = ? AND peer_id = ? AND edge_kind = ?
			  AND `+sc.timeCondition()+`
			ORDER BY changed_at DESC, id DESC
			LIMIT 1
		`, sc.branch, k.NodeID, string(k.Element), k.Name, k.Peer, k.Edge, formatTime(sc.until)).Scan(&st.kind, &st.action, &st.value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return state{}, fmt.Errorf("reading state of %s: %w", k.NodeID, err)
		}
		return st, nil
	}
	return state{}, nil
}

// keys lists every entity of a node visible from v, optionally narrowed to
// one element type and name.
func (v view) keys(ctx context.Context, q querier, nodeID string, elem query.ElementType, name string) ([]key, error) {
	seen := make(map[key]bool)
	for _, sc := range v {
		stmt := `
			SELECT DISTINCT element_type, element, peer_id, edge_kind
			FROM changes
			WHERE branch = ? AND node_id = ? AND ` + sc.timeCondition()
		args := []any{sc.branch, nodeID, formatTime(sc.until)}
		if elem != "" {
			stmt += ` AND element_type = ?`
			args = append(args, string(elem))
		}
		if name != "" {
			stmt += ` AND element = ?`
			args = append(args, name)
		}

		rows, err := q.QueryContext(ctx, stmt, args...)
		if err != nil {
			return nil, fmt.Errorf("listing entities of %s: %w", nodeID, err)
		}
		for rows.Next() {
			k := key{NodeID: nodeID}
			var et string
			if err := rows.Scan(&et, &k.Name, &k.Peer, &k.Edge); err != nil {
				rows.Close()
				return nil, err
			}
			k.Element = query.ElementType(et)
			seen[k] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	out := make([]key, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Element != b.Element {
			return a.Element < b.Element
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Peer != b.Peer {
			return a.Peer < b.Peer
		}
		return a.Edge < b.Edge
	})
	return out, nil
}

// NodeState is a node as seen on a branch at an instant.
type NodeState struct {
	ID         string                                  `json:"id"`
	Kind       string                                  `json:"kind"`
	Attributes map[string]map[diff.PropertyType]string `json:"attributes"`
	// Relationships maps relationship name, then peer id, to the edge's
	// properties.
	Relationships map[string]map[string]map[diff.PropertyType]string `json:"relationships"`
}

func readNode(ctx context.Context, q querier, v view, nodeID string) (*NodeState, error) {
	node, err := v.state(ctx, q, nodeKey(nodeID))
	if err != nil {
		return nil, err
	}
	if !node.exists() {
		return nil, fmt.Errorf("node %s: %w", nodeID, diff.ErrNotFound)
	}

	ns := &NodeState{
		ID:            nodeID,
		Kind:          node.kind,
		Attributes:    make(map[string]map[diff.PropertyType]string),
		Relationships: make(map[string]map[string]map[diff.PropertyType]string),
	}
	keys, err := v.keys(ctx, q, nodeID, "", "")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.Element == query.ElementNode {
			continue
		}
		st, err := v.state(ctx, q, k)
		if err != nil {
			return nil, err
		}
		if !st.exists() {
			continue
		}
		switch k.Element {
		case query.ElementAttribute:
			props := ns.Attributes[k.Name]
			if props == nil {
				props = make(map[diff.PropertyType]string)
				ns.Attributes[k.Name] = props
			}
			if pt, ok := query.PropertyTypeForEdge(k.Edge); ok {
				props[pt] = st.value
			}
		case query.ElementRelationship:
			peers := ns.Relationships[k.Name]
			if peers == nil {
				peers = make(map[string]map[diff.PropertyType]string)
				ns.Relationships[k.Name] = peers
			}
			props := peers[k.Peer]
			if props == nil {
				props = make(map[diff.PropertyType]string)
				peers[k.Peer] = props
			}
			if pt, ok := query.PropertyTypeForEdge(k.Edge); ok {
				props[pt] = st.value
			}
		}
	}

	return ns, nil
}

// NodeState returns a node as seen on branch at the given instant.
func (s *SQLite) NodeState(ctx context.Context, branch, nodeID string, at time.Time) (*NodeState, error) {
	v, err := branchView(ctx, s.db, branch, at, true)
	if err != nil {
		return nil, err
	}
	return readNode(ctx, s.db, v, nodeID)
}
