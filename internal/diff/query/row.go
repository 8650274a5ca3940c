// Package query turns the raw change rows returned by the graph query layer
// into root paths grouped by node, branch and element.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/systemshift/graphdiff/internal/diff"
)

// Database edge kinds carried by raw rows.
const (
	EdgeIsPartOf     = "IS_PART_OF"
	EdgeHasAttribute = "HAS_ATTRIBUTE"
	EdgeIsRelated    = "IS_RELATED"
	EdgeHasValue     = "HAS_VALUE"
	EdgeHasOwner     = "HAS_OWNER"
	EdgeHasSource    = "HAS_SOURCE"
	EdgeIsProtected  = "IS_PROTECTED"
	EdgeIsVisible    = "IS_VISIBLE"
)

var edgeProperties = map[string]diff.PropertyType{
	EdgeHasValue:    diff.PropertyValue,
	EdgeHasOwner:    diff.PropertyOwner,
	EdgeHasSource:   diff.PropertySource,
	EdgeIsProtected: diff.PropertyIsProtected,
	EdgeIsVisible:   diff.PropertyIsVisible,
}

// PropertyTypeForEdge maps a property edge kind to its property type.
func PropertyTypeForEdge(edgeKind string) (diff.PropertyType, bool) {
	t, ok := edgeProperties[edgeKind]
	return t, ok
}

// EdgeForPropertyType is the inverse of PropertyTypeForEdge.
func EdgeForPropertyType(t diff.PropertyType) (string, bool) {
	for edge, pt := range edgeProperties {
		if pt == t {
			return edge, true
		}
	}
	return "", false
}

// ElementType tells which part of a node a row touches.
type ElementType string

const (
	ElementNode         ElementType = "node"
	ElementAttribute    ElementType = "attribute"
	ElementRelationship ElementType = "relationship"
)

// Row is one change reported by the graph query layer.
//
// Node rows use EdgeIsPartOf. Attribute rows name the attribute in Element and
// use EdgeHasAttribute for the attribute itself or a property edge kind.
// Relationship rows name the relationship in Element, the peer in PeerID and
// use EdgeIsRelated for the edge itself or a property edge kind.
type Row struct {
	Branch      string      `json:"branch"`
	NodeID      string      `json:"node_id"`
	Kind        string      `json:"kind"`
	ElementType ElementType `json:"element_type"`
	Element     string      `json:"element,omitempty"`
	PeerID      string      `json:"peer_id,omitempty"`
	EdgeKind    string      `json:"edge_kind"`
	ChangedAt   time.Time   `json:"changed_at"`
	Action      diff.Action `json:"action"`
	ValueBefore string      `json:"value_before,omitempty"`
	ValueAfter  string      `json:"value_after,omitempty"`
}

// Validate checks that the row is well formed for its element type.
func (r Row) Validate() error {
	if r.NodeID == "" {
		return fmt.Errorf("row without node id")
	}
	if r.Branch == "" {
		return fmt.Errorf("row for node %s without branch", r.NodeID)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("row for node %s has unknown action %q", r.NodeID, r.Action)
	}
	switch r.ElementType {
	case ElementNode:
		if r.EdgeKind != EdgeIsPartOf {
			return fmt.Errorf("node row for %s has edge kind %s", r.NodeID, r.EdgeKind)
		}
	case ElementAttribute:
		if r.Element == "" {
			return fmt.Errorf("attribute row for %s without attribute name", r.NodeID)
		}
		if _, ok := edgeProperties[r.EdgeKind]; !ok && r.EdgeKind != EdgeHasAttribute {
			return fmt.Errorf("attribute row for %s has edge kind %s", r.NodeID, r.EdgeKind)
		}
	case ElementRelationship:
		if r.Element == "" || r.PeerID == "" {
			return fmt.Errorf("relationship row for %s without name or peer", r.NodeID)
		}
		if _, ok := edgeProperties[r.EdgeKind]; !ok && r.EdgeKind != EdgeIsRelated {
			return fmt.Errorf("relationship row for %s has edge kind %s", r.NodeID, r.EdgeKind)
		}
	default:
		return fmt.Errorf("row for node %s has unknown element type %q", r.NodeID, r.ElementType)
	}
	return nil
}

// Request selects the rows of one or more branches within a window.
type Request struct {
	Branches []string
	Window   diff.TimeRange
}

// Source is the graph query layer the engine reads raw rows from.
type Source interface {
	// GetNodes returns node and attribute rows.
	GetNodes(ctx context.Context, req Request) ([]Row, error)
	// GetRelationships returns relationship rows.
	GetRelationships(ctx context.Context, req Request) ([]Row, error)
	// GetRelationshipsPerNode returns relationship rows of the given nodes only.
	GetRelationshipsPerNode(ctx context.Context, req Request, nodeIDs []string) ([]Row, error)
}

// Fetch reads every row of the request from src.
func Fetch(ctx context.Context, src Source, req Request) ([]Row, error) {
	nodes, err := src.GetNodes(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("getting node rows: %w", err)
	}
	rels, err := src.GetRelationships(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("getting relationship rows: %w", err)
	}
	return append(nodes, rels...), nil
}

// FetchNodes reads the rows of the given nodes only.
func FetchNodes(ctx context.Context, src Source, req Request, nodeIDs []string) ([]Row, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		want[id] = true
	}
	nodes, err := src.GetNodes(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("getting node rows: %w", err)
	}
	rows := make([]Row, 0, len(nodes))
	for _, r := range nodes {
		if want[r.NodeID] {
			rows = append(rows, r)
		}
	}
	rels, err := src.GetRelationshipsPerNode(ctx, req, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("getting relationship rows: %w", err)
	}
	return append(rows, rels...), nil
}
