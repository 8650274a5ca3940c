package query

import (
	"fmt"
	"sort"

	"github.com/systemshift/graphdiff/internal/diff"
)

// RootPaths maps node ids to every row touching that node.
type RootPaths map[string]*NodePath

// NodePath groups the rows of one node. Rows of different branches are kept
// apart so the builder can decide each branch's action on its own.
type NodePath struct {
	NodeID   string
	Kind     string
	Branches map[string]*NodeChanges
}

// NodeChanges are the rows of one node on one branch.
type NodeChanges struct {
	Branch        string
	Existence     []Row
	Attributes    map[string]*AttributeChanges
	Relationships map[string]*RelationshipChanges
}

// AttributeChanges are the rows of one attribute.
type AttributeChanges struct {
	Name       string
	Existence  []Row
	Properties map[diff.PropertyType][]Row
}

// RelationshipChanges are the rows of one relationship name, per peer.
type RelationshipChanges struct {
	Name  string
	Peers map[string]*PeerChanges
}

// PeerChanges are the rows of the edge to one peer.
type PeerChanges struct {
	PeerID     string
	Existence  []Row
	Properties map[diff.PropertyType][]Row
}

// Branch returns the changes of a branch, or nil.
func (p *NodePath) Branch(name string) *NodeChanges {
	return p.Branches[name]
}

// Parse assigns every row to exactly one root path. Row order does not
// matter: every row list is sorted by ChangedAt, ties keeping removals before
// additions so that a replacement reads as remove-then-add.
func Parse(rows []Row) (RootPaths, error) {
	paths := make(RootPaths)
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			return nil, &diff.BuildError{NodeID: row.NodeID, Reason: "invalid row", Err: err}
		}
		np, ok := paths[row.NodeID]
		if !ok {
			np = &NodePath{NodeID: row.NodeID, Branches: make(map[string]*NodeChanges)}
			paths[row.NodeID] = np
		}
		if np.Kind == "" {
			np.Kind = row.Kind
		} else if row.Kind != "" && row.Kind != np.Kind {
			return nil, &diff.BuildError{
				NodeID: row.NodeID,
				Reason: fmt.Sprintf("rows disagree on kind: %s and %s", np.Kind, row.Kind),
			}
		}
		nc := np.Branches[row.Branch]
		if nc == nil {
			nc = &NodeChanges{
				Branch:        row.Branch,
				Attributes:    make(map[string]*AttributeChanges),
				Relationships: make(map[string]*RelationshipChanges),
			}
			np.Branches[row.Branch] = nc
		}
		nc.add(row)
	}
	for _, np := range paths {
		for _, nc := range np.Branches {
			nc.sort()
		}
	}
	return paths, nil
}

func (nc *NodeChanges) add(row Row) {
	switch row.ElementType {
	case ElementNode:
		nc.Existence = append(nc.Existence, row)
	case ElementAttribute:
		ac := nc.Attributes[row.Element]
		if ac == nil {
			ac = &AttributeChanges{Name: row.Element, Properties: make(map[diff.PropertyType][]Row)}
			nc.Attributes[row.Element] = ac
		}
		if row.EdgeKind == EdgeHasAttribute {
			ac.Existence = append(ac.Existence, row)
			return
		}
		pt := edgeProperties[row.EdgeKind]
		ac.Properties[pt] = append(ac.Properties[pt], row)
	case ElementRelationship:
		rc := nc.Relationships[row.Element]
		if rc == nil {
			rc = &RelationshipChanges{Name: row.Element, Peers: make(map[string]*PeerChanges)}
			nc.Relationships[row.Element] = rc
		}
		pc := rc.Peers[row.PeerID]
		if pc == nil {
			pc = &PeerChanges{PeerID: row.PeerID, Properties: make(map[diff.PropertyType][]Row)}
			rc.Peers[row.PeerID] = pc
		}
		if row.EdgeKind == EdgeIsRelated {
			pc.Existence = append(pc.Existence, row)
			return
		}
		pt := edgeProperties[row.EdgeKind]
		pc.Properties[pt] = append(pc.Properties[pt], row)
	}
}

func (nc *NodeChanges) sort() {
	SortRows(nc.Existence)
	for _, ac := range nc.Attributes {
		SortRows(ac.Existence)
		for _, rows := range ac.Properties {
			SortRows(rows)
		}
	}
	for _, rc := range nc.Relationships {
		for _, pc := range rc.Peers {
			SortRows(pc.Existence)
			for _, rows := range pc.Properties {
				SortRows(rows)
			}
		}
	}
}

// SortRows orders rows by ChangedAt; at equal times removals come first.
func SortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].ChangedAt.Equal(rows[j].ChangedAt) {
			return rows[i].ChangedAt.Before(rows[j].ChangedAt)
		}
		return actionRank(rows[i].Action) < actionRank(rows[j].Action)
	})
}

func actionRank(a diff.Action) int {
	switch a {
	case diff.ActionRemoved:
		return 0
	case diff.ActionUpdated:
		return 1
	case diff.ActionAdded:
		return 2
	}
	return 3
}

// NodeIDs returns the ids of all root paths, sorted.
func (rp RootPaths) NodeIDs() []string {
	ids := make([]string, 0, len(rp))
	for id := range rp {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
