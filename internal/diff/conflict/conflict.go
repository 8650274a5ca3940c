// Package conflict finds paths changed concurrently on a branch and on its
// base, and carries user resolutions over when a diff is replaced.
package conflict

import (
	"time"

	"github.com/google/uuid"

	"github.com/systemshift/graphdiff/internal/diff"
)

// Identifier attaches conflicts to a branch diff.
type Identifier struct {
	newID func() string
}

// NewIdentifier returns an identifier minting random conflict uuids.
func NewIdentifier() *Identifier {
	return &Identifier{newID: uuid.NewString}
}

// Identify returns a copy of branch with a conflict on every path that base,
// the self-diff of the base branch over the same window, also changed.
//
// Conflicts are raised when:
//   - a node changed on both sides, unless both only updated it, in which
//     case its attributes and relationships are compared instead;
//   - a property changed on both sides;
//   - a cardinality-one relationship got a different peer on either side
//     while both sides touched it, once per peer either side touched;
//   - an edge to the same peer of a cardinality-many relationship changed on
//     both sides, unless both only updated its properties.
//
// Existing conflicts on branch are discarded and counters are recomputed.
func (i *Identifier) Identify(branch, base *diff.Root) *diff.Root {
	out := branch.Clone()
	out.ClearConflicts()
	if base != nil {
		for id, n := range out.Nodes {
			if bn, ok := base.Nodes[id]; ok {
				i.node(n, bn)
			}
		}
	}
	out.Recount()
	return out
}

func (i *Identifier) node(n, base *diff.Node) {
	if !n.Action.IsChange() || !base.Action.IsChange() {
		return
	}
	if n.Action != diff.ActionUpdated || base.Action != diff.ActionUpdated {
		n.Conflict = i.conflict(base.Action, "", base.ChangedAt, n.Action, "", n.ChangedAt)
		return
	}
	for name, a := range n.Attributes {
		if ba, ok := base.Attributes[name]; ok {
			i.properties(a.Properties, ba.Properties)
		}
	}
	for name, g := range n.Relationships {
		bg, ok := base.Relationships[name]
		if !ok {
			continue
		}
		if g.Cardinality == diff.CardinalityOne && (replacesPeer(g) || replacesPeer(bg)) {
			i.relationshipOne(g, bg)
			continue
		}
		i.relationshipMany(g, bg)
	}
}

func (i *Identifier) properties(props, base map[diff.PropertyType]*diff.Property) {
	for t, p := range props {
		bp, ok := base[t]
		if !ok || !p.Action.IsChange() || !bp.Action.IsChange() {
			continue
		}
		p.Conflict = i.conflict(bp.Action, bp.NewValue, bp.ChangedAt, p.Action, p.NewValue, p.ChangedAt)
	}
}

func (i *Identifier) relationshipMany(g, base *diff.RelationshipGroup) {
	for peer, rel := range g.Relationships {
		brel, ok := base.Relationships[peer]
		if !ok || !rel.Action.IsChange() || !brel.Action.IsChange() {
			continue
		}
		if rel.Action == diff.ActionUpdated && brel.Action == diff.ActionUpdated {
			i.properties(rel.Properties, brel.Properties)
			continue
		}
		rel.Conflict = i.conflict(brel.Action, peerValue(brel), brel.ChangedAt, rel.Action, peerValue(rel), rel.ChangedAt)
	}
}

// relationshipOne raises one conflict per peer touched by either side so that
// both the old and the new peer can be chosen. Peers only the base touched get
// an unchanged placeholder entry to carry the conflict.
func (i *Identifier) relationshipOne(g, base *diff.RelationshipGroup) {
	mine := sole(g)
	theirs := sole(base)
	if mine == nil || theirs == nil || !mine.Action.IsChange() || !theirs.Action.IsChange() {
		return
	}

	peers := make(map[string]bool)
	for _, rel := range []*diff.SingleRelationship{mine, theirs} {
		peers[rel.PeerID] = true
		if p := rel.Properties[diff.PropertyRelatedPeer]; p != nil {
			if p.PreviousValue != "" {
				peers[p.PreviousValue] = true
			}
			if p.NewValue != "" {
				peers[p.NewValue] = true
			}
		}
	}

	for peer := range peers {
		rel, ok := g.Relationships[peer]
		if !ok {
			rel = diff.NewSingleRelationship(peer, diff.ActionUnchanged, theirs.ChangedAt)
			g.Relationships[peer] = rel
		}
		rel.Conflict = i.conflict(theirs.Action, peerValue(theirs), theirs.ChangedAt,
			mine.Action, peerValue(mine), mine.ChangedAt)
	}
}

func (i *Identifier) conflict(baseAction diff.Action, baseValue string, baseAt time.Time, diffAction diff.Action, diffValue string, diffAt time.Time) *diff.Conflict {
	return &diff.Conflict{
		UUID:                i.newID(),
		BaseBranchAction:    baseAction,
		BaseBranchValue:     baseValue,
		BaseBranchChangedAt: baseAt,
		DiffBranchAction:    diffAction,
		DiffBranchValue:     diffValue,
		DiffBranchChangedAt: diffAt,
	}
}

// replacesPeer reports whether the group's entry records a peer change.
func replacesPeer(g *diff.RelationshipGroup) bool {
	rel := sole(g)
	if rel == nil {
		return false
	}
	p := rel.Properties[diff.PropertyRelatedPeer]
	return p != nil && p.Action.IsChange()
}

// sole returns the entry of a cardinality-one group that records a change.
func sole(g *diff.RelationshipGroup) *diff.SingleRelationship {
	for _, rel := range g.SortedRelationships() {
		if rel.Action.IsChange() {
			return rel
		}
	}
	return nil
}

// peerValue is the peer an edge ends on: the new peer, or nothing if the edge
// was removed.
func peerValue(rel *diff.SingleRelationship) string {
	if p := rel.Properties[diff.PropertyRelatedPeer]; p != nil {
		return p.NewValue
	}
	if rel.Action == diff.ActionRemoved {
		return ""
	}
	return rel.PeerID
}
