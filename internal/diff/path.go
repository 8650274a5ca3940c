package diff

import (
	"sort"
	"strings"
)

// Path locates an entry inside a root. Attribute and Relationship are
// mutually exclusive; PeerID is only set together with Relationship.
type Path struct {
	NodeID       string       `json:"node_id"`
	Attribute    string       `json:"attribute,omitempty"`
	Relationship string       `json:"relationship,omitempty"`
	PeerID       string       `json:"peer_id,omitempty"`
	Property     PropertyType `json:"property_type,omitempty"`
}

// String renders the path as slash separated segments, e.g. "N/color/value".
func (p Path) String() string {
	parts := []string{p.NodeID}
	switch {
	case p.Attribute != "":
		parts = append(parts, p.Attribute)
	case p.Relationship != "":
		parts = append(parts, p.Relationship)
		if p.PeerID != "" {
			parts = append(parts, p.PeerID)
		}
	}
	if p.Property != "" {
		parts = append(parts, string(p.Property))
	}
	return strings.Join(parts, "/")
}

// PathConflict is a conflict together with where it is attached.
type PathConflict struct {
	Path     Path     `json:"path"`
	Conflict Conflict `json:"conflict"`
}

// SortedProperties returns properties ordered by type.
func SortedProperties(props map[PropertyType]*Property) []*Property {
	out := make([]*Property, 0, len(props))
	for _, p := range props {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Walk calls fn for every conflict slot of the tree, in deterministic order,
// with a pointer to the slot so callers may read or replace the conflict.
func (r *Root) Walk(fn func(path Path, slot **Conflict)) {
	for _, n := range r.SortedNodes() {
		fn(Path{NodeID: n.UUID}, &n.Conflict)
		for _, a := range n.SortedAttributes() {
			for _, p := range SortedProperties(a.Properties) {
				fn(Path{NodeID: n.UUID, Attribute: a.Name, Property: p.Type}, &p.Conflict)
			}
		}
		for _, g := range n.SortedRelationships() {
			for _, rel := range g.SortedRelationships() {
				base := Path{NodeID: n.UUID, Relationship: g.Name, PeerID: rel.PeerID}
				fn(base, &rel.Conflict)
				for _, p := range SortedProperties(rel.Properties) {
					pp := base
					pp.Property = p.Type
					fn(pp, &p.Conflict)
				}
			}
		}
	}
}

// Conflicts returns every conflict in the tree as a flat list.
func (r *Root) Conflicts() []PathConflict {
	var out []PathConflict
	r.Walk(func(path Path, slot **Conflict) {
		if *slot != nil {
			out = append(out, PathConflict{Path: path, Conflict: **slot})
		}
	})
	return out
}

// ConflictByUUID finds a conflict by its uuid.
func (r *Root) ConflictByUUID(uuid string) (*Conflict, Path, bool) {
	var (
		found *Conflict
		at    Path
	)
	r.Walk(func(path Path, slot **Conflict) {
		if found == nil && *slot != nil && (*slot).UUID == uuid {
			found, at = *slot, path
		}
	})
	return found, at, found != nil
}

// UnresolvedConflicts lists the paths of conflicts without a selected side.
func (r *Root) UnresolvedConflicts() []string {
	var paths []string
	r.Walk(func(path Path, slot **Conflict) {
		if *slot != nil && !(*slot).Resolved() {
			paths = append(paths, path.String())
		}
	})
	return paths
}

// ClearConflicts removes every conflict from the tree, together with the
// unchanged relationship entries that only existed to carry one.
func (r *Root) ClearConflicts() {
	r.Walk(func(_ Path, slot **Conflict) {
		*slot = nil
	})
	for _, n := range r.Nodes {
		for name, g := range n.Relationships {
			for peer, rel := range g.Relationships {
				if rel.Action == ActionUnchanged && len(rel.Properties) == 0 {
					delete(g.Relationships, peer)
				}
			}
			if len(g.Relationships) == 0 {
				delete(n.Relationships, name)
			}
		}
	}
}
