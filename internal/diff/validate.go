package diff

import "fmt"

// Validate checks the structural invariants of a root: identities match their
// collection keys, actions and property types are known, conflict uuids are
// unique, counters equal the recomputed sums and the window is ordered.
// All problems are reported together.
func (r *Root) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := r.Window().Validate(); err != nil {
		add("%v", err)
	}

	conflictUUIDs := make(map[string]string)
	checkConflict := func(path Path, c *Conflict) {
		if c == nil {
			return
		}
		if c.UUID == "" {
			add("%s: conflict without uuid", path)
			return
		}
		if prev, dup := conflictUUIDs[c.UUID]; dup {
			add("%s: conflict uuid %s already used at %s", path, c.UUID, prev)
		}
		conflictUUIDs[c.UUID] = path.String()
		if c.SelectedBranch != "" && !c.SelectedBranch.Valid() {
			add("%s: unknown selected branch %q", path, c.SelectedBranch)
		}
	}
	checkProps := func(base Path, props map[PropertyType]*Property) {
		for t, p := range props {
			path := base
			path.Property = t
			if p.Type != t {
				add("%s: property typed %s", path, p.Type)
			}
			if !t.Valid() {
				add("%s: unknown property type", path)
			}
			if !p.Action.Valid() {
				add("%s: unknown action %q", path, p.Action)
			}
			checkConflict(path, p.Conflict)
		}
	}

	for id, n := range r.Nodes {
		path := Path{NodeID: id}
		if n.UUID != id {
			add("%s: node keyed by different uuid %s", path, n.UUID)
		}
		if !n.Action.Valid() {
			add("%s: unknown action %q", path, n.Action)
		}
		checkConflict(path, n.Conflict)
		for name, a := range n.Attributes {
			apath := Path{NodeID: id, Attribute: name}
			if a.Name != name {
				add("%s: attribute keyed by different name %s", apath, a.Name)
			}
			if !a.Action.Valid() {
				add("%s: unknown action %q", apath, a.Action)
			}
			checkProps(apath, a.Properties)
		}
		for name, g := range n.Relationships {
			gpath := Path{NodeID: id, Relationship: name}
			if g.Name != name {
				add("%s: relationship keyed by different name %s", gpath, g.Name)
			}
			if !g.Action.Valid() {
				add("%s: unknown action %q", gpath, g.Action)
			}
			if g.Cardinality != CardinalityOne && g.Cardinality != CardinalityMany {
				add("%s: unknown cardinality %q", gpath, g.Cardinality)
			}
			for peer, rel := range g.Relationships {
				rpath := Path{NodeID: id, Relationship: name, PeerID: peer}
				if rel.PeerID != peer {
					add("%s: relationship keyed by different peer %s", rpath, rel.PeerID)
				}
				if !rel.Action.Valid() {
					add("%s: unknown action %q", rpath, rel.Action)
				}
				checkConflict(rpath, rel.Conflict)
				checkProps(rpath, rel.Properties)
			}
		}
	}

	recounted := r.Clone()
	recounted.Recount()
	if recounted.Counters != r.Counters {
		add("root counters %+v do not match recomputed %+v", r.Counters, recounted.Counters)
	}
	for id, n := range recounted.Nodes {
		if orig := r.Nodes[id]; orig.Counters != n.Counters {
			add("%s: node counters %+v do not match recomputed %+v", id, orig.Counters, n.Counters)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Reason: "invalid diff root", Paths: problems}
	}
	return nil
}
