package diff

// Clone returns a deep copy of the root. Stages that annotate a root work on
// a clone so their input stays untouched.
func (r *Root) Clone() *Root {
	if r == nil {
		return nil
	}
	out := *r
	out.Nodes = make(map[string]*Node, len(r.Nodes))
	for id, n := range r.Nodes {
		out.Nodes[id] = n.Clone()
	}
	return &out
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := *n
	out.Conflict = cloneConflict(n.Conflict)
	out.Attributes = make(map[string]*Attribute, len(n.Attributes))
	for name, a := range n.Attributes {
		ac := *a
		ac.Properties = cloneProperties(a.Properties)
		out.Attributes[name] = &ac
	}
	out.Relationships = make(map[string]*RelationshipGroup, len(n.Relationships))
	for name, g := range n.Relationships {
		out.Relationships[name] = g.Clone()
	}
	return &out
}

// Clone returns a deep copy of the relationship group.
func (g *RelationshipGroup) Clone() *RelationshipGroup {
	out := *g
	out.Relationships = make(map[string]*SingleRelationship, len(g.Relationships))
	for peer, rel := range g.Relationships {
		rc := *rel
		rc.Conflict = cloneConflict(rel.Conflict)
		rc.Properties = cloneProperties(rel.Properties)
		out.Relationships[peer] = &rc
	}
	return &out
}

func cloneProperties(props map[PropertyType]*Property) map[PropertyType]*Property {
	out := make(map[PropertyType]*Property, len(props))
	for t, p := range props {
		pc := *p
		pc.Conflict = cloneConflict(p.Conflict)
		out[t] = &pc
	}
	return out
}

func cloneConflict(c *Conflict) *Conflict {
	if c == nil {
		return nil
	}
	cc := *c
	return &cc
}
