package diff

// Recount recomputes every counter of the tree bottom-up.
//
// A property counts once for its action and once more if it carries a
// conflict. Attributes and relationship groups sum their children; a single
// relationship and a node also count their own conflict. Unchanged entries
// count nothing.
func (r *Root) Recount() {
	r.Counters = Counters{}
	for _, n := range r.Nodes {
		n.recount()
		r.Counters.add(n.Counters)
	}
}

func (n *Node) recount() {
	n.Counters = Counters{}
	for _, a := range n.Attributes {
		a.recount()
		n.Counters.add(a.Counters)
	}
	for _, g := range n.Relationships {
		g.recount()
		n.Counters.add(g.Counters)
	}
	if n.Conflict != nil {
		n.NumConflicts++
	}
}

func (a *Attribute) recount() {
	a.Counters = countProperties(a.Properties)
}

func (g *RelationshipGroup) recount() {
	g.Counters = Counters{}
	for _, rel := range g.Relationships {
		rel.recount()
		g.Counters.add(rel.Counters)
	}
}

func (rel *SingleRelationship) recount() {
	rel.Counters = countProperties(rel.Properties)
	if rel.Conflict != nil {
		rel.NumConflicts++
	}
}

func countProperties(props map[PropertyType]*Property) Counters {
	var c Counters
	for _, p := range props {
		c.count(p.Action)
		if p.Conflict != nil {
			c.NumConflicts++
		}
	}
	return c
}
