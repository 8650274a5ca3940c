// Package combine merges two diff roots of adjacent windows into one.
package combine

import (
	"fmt"
	"time"

	"github.com/systemshift/graphdiff/internal/diff"
)

// Combine returns a root spanning earlier's and later's windows.
//
// Entries are composed bottom-up with diff.Compose. Entries whose changes
// cancel are dropped, and so are parents left without any change. The result
// keeps earlier's identity (uuid, tracking id, partner), carries no conflicts
// and has its counters recomputed.
//
// A removal followed by an addition cancels without keeping values, so
// removed, added, removed over three windows depends on grouping: combining
// the first two windows first reports the value removed last, combining the
// last two first reports the value removed first.
func Combine(earlier, later *diff.Root) (*diff.Root, error) {
	if earlier == nil || later == nil {
		return nil, &diff.CombineError{Reason: "missing root"}
	}
	if earlier.BaseBranch != later.BaseBranch || earlier.DiffBranch != later.DiffBranch {
		return nil, &diff.CombineError{Reason: fmt.Sprintf("branch pairs differ: %s..%s and %s..%s",
			earlier.BaseBranch, earlier.DiffBranch, later.BaseBranch, later.DiffBranch)}
	}
	if !earlier.Window().Adjacent(later.Window()) {
		return nil, &diff.CombineError{Reason: fmt.Sprintf("windows are not adjacent: earlier ends at %s, later starts at %s",
			earlier.ToTime.Format(time.RFC3339Nano), later.FromTime.Format(time.RFC3339Nano))}
	}

	e := earlier.Clone()
	l := later.Clone()
	e.ClearConflicts()
	l.ClearConflicts()

	out := diff.NewRoot(e.UUID, e.BaseBranch, e.DiffBranch, diff.TimeRange{From: e.FromTime, To: l.ToTime})
	out.TrackingID = e.TrackingID
	out.PartnerUUID = e.PartnerUUID

	for id, en := range e.Nodes {
		ln, ok := l.Nodes[id]
		if !ok {
			out.Nodes[id] = en
			continue
		}
		n, err := combineNode(en, ln)
		if err != nil {
			return nil, err
		}
		if n != nil {
			out.Nodes[id] = n
		}
	}
	for id, ln := range l.Nodes {
		if _, ok := e.Nodes[id]; !ok {
			out.Nodes[id] = ln
		}
	}
	for id, n := range out.Nodes {
		if !keepNode(n) {
			delete(out.Nodes, id)
		}
	}
	out.Recount()
	return out, nil
}

func combineNode(e, l *diff.Node) (*diff.Node, error) {
	action, ok, err := diff.ComposeActions(e.Action, l.Action)
	if err != nil {
		return nil, &diff.CombineError{Reason: "node " + e.UUID, Err: err}
	}
	if !ok {
		return nil, nil
	}

	n := diff.NewNode(e.UUID, e.Kind, action, time.Time{})
	n.Label = e.Label
	if l.Label != "" {
		n.Label = l.Label
	}
	if l.Kind != "" {
		n.Kind = l.Kind
	}

	for name, ea := range e.Attributes {
		la, ok := l.Attributes[name]
		if !ok {
			n.Attributes[name] = ea
			continue
		}
		a, err := combineAttribute(e.UUID, ea, la)
		if err != nil {
			return nil, err
		}
		if a != nil {
			n.Attributes[name] = a
		}
	}
	for name, la := range l.Attributes {
		if _, ok := e.Attributes[name]; !ok {
			n.Attributes[name] = la
		}
	}

	for name, eg := range e.Relationships {
		lg, ok := l.Relationships[name]
		if !ok {
			n.Relationships[name] = eg
			continue
		}
		g, err := combineGroup(e.UUID, eg, lg)
		if err != nil {
			return nil, err
		}
		if g != nil {
			n.Relationships[name] = g
		}
	}
	for name, lg := range l.Relationships {
		if _, ok := e.Relationships[name]; !ok {
			n.Relationships[name] = lg
		}
	}

	for _, a := range n.Attributes {
		n.ChangedAt = latest(n.ChangedAt, a.ChangedAt)
	}
	for _, g := range n.Relationships {
		n.ChangedAt = latest(n.ChangedAt, g.ChangedAt)
	}
	if action == diff.ActionAdded || action == diff.ActionRemoved {
		n.ChangedAt = latest(n.ChangedAt, latest(e.ChangedAt, l.ChangedAt))
	}
	return n, nil
}

// keepNode drops nodes that no longer record a change of their own or below.
func keepNode(n *diff.Node) bool {
	switch n.Action {
	case diff.ActionAdded, diff.ActionRemoved:
		return true
	}
	if n.HasChangedChildren() {
		n.Action = diff.ActionUpdated
		return true
	}
	return false
}

func combineAttribute(nodeID string, e, l *diff.Attribute) (*diff.Attribute, error) {
	action, ok, err := diff.ComposeActions(e.Action, l.Action)
	if err != nil {
		return nil, &diff.CombineError{Reason: fmt.Sprintf("attribute %s/%s", nodeID, e.Name), Err: err}
	}
	if !ok {
		return nil, nil
	}
	props, err := composeProperties(diff.Path{NodeID: nodeID, Attribute: e.Name}, e.Properties, l.Properties)
	if err != nil {
		return nil, err
	}

	a := diff.NewAttribute(e.Name, action, time.Time{})
	a.Properties = props
	for _, p := range props {
		a.ChangedAt = latest(a.ChangedAt, p.ChangedAt)
	}
	switch action {
	case diff.ActionAdded, diff.ActionRemoved:
		a.ChangedAt = latest(a.ChangedAt, latest(e.ChangedAt, l.ChangedAt))
	default:
		a.Action = derivedAction(props)
		if len(props) == 0 {
			return nil, nil
		}
	}
	return a, nil
}

func combineGroup(nodeID string, e, l *diff.RelationshipGroup) (*diff.RelationshipGroup, error) {
	g := diff.NewRelationshipGroup(e.Name, e.Cardinality)
	g.Label = e.Label
	if l.Label != "" {
		g.Label = l.Label
	}
	if l.Cardinality != "" {
		g.Cardinality = l.Cardinality
	}

	if g.Cardinality == diff.CardinalityOne {
		rel, err := combineOne(nodeID, e, l)
		if err != nil {
			return nil, err
		}
		if rel != nil {
			g.Relationships[rel.PeerID] = rel
		}
	} else {
		for peer, er := range e.Relationships {
			lr, ok := l.Relationships[peer]
			if !ok {
				g.Relationships[peer] = er
				continue
			}
			rel, err := combineMany(nodeID, e.Name, er, lr)
			if err != nil {
				return nil, err
			}
			if rel != nil {
				g.Relationships[peer] = rel
			}
		}
		for peer, lr := range l.Relationships {
			if _, ok := e.Relationships[peer]; !ok {
				g.Relationships[peer] = lr
			}
		}
	}

	for peer, rel := range g.Relationships {
		if rel.Action == diff.ActionUnchanged && len(rel.Properties) == 0 {
			delete(g.Relationships, peer)
			continue
		}
		g.ChangedAt = latest(g.ChangedAt, rel.ChangedAt)
		if rel.Action.IsChange() {
			g.Action = diff.ActionUpdated
		}
	}
	if len(g.Relationships) == 0 {
		return nil, nil
	}
	return g, nil
}

func combineMany(nodeID, name string, e, l *diff.SingleRelationship) (*diff.SingleRelationship, error) {
	path := diff.Path{NodeID: nodeID, Relationship: name, PeerID: e.PeerID}
	action, ok, err := diff.ComposeActions(e.Action, l.Action)
	if err != nil {
		return nil, &diff.CombineError{Reason: "relationship " + path.String(), Err: err}
	}
	if !ok {
		return nil, nil
	}
	props, err := composeProperties(path, e.Properties, l.Properties)
	if err != nil {
		return nil, err
	}
	return newRelationship(e, l, e.PeerID, action, props), nil
}

// combineOne composes the single entry of a cardinality-one relationship of
// each window. The entries may be keyed by different peers; what composes is
// the peer before the earlier window and the peer after the later one.
func combineOne(nodeID string, eg, lg *diff.RelationshipGroup) (*diff.SingleRelationship, error) {
	path := diff.Path{NodeID: nodeID, Relationship: eg.Name}
	e, err := soleRelationship(path, eg)
	if err != nil {
		return nil, err
	}
	l, err := soleRelationship(path, lg)
	if err != nil {
		return nil, err
	}
	switch {
	case e == nil:
		return l, nil
	case l == nil:
		return e, nil
	}

	ep := e.Properties[diff.PropertyRelatedPeer]
	lp := l.Properties[diff.PropertyRelatedPeer]
	if ep == nil && lp == nil {
		if e.PeerID != l.PeerID {
			return nil, &diff.CombineError{Reason: fmt.Sprintf("%s: peer changed from %s to %s without a peer change",
				path, e.PeerID, l.PeerID)}
		}
		return combineMany(nodeID, eg.Name, e, l)
	}

	before, earlierEnd := e.PeerID, e.PeerID
	if ep != nil {
		before, earlierEnd = ep.PreviousValue, ep.NewValue
	}
	laterStart, after := l.PeerID, l.PeerID
	if lp != nil {
		laterStart, after = lp.PreviousValue, lp.NewValue
	}
	if earlierEnd != laterStart {
		return nil, &diff.CombineError{Reason: fmt.Sprintf("%s: earlier window ends on peer %q, later starts on %q",
			path, earlierEnd, laterStart)}
	}

	if before == "" && after == "" {
		return nil, nil
	}
	key := after
	if key == "" {
		key = before
	}

	var eProps, lProps map[diff.PropertyType]*diff.Property
	if e.PeerID == key {
		eProps = withoutPeer(e.Properties)
	}
	if l.PeerID == key {
		lProps = withoutPeer(l.Properties)
	}
	props, err := composeProperties(diff.Path{NodeID: nodeID, Relationship: eg.Name, PeerID: key}, eProps, lProps)
	if err != nil {
		return nil, err
	}

	var action diff.Action
	switch {
	case before == after:
		action = diff.ActionUnchanged
	case before == "":
		action = diff.ActionAdded
	case after == "":
		action = diff.ActionRemoved
	default:
		action = diff.ActionUpdated
	}
	rel := newRelationship(e, l, key, action, props)
	if action != diff.ActionUnchanged {
		rel.Action = action
		peerAt := time.Time{}
		if ep != nil {
			peerAt = ep.ChangedAt
		}
		if lp != nil {
			peerAt = latest(peerAt, lp.ChangedAt)
		}
		rel.Properties[diff.PropertyRelatedPeer] = &diff.Property{
			Type:          diff.PropertyRelatedPeer,
			Action:        action,
			PreviousValue: before,
			NewValue:      after,
			ChangedAt:     peerAt,
		}
		rel.ChangedAt = latest(rel.ChangedAt, peerAt)
	}
	return rel, nil
}

// soleRelationship returns the only entry of a cardinality-one group that
// records anything. Entries without action or properties are placeholders.
func soleRelationship(path diff.Path, g *diff.RelationshipGroup) (*diff.SingleRelationship, error) {
	var found *diff.SingleRelationship
	for _, rel := range g.SortedRelationships() {
		if rel.Action == diff.ActionUnchanged && len(rel.Properties) == 0 {
			continue
		}
		if found != nil {
			return nil, &diff.CombineError{Reason: fmt.Sprintf("%s: cardinality-one relationship has entries for %s and %s",
				path, found.PeerID, rel.PeerID)}
		}
		found = rel
	}
	return found, nil
}

func newRelationship(e, l *diff.SingleRelationship, peerID string, action diff.Action, props map[diff.PropertyType]*diff.Property) *diff.SingleRelationship {
	rel := diff.NewSingleRelationship(peerID, action, time.Time{})
	rel.Properties = props
	switch peerID {
	case l.PeerID:
		rel.PeerLabel = l.PeerLabel
	case e.PeerID:
		rel.PeerLabel = e.PeerLabel
	}
	for _, p := range props {
		rel.ChangedAt = latest(rel.ChangedAt, p.ChangedAt)
	}
	if action == diff.ActionUnchanged || action == diff.ActionUpdated {
		if _, hasPeer := props[diff.PropertyRelatedPeer]; !hasPeer {
			rel.Action = derivedAction(props)
		}
	}
	return rel
}

func composeProperties(base diff.Path, e, l map[diff.PropertyType]*diff.Property) (map[diff.PropertyType]*diff.Property, error) {
	out := make(map[diff.PropertyType]*diff.Property, len(e)+len(l))
	for t, ep := range e {
		lp, ok := l[t]
		if !ok {
			out[t] = ep
			continue
		}
		ch, keep, err := diff.Compose(ep.Change(), lp.Change())
		if err != nil {
			path := base
			path.Property = t
			return nil, &diff.CombineError{Reason: "property " + path.String(), Err: err}
		}
		if !keep {
			continue
		}
		out[t] = &diff.Property{
			Type:          t,
			ChangedAt:     ch.ChangedAt,
			PreviousValue: ch.Previous,
			NewValue:      ch.New,
			Action:        ch.Action,
		}
	}
	for t, lp := range l {
		if _, ok := e[t]; !ok {
			out[t] = lp
		}
	}
	return out, nil
}

func withoutPeer(props map[diff.PropertyType]*diff.Property) map[diff.PropertyType]*diff.Property {
	out := make(map[diff.PropertyType]*diff.Property, len(props))
	for t, p := range props {
		if t != diff.PropertyRelatedPeer {
			out[t] = p
		}
	}
	return out
}

// derivedAction is the action of an entry without its own create or delete.
func derivedAction(props map[diff.PropertyType]*diff.Property) diff.Action {
	for _, p := range props {
		if p.Action.IsChange() {
			return diff.ActionUpdated
		}
	}
	return diff.ActionUnchanged
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
