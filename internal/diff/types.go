// Package diff holds the enriched diff tree shared by every stage of the
// branch diff and merge engine.
//
// A Root describes what changed on DiffBranch relative to BaseBranch within the
// half-open window [FromTime, ToTime). It owns Nodes, each node owns its
// Attributes and RelationshipGroups, and those own Properties. Every level
// carries an Action and aggregated Counters.
package diff

import (
	"fmt"
	"sort"
	"time"
)

// Action is the net change a diff entry records for its window.
type Action string

const (
	ActionAdded     Action = "added"
	ActionRemoved   Action = "removed"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAdded, ActionRemoved, ActionUpdated, ActionUnchanged:
		return true
	}
	return false
}

// IsChange reports whether a records an actual change.
func (a Action) IsChange() bool {
	return a == ActionAdded || a == ActionRemoved || a == ActionUpdated
}

// PropertyType is the facet of an attribute or relationship being diffed.
type PropertyType string

const (
	PropertyValue       PropertyType = "value"
	PropertyOwner       PropertyType = "owner"
	PropertySource      PropertyType = "source"
	PropertyIsProtected PropertyType = "is_protected"
	PropertyIsVisible   PropertyType = "is_visible"
	PropertyRelatedPeer PropertyType = "peer"
)

// Valid reports whether p is one of the known property types.
func (p PropertyType) Valid() bool {
	switch p {
	case PropertyValue, PropertyOwner, PropertySource, PropertyIsProtected, PropertyIsVisible, PropertyRelatedPeer:
		return true
	}
	return false
}

// Cardinality of a relationship as declared by the schema.
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// BranchSide names one side of a conflict.
type BranchSide string

const (
	BranchSideBase BranchSide = "base"
	BranchSideDiff BranchSide = "diff"
)

// Valid reports whether s names a side.
func (s BranchSide) Valid() bool {
	return s == BranchSideBase || s == BranchSideDiff
}

// TrackingID identifies a live diff that is extended as its branch moves.
type TrackingID string

const branchTrackingPrefix = "branch:"

// BranchTrackingID returns the tracking id of the live diff of branch.
func BranchTrackingID(branch string) TrackingID {
	return TrackingID(branchTrackingPrefix + branch)
}

// TimeRange is the half-open window [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate checks that From does not come after To.
func (r TimeRange) Validate() error {
	if r.To.Before(r.From) {
		return fmt.Errorf("invalid time range: from %s is after to %s",
			r.From.Format(time.RFC3339Nano), r.To.Format(time.RFC3339Nano))
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// Adjacent reports whether next starts exactly where r ends.
func (r TimeRange) Adjacent(next TimeRange) bool {
	return r.To.Equal(next.From)
}

// Counters aggregates changes below a diff entry.
type Counters struct {
	NumAdded     int `json:"num_added"`
	NumUpdated   int `json:"num_updated"`
	NumRemoved   int `json:"num_removed"`
	NumConflicts int `json:"num_conflicts"`
}

func (c *Counters) add(o Counters) {
	c.NumAdded += o.NumAdded
	c.NumUpdated += o.NumUpdated
	c.NumRemoved += o.NumRemoved
	c.NumConflicts += o.NumConflicts
}

func (c *Counters) count(a Action) {
	switch a {
	case ActionAdded:
		c.NumAdded++
	case ActionUpdated:
		c.NumUpdated++
	case ActionRemoved:
		c.NumRemoved++
	}
}

// Empty reports whether nothing was counted.
func (c Counters) Empty() bool {
	return c == Counters{}
}

// Root is the top-level enriched diff for one branch pair and window.
type Root struct {
	UUID        string           `json:"uuid"`
	PartnerUUID string           `json:"partner_uuid,omitempty"`
	TrackingID  TrackingID       `json:"tracking_id,omitempty"`
	BaseBranch  string           `json:"base_branch"`
	DiffBranch  string           `json:"diff_branch"`
	FromTime    time.Time        `json:"from_time"`
	ToTime      time.Time        `json:"to_time"`
	Nodes       map[string]*Node `json:"nodes"`
	Counters
}

// NewRoot returns an empty root for the branch pair and window.
func NewRoot(uuid, baseBranch, diffBranch string, window TimeRange) *Root {
	return &Root{
		UUID:       uuid,
		BaseBranch: baseBranch,
		DiffBranch: diffBranch,
		FromTime:   window.From,
		ToTime:     window.To,
		Nodes:      make(map[string]*Node),
	}
}

// Window returns the root's time window.
func (r *Root) Window() TimeRange {
	return TimeRange{From: r.FromTime, To: r.ToTime}
}

// Metadata returns the identifying fields of the root without its tree.
func (r *Root) Metadata() RootMetadata {
	return RootMetadata{
		UUID:        r.UUID,
		PartnerUUID: r.PartnerUUID,
		TrackingID:  r.TrackingID,
		BaseBranch:  r.BaseBranch,
		DiffBranch:  r.DiffBranch,
		FromTime:    r.FromTime,
		ToTime:      r.ToTime,
		Counters:    r.Counters,
	}
}

// SortedNodes returns the nodes ordered by uuid.
func (r *Root) SortedNodes() []*Node {
	nodes := make([]*Node, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UUID < nodes[j].UUID })
	return nodes
}

// RootMetadata is a root without its node tree, as listed by repositories.
type RootMetadata struct {
	UUID        string     `json:"uuid"`
	PartnerUUID string     `json:"partner_uuid,omitempty"`
	TrackingID  TrackingID `json:"tracking_id,omitempty"`
	BaseBranch  string     `json:"base_branch"`
	DiffBranch  string     `json:"diff_branch"`
	FromTime    time.Time  `json:"from_time"`
	ToTime      time.Time  `json:"to_time"`
	Counters
}

// Node is a changed graph node.
type Node struct {
	UUID          string                        `json:"uuid"`
	Kind          string                        `json:"kind"`
	Label         string                        `json:"label,omitempty"`
	ChangedAt     time.Time                     `json:"changed_at"`
	Action        Action                        `json:"action"`
	Attributes    map[string]*Attribute         `json:"attributes"`
	Relationships map[string]*RelationshipGroup `json:"relationships"`
	Conflict      *Conflict                     `json:"conflict,omitempty"`
	Counters
}

// NewNode returns a node with empty child collections.
func NewNode(uuid, kind string, action Action, changedAt time.Time) *Node {
	return &Node{
		UUID:          uuid,
		Kind:          kind,
		ChangedAt:     changedAt,
		Action:        action,
		Attributes:    make(map[string]*Attribute),
		Relationships: make(map[string]*RelationshipGroup),
	}
}

// HasChangedChildren reports whether any attribute or relationship below n
// records a change.
func (n *Node) HasChangedChildren() bool {
	for _, a := range n.Attributes {
		if a.Action.IsChange() {
			return true
		}
	}
	for _, g := range n.Relationships {
		if g.Action.IsChange() {
			return true
		}
	}
	return false
}

// SortedAttributes returns the attributes ordered by name.
func (n *Node) SortedAttributes() []*Attribute {
	attrs := make([]*Attribute, 0, len(n.Attributes))
	for _, a := range n.Attributes {
		attrs = append(attrs, a)
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
	return attrs
}

// SortedRelationships returns the relationship groups ordered by name.
func (n *Node) SortedRelationships() []*RelationshipGroup {
	groups := make([]*RelationshipGroup, 0, len(n.Relationships))
	for _, g := range n.Relationships {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups
}

// Attribute is a changed attribute of a node.
type Attribute struct {
	Name       string                     `json:"name"`
	ChangedAt  time.Time                  `json:"changed_at"`
	Action     Action                     `json:"action"`
	Properties map[PropertyType]*Property `json:"properties"`
	Counters
}

// NewAttribute returns an attribute with an empty property set.
func NewAttribute(name string, action Action, changedAt time.Time) *Attribute {
	return &Attribute{
		Name:       name,
		ChangedAt:  changedAt,
		Action:     action,
		Properties: make(map[PropertyType]*Property),
	}
}

// Property is a single changed property of an attribute or relationship.
type Property struct {
	Type          PropertyType `json:"property_type"`
	ChangedAt     time.Time    `json:"changed_at"`
	PreviousValue string       `json:"previous_value,omitempty"`
	NewValue      string       `json:"new_value,omitempty"`
	Action        Action       `json:"action"`
	Conflict      *Conflict    `json:"conflict,omitempty"`
}

// Change returns the composable part of the property.
func (p *Property) Change() Change {
	return Change{Action: p.Action, Previous: p.PreviousValue, New: p.NewValue, ChangedAt: p.ChangedAt}
}

// RelationshipGroup gathers the changed peers of one relationship of a node.
type RelationshipGroup struct {
	Name          string                         `json:"name"`
	Label         string                         `json:"label,omitempty"`
	Cardinality   Cardinality                    `json:"cardinality"`
	ChangedAt     time.Time                      `json:"changed_at"`
	Action        Action                         `json:"action"`
	Relationships map[string]*SingleRelationship `json:"relationships"`
	Counters
}

// NewRelationshipGroup returns a group with no peers.
func NewRelationshipGroup(name string, cardinality Cardinality) *RelationshipGroup {
	return &RelationshipGroup{
		Name:          name,
		Cardinality:   cardinality,
		Action:        ActionUnchanged,
		Relationships: make(map[string]*SingleRelationship),
	}
}

// SortedRelationships returns the peers ordered by peer id.
func (g *RelationshipGroup) SortedRelationships() []*SingleRelationship {
	rels := make([]*SingleRelationship, 0, len(g.Relationships))
	for _, r := range g.Relationships {
		rels = append(rels, r)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].PeerID < rels[j].PeerID })
	return rels
}

// SingleRelationship is the change of one edge between a node and a peer.
type SingleRelationship struct {
	PeerID     string                     `json:"peer_id"`
	PeerLabel  string                     `json:"peer_label,omitempty"`
	ChangedAt  time.Time                  `json:"changed_at"`
	Action     Action                     `json:"action"`
	Properties map[PropertyType]*Property `json:"properties"`
	Conflict   *Conflict                  `json:"conflict,omitempty"`
	Counters
}

// NewSingleRelationship returns a relationship with no properties.
func NewSingleRelationship(peerID string, action Action, changedAt time.Time) *SingleRelationship {
	return &SingleRelationship{
		PeerID:     peerID,
		ChangedAt:  changedAt,
		Action:     action,
		Properties: make(map[PropertyType]*Property),
	}
}

// Conflict records concurrent changes to the same path on both branches.
//
// SelectedBranch is the only field mutated after the conflict is persisted.
type Conflict struct {
	UUID                string     `json:"uuid"`
	BaseBranchAction    Action     `json:"base_branch_action"`
	BaseBranchValue     string     `json:"base_branch_value,omitempty"`
	BaseBranchChangedAt time.Time  `json:"base_branch_changed_at"`
	DiffBranchAction    Action     `json:"diff_branch_action"`
	DiffBranchValue     string     `json:"diff_branch_value,omitempty"`
	DiffBranchChangedAt time.Time  `json:"diff_branch_changed_at"`
	SelectedBranch      BranchSide `json:"selected_branch,omitempty"`
}

// Resolved reports whether a side was selected.
func (c *Conflict) Resolved() bool {
	return c.SelectedBranch != ""
}

// Equivalent reports whether both conflicts describe the same pair of changes.
// Identity, timestamps and the resolution are ignored.
func (c *Conflict) Equivalent(o *Conflict) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.BaseBranchAction == o.BaseBranchAction &&
		c.BaseBranchValue == o.BaseBranchValue &&
		c.DiffBranchAction == o.DiffBranchAction &&
		c.DiffBranchValue == o.DiffBranchValue
}

// Swapped returns the conflict as seen from the other side.
func (c Conflict) Swapped() Conflict {
	c.BaseBranchAction, c.DiffBranchAction = c.DiffBranchAction, c.BaseBranchAction
	c.BaseBranchValue, c.DiffBranchValue = c.DiffBranchValue, c.BaseBranchValue
	c.BaseBranchChangedAt, c.DiffBranchChangedAt = c.DiffBranchChangedAt, c.BaseBranchChangedAt
	switch c.SelectedBranch {
	case BranchSideBase:
		c.SelectedBranch = BranchSideDiff
	case BranchSideDiff:
		c.SelectedBranch = BranchSideBase
	}
	return c
}
