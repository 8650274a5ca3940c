package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/query"
)

// LabelAttribute is the attribute whose value labels a node.
const LabelAttribute = "name"

// GetNodes returns node and attribute rows of the requested branches.
func (s *SQLite) GetNodes(ctx context.Context, req query.Request) ([]query.Row, error) {
	rows, err := s.rows(ctx, req, []query.ElementType{query.ElementNode, query.ElementAttribute}, nil)
	if err != nil {
		return nil, err
	}
	transient := transientNodes(rows)
	s.logTransient(req, transient)
	return netExistence(rows, transient), nil
}

// GetRelationships returns relationship rows of the requested branches.
func (s *SQLite) GetRelationships(ctx context.Context, req query.Request) ([]query.Row, error) {
	return s.relationships(ctx, req, nil)
}

// GetRelationshipsPerNode returns relationship rows of the given nodes.
func (s *SQLite) GetRelationshipsPerNode(ctx context.Context, req query.Request, nodeIDs []string) ([]query.Row, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	return s.relationships(ctx, req, nodeIDs)
}

func (s *SQLite) relationships(ctx context.Context, req query.Request, nodeIDs []string) ([]query.Row, error) {
	rels, err := s.rows(ctx, req, []query.ElementType{query.ElementRelationship}, nodeIDs)
	if err != nil {
		return nil, err
	}
	nodes, err := s.rows(ctx, req, []query.ElementType{query.ElementNode}, nodeIDs)
	if err != nil {
		return nil, err
	}
	transient := transientNodes(nodes)
	out := rels[:0]
	for _, r := range rels {
		if !transient[branchNode{r.Branch, r.NodeID}] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SQLite) rows(ctx context.Context, req query.Request, elems []query.ElementType, nodeIDs []string) ([]query.Row, error) {
	if len(req.Branches) == 0 {
		return nil, nil
	}
	if err := req.Window.Validate(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	where = append(where, "branch IN ("+placeholders(len(req.Branches))+")")
	for _, b := range req.Branches {
		args = append(args, b)
	}
	where = append(where, "element_type IN ("+placeholders(len(elems))+")")
	for _, e := range elems {
		args = append(args, string(e))
	}
	if len(nodeIDs) > 0 {
		where = append(where, "node_id IN ("+placeholders(len(nodeIDs))+")")
		for _, id := range nodeIDs {
			args = append(args, id)
		}
	}
	where = append(where, "changed_at >= ?", "changed_at < ?")
	args = append(args, formatTime(req.Window.From), formatTime(req.Window.To))

	res, err := s.db.QueryContext(ctx, `
		SELECT branch, node_id, kind, element_type, element, peer_id, edge_kind,
		       changed_at, action, value_before, value_after
		FROM changes
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY changed_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying changes: %w", err)
	}
	defer res.Close()

	var out []query.Row
	for res.Next() {
		var (
			r           query.Row
			et, at, act string
		)
		if err := res.Scan(&r.Branch, &r.NodeID, &r.Kind, &et, &r.Element, &r.PeerID, &r.EdgeKind,
			&at, &act, &r.ValueBefore, &r.ValueAfter); err != nil {
			return nil, err
		}
		r.ElementType = query.ElementType(et)
		r.Action = diff.Action(act)
		if r.ChangedAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parsing changed_at: %w", err)
		}
		out = append(out, r)
	}
	return out, res.Err()
}

type branchNode struct {
	branch string
	nodeID string
}

// transientNodes finds nodes created and deleted again inside the window.
// Rows are in time order.
func transientNodes(rows []query.Row) map[branchNode]bool {
	first := make(map[branchNode]diff.Action)
	last := make(map[branchNode]diff.Action)
	for _, r := range rows {
		if r.ElementType != query.ElementNode {
			continue
		}
		bn := branchNode{r.Branch, r.NodeID}
		if _, ok := first[bn]; !ok {
			first[bn] = r.Action
		}
		last[bn] = r.Action
	}
	out := make(map[branchNode]bool)
	for bn, a := range first {
		if a == diff.ActionAdded && last[bn] == diff.ActionRemoved {
			out[bn] = true
		}
	}
	return out
}

// logTransient reports the nodes a window leaves out because they were
// created and deleted inside it.
func (s *SQLite) logTransient(req query.Request, transient map[branchNode]bool) {
	if len(transient) == 0 || !s.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	for bn := range transient {
		s.logger.Debug("transient node left out",
			zap.String("branch", bn.branch),
			zap.String("node_id", bn.nodeID),
			zap.Time("from_time", req.Window.From),
			zap.Time("to_time", req.Window.To))
	}
}

// netExistence reduces the existence rows of each node to their net effect
// over the window, as a query layer reports them: nodes that did not exist on
// either end are left out, a node that ends up created has one Added row, one
// that ends up deleted has one Removed row, and a node deleted and created
// again keeps its first deletion and last creation. Rows are in time order.
func netExistence(rows []query.Row, transient map[branchNode]bool) []query.Row {
	type span struct{ first, last int }
	spans := make(map[branchNode]*span)
	for i, r := range rows {
		if r.ElementType != query.ElementNode {
			continue
		}
		bn := branchNode{r.Branch, r.NodeID}
		if sp, ok := spans[bn]; ok {
			sp.last = i
		} else {
			spans[bn] = &span{first: i, last: i}
		}
	}

	keep := make(map[int]bool)
	for bn, sp := range spans {
		if transient[bn] {
			continue
		}
		first, last := rows[sp.first], rows[sp.last]
		switch {
		case first.Action == diff.ActionAdded:
			keep[sp.last] = true
		case last.Action == diff.ActionRemoved:
			keep[sp.last] = true
		case last.Action == diff.ActionAdded:
			keep[sp.last] = true
			for i := sp.first; i <= sp.last; i++ {
				r := rows[i]
				if r.ElementType == query.ElementNode && r.Branch == bn.branch && r.NodeID == bn.nodeID && r.Action == diff.ActionRemoved {
					keep[i] = true
					break
				}
			}
		}
	}

	out := make([]query.Row, 0, len(rows))
	for i, r := range rows {
		bn := branchNode{r.Branch, r.NodeID}
		if transient[bn] {
			continue
		}
		if r.ElementType == query.ElementNode && !keep[i] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// NodeLabels returns the label attribute of the given nodes as seen on branch
// at the given instant. Nodes without a label or not existing are left out.
func (s *SQLite) NodeLabels(ctx context.Context, branch string, at time.Time, ids []string) (map[string]string, error) {
	v, err := branchView(ctx, s.db, branch, at, true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		node, err := v.state(ctx, s.db, nodeKey(id))
		if err != nil {
			return nil, err
		}
		if !node.exists() {
			continue
		}
		label, err := v.state(ctx, s.db, attributeKey(id, LabelAttribute, query.EdgeHasValue))
		if err != nil {
			return nil, err
		}
		if label.exists() && label.value != "" {
			out[id] = label.value
		}
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
