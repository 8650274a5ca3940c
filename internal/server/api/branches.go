package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/events"
	"github.com/systemshift/graphdiff/internal/graph"
)

// CreateBranchRequest is the request body for creating a branch
type CreateBranchRequest struct {
	Name   string     `json:"name" validate:"required,max=255,excludesall=/"`
	Origin string     `json:"origin"`
	At     *time.Time `json:"at,omitempty"`
}

// CreateBranch handles POST /api/branches
func (s *Server) CreateBranch(w http.ResponseWriter, r *http.Request) {
	var req CreateBranchRequest
	if err := s.decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Origin == "" {
		req.Origin = graph.DefaultBranch
	}
	at := s.orNow(req.At)

	b, err := s.graph.CreateBranch(r.Context(), req.Name, req.Origin, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.emit(events.BranchCreated, b.Name, at)
	writeJSON(w, http.StatusCreated, b)
}

// ListBranches handles GET /api/branches
func (s *Server) ListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.graph.ListBranches(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"branches": branches,
		"count":    len(branches),
	})
}

// GetBranch handles GET /api/branches/{name}
func (s *Server) GetBranch(w http.ResponseWriter, r *http.Request) {
	b, err := s.graph.GetBranch(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetNode handles GET /api/branches/{name}/nodes/{id}
// Supports ?at=RFC3339 for point-in-time reads.
func (s *Server) GetNode(w http.ResponseWriter, r *http.Request) {
	at, err := queryTime(r, "at")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if at.IsZero() {
		at = s.now().UTC()
	}
	ns, err := s.graph.NodeState(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "id"), at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

// WriteResponse acknowledges a graph write.
type WriteResponse struct {
	Branch string    `json:"branch"`
	NodeID string    `json:"node_id"`
	At     time.Time `json:"at"`
}

// write runs fn in one graph batch on the branch of the request and answers
// with the write instant.
func (s *Server) write(w http.ResponseWriter, r *http.Request, nodeID string, at *time.Time, fn func(ctx context.Context, tx *graph.Tx, branch string, at time.Time) error) {
	branch := chi.URLParam(r, "name")
	when := s.orNow(at)
	err := s.graph.Batch(r.Context(), func(tx *graph.Tx) error {
		return fn(r.Context(), tx, branch, when)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.emit(events.BranchUpdated, branch, when)
	writeJSON(w, http.StatusOK, WriteResponse{Branch: branch, NodeID: nodeID, At: when})
}

// UpsertNodeRequest is the request body for creating or updating a node
type UpsertNodeRequest struct {
	ID   string     `json:"id" validate:"required"`
	Kind string     `json:"kind" validate:"required"`
	At   *time.Time `json:"at,omitempty"`
}

// UpsertNode handles POST /api/branches/{name}/nodes
func (s *Server) UpsertNode(w http.ResponseWriter, r *http.Request) {
	var req UpsertNodeRequest
	if err := s.decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.write(w, r, req.ID, req.At, func(ctx context.Context, tx *graph.Tx, branch string, at time.Time) error {
		return tx.UpsertNode(ctx, branch, req.ID, req.Kind, at)
	})
}

// DeleteNode handles DELETE /api/branches/{name}/nodes/{id}
// Supports ?at=RFC3339.
func (s *Server) DeleteNode(w http.ResponseWriter, r *http.Request) {
	at, err := queryTime(r, "at")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	s.write(w, r, id, &at, func(ctx context.Context, tx *graph.Tx, branch string, at time.Time) error {
		return tx.MarkDeleted(ctx, branch, id, at)
	})
}

// PropertyRequest is the request body for setting a property
type PropertyRequest struct {
	// Property defaults to value.
	Property diff.PropertyType `json:"property" validate:"omitempty,oneof=value owner source is_protected is_visible"`
	Value    string            `json:"value"`
	At       *time.Time        `json:"at,omitempty"`
}

func (p PropertyRequest) propertyType() diff.PropertyType {
	if p.Property == "" {
		return diff.PropertyValue
	}
	return p.Property
}

// UpsertAttribute handles PUT /api/branches/{name}/nodes/{id}/attributes/{attr}
func (s *Server) UpsertAttribute(w http.ResponseWriter, r *http.Request) {
	var req PropertyRequest
	if err := s.decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, attr := chi.URLParam(r, "id"), chi.URLParam(r, "attr")
	s.write(w, r, id, req.At, func(ctx context.Context, tx *graph.Tx, branch string, at time.Time) error {
		return tx.UpsertAttributeProperty(ctx, branch, id, attr, req.propertyType(), req.Value, at)
	})
}

// UpsertRelationship handles PUT /api/branches/{name}/nodes/{id}/relationships/{rel}/{peer}
// Without a property the edge is created; with one the edge's property is set.
func (s *Server) UpsertRelationship(w http.ResponseWriter, r *http.Request) {
	var req PropertyRequest
	if err := s.decode(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, rel, peer := chi.URLParam(r, "id"), chi.URLParam(r, "rel"), chi.URLParam(r, "peer")
	s.write(w, r, id, req.At, func(ctx context.Context, tx *graph.Tx, branch string, at time.Time) error {
		if req.Property == "" {
			return tx.AddRelationship(ctx, branch, id, rel, peer, at)
		}
		return tx.UpsertRelationshipProperty(ctx, branch, id, rel, peer, req.Property, req.Value, at)
	})
}

// RemoveRelationship handles DELETE /api/branches/{name}/nodes/{id}/relationships/{rel}/{peer}
// Supports ?at=RFC3339.
func (s *Server) RemoveRelationship(w http.ResponseWriter, r *http.Request) {
	at, err := queryTime(r, "at")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, rel, peer := chi.URLParam(r, "id"), chi.URLParam(r, "rel"), chi.URLParam(r, "peer")
	s.write(w, r, id, &at, func(ctx context.Context, tx *graph.Tx, branch string, at time.Time) error {
		return tx.RemoveRelationship(ctx, branch, id, rel, peer, at)
	})
}
