package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/coordinator"
	"github.com/systemshift/graphdiff/internal/diff/merge"
	"github.com/systemshift/graphdiff/internal/diff/store"
)

// GetDiff handles GET /api/diffs/{branch}
func (s *Server) GetDiff(w http.ResponseWriter, r *http.Request) {
	b, err := s.trackedBranch(r.Context(), chi.URLParam(r, "branch"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	root, err := s.coord.Get(r.Context(), b.Origin, b.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

// GetDiffRoot handles GET /api/diffs/roots/{uuid}
func (s *Server) GetDiffRoot(w http.ResponseWriter, r *http.Request) {
	root, err := s.coord.GetByUUID(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

// UpdateDiffRequest is the request body for updating a tracking diff
type UpdateDiffRequest struct {
	To *time.Time `json:"to,omitempty"`
}

// UpdateDiff handles POST /api/diffs/{branch}/update
func (s *Server) UpdateDiff(w http.ResponseWriter, r *http.Request) {
	var req UpdateDiffRequest
	if err := s.decode(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.trackedBranch(r.Context(), chi.URLParam(r, "branch"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unlock, err := s.locks.Lock(r.Context(), b.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer unlock()

	root, err := s.coord.ComputeOrExtend(r.Context(), b.Origin, b.Name, s.orNow(req.To))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

// RecalculateDiffRequest is the request body for recalculating a tracking diff
type RecalculateDiffRequest struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// RecalculateDiff handles POST /api/diffs/{branch}/recalculate
func (s *Server) RecalculateDiff(w http.ResponseWriter, r *http.Request) {
	var req RecalculateDiffRequest
	if err := s.decode(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.trackedBranch(r.Context(), chi.URLParam(r, "branch"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unlock, err := s.locks.Lock(r.Context(), b.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer unlock()

	var from, to time.Time
	if req.From != nil {
		from = req.From.UTC()
	}
	if req.To != nil {
		to = req.To.UTC()
	}
	root, err := s.coord.Recalculate(r.Context(), b.Origin, b.Name, from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

// ConflictsResponse lists the conflicts of a branch.
type ConflictsResponse struct {
	Branch     string              `json:"branch"`
	BaseBranch string              `json:"base_branch"`
	Conflicts  []diff.PathConflict `json:"conflicts"`
	Count      int                 `json:"count"`
}

// GetConflicts handles GET /api/diffs/{branch}/conflicts
// Supports ?from=RFC3339&to=RFC3339. A window not starting at the branch
// point is computed ad hoc.
func (s *Server) GetConflicts(w http.ResponseWriter, r *http.Request) {
	window, err := queryWindow(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.trackedBranch(r.Context(), chi.URLParam(r, "branch"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unlock, err := s.locks.Lock(r.Context(), b.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer unlock()

	conflicts, err := s.coord.GetConflicts(r.Context(), b.Origin, b.Name, window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []diff.PathConflict{}
	}
	writeJSON(w, http.StatusOK, ConflictsResponse{
		Branch:     b.Name,
		BaseBranch: b.Origin,
		Conflicts:  conflicts,
		Count:      len(conflicts),
	})
}

// AdHocDiff handles GET /api/diffs/{branch}/adhoc
// Requires ?from and ?to; ?node_id may be repeated or comma separated;
// ?persist=true keeps the diff until it is purged.
func (s *Server) AdHocDiff(w http.ResponseWriter, r *http.Request) {
	window, err := queryWindow(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if window.From.IsZero() || window.To.IsZero() {
		s.writeError(w, r, badRequest("from and to are required"))
		return
	}
	b, err := s.trackedBranch(r.Context(), chi.URLParam(r, "branch"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var nodeIDs []string
	for _, v := range r.URL.Query()["node_id"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				nodeIDs = append(nodeIDs, id)
			}
		}
	}
	root, err := s.coord.AdHoc(r.Context(), coordinator.AdHocRequest{
		BaseBranch: b.Origin,
		DiffBranch: b.Name,
		Window:     window,
		NodeIDs:    nodeIDs,
		Persist:    r.URL.Query().Get("persist") == "true",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

// ResolveConflictRequest is the request body for resolving a conflict
type ResolveConflictRequest struct {
	// SelectedBranch is base, diff, or empty to clear the resolution.
	SelectedBranch diff.BranchSide `json:"selected_branch" validate:"omitempty,oneof=base diff"`
}

// ResolveConflict handles PUT /api/conflicts/{uuid}
func (s *Server) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req ResolveConflictRequest
	if err := s.decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "uuid")
	if err := s.coord.ResolveConflict(r.Context(), id, req.SelectedBranch); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"uuid":            id,
		"selected_branch": string(req.SelectedBranch),
	})
}

// MergeRequest is the request body for merging a branch into its origin
type MergeRequest struct {
	At              *time.Time `json:"at,omitempty"`
	AllowUnresolved *bool      `json:"allow_unresolved,omitempty"`
}

// Merge handles POST /api/branches/{name}/merge
func (s *Server) Merge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := s.decode(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.trackedBranch(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unlock, err := s.locks.LockAll(r.Context(), b.Name, b.Origin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer unlock()

	opts := merge.Options{AllowUnresolved: s.opts.AllowUnresolved}
	if req.AllowUnresolved != nil {
		opts.AllowUnresolved = *req.AllowUnresolved
	}
	res, err := s.merger.Merge(r.Context(), b.Name, b.Origin, s.orNow(req.At), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RebaseRequest is the request body for rebasing a branch
type RebaseRequest struct {
	At *time.Time `json:"at,omitempty"`
}

// Rebase handles POST /api/branches/{name}/rebase
func (s *Server) Rebase(w http.ResponseWriter, r *http.Request) {
	var req RebaseRequest
	if err := s.decode(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.trackedBranch(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unlock, err := s.locks.Lock(r.Context(), b.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer unlock()

	root, err := s.coord.Rebase(r.Context(), b.Origin, b.Name, s.orNow(req.At))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

// UpdateAllDiffs handles POST /api/diffs/update
// Brings the tracking diff of every branch up to ?to (default now).
func (s *Server) UpdateAllDiffs(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "event manager not configured"})
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if to.IsZero() {
		to = s.now().UTC()
	}
	roots, err := s.events.UpdateAll(r.Context(), to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diffs": roots, "count": len(roots)})
}

// PurgeEmptyDiffs handles DELETE /api/diffs/empty
// Supports ?base_branch, ?diff_branch and ?ended_before=RFC3339 (default now).
func (s *Server) PurgeEmptyDiffs(w http.ResponseWriter, r *http.Request) {
	before, err := queryTime(r, "ended_before")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if before.IsZero() {
		before = s.now().UTC()
	}
	q := r.URL.Query()
	n, err := s.coord.PurgeEmpty(r.Context(), store.EmptyFilter{
		BaseBranch:  q.Get("base_branch"),
		DiffBranch:  q.Get("diff_branch"),
		EndedBefore: before,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Debug("purged empty diffs", zap.Int("count", n))
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func queryWindow(r *http.Request) (diff.TimeRange, error) {
	from, err := queryTime(r, "from")
	if err != nil {
		return diff.TimeRange{}, err
	}
	to, err := queryTime(r, "to")
	if err != nil {
		return diff.TimeRange{}, err
	}
	window := diff.TimeRange{From: from, To: to}
	if !from.IsZero() && !to.IsZero() {
		if err := window.Validate(); err != nil {
			return diff.TimeRange{}, badRequest("%v", err)
		}
	}
	return window, nil
}
