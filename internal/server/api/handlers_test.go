package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/coordinator"
	"github.com/systemshift/graphdiff/internal/diff/merge"
	"github.com/systemshift/graphdiff/internal/diff/store"
	"github.com/systemshift/graphdiff/internal/graph"
	"github.com/systemshift/graphdiff/internal/lock"
)

var (
	t0 = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t1.Add(time.Hour)
	t3 = t2.Add(time.Hour)
)

func setupTestServer(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()
	g, err := graph.NewSQLite(ctx, filepath.Join(t.TempDir(), "graph.db"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close(ctx) })

	clock := func() time.Time { return t3 }
	coord := coordinator.New(g, store.NewMemory(), g, coordinator.WithClock(clock))
	merger := merge.New(coord, merge.NewSink(g.Batch, g.SetBranchedFrom), nil)
	s := New(g, coord, merger, lock.NewRegistry(), nil, Options{}, nil)
	s.now = clock
	return s.Routes()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func ts(at time.Time) string {
	return url.QueryEscape(at.Format(time.RFC3339Nano))
}

// seed creates node N with color red on main before t0 and branch b at t0.
func seed(t *testing.T, h http.Handler) {
	t.Helper()
	before := t0.Add(-time.Hour)
	w := do(t, h, http.MethodPost, "/api/branches/main/nodes", UpsertNodeRequest{ID: "N", Kind: "Car", At: &before})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, h, http.MethodPut, "/api/branches/main/nodes/N/attributes/color", PropertyRequest{Value: "red", At: &before})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	at := t0
	w = do(t, h, http.MethodPost, "/api/branches", CreateBranchRequest{Name: "b", At: &at})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func setColor(t *testing.T, h http.Handler, branch, color string, at time.Time) {
	t.Helper()
	w := do(t, h, http.MethodPut, "/api/branches/"+branch+"/nodes/N/attributes/color", PropertyRequest{Value: color, At: &at})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealthCheck(t *testing.T) {
	h := setupTestServer(t)
	w := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, w)["status"])
}

func TestCreateBranch(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{name: "valid request", body: CreateBranchRequest{Name: "b"}, wantStatus: http.StatusCreated},
		{name: "invalid json", body: `{invalid`, wantStatus: http.StatusBadRequest},
		{name: "empty body", body: nil, wantStatus: http.StatusBadRequest},
		{name: "missing name", body: `{"origin":"main"}`, wantStatus: http.StatusBadRequest},
		{name: "slash in name", body: CreateBranchRequest{Name: "a/b"}, wantStatus: http.StatusBadRequest},
		{name: "unknown origin", body: CreateBranchRequest{Name: "c", Origin: "nope"}, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupTestServer(t)
			w := do(t, h, http.MethodPost, "/api/branches", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestBranchRegistryEndpoints(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)

	w := do(t, h, http.MethodPost, "/api/branches", CreateBranchRequest{Name: "b"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodGet, "/api/branches", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[struct {
		Branches []graph.Branch `json:"branches"`
		Count    int            `json:"count"`
	}](t, w)
	assert.Equal(t, 2, list.Count)

	w = do(t, h, http.MethodGet, "/api/branches/b", nil)
	require.Equal(t, http.StatusOK, w.Code)
	b := decodeBody[graph.Branch](t, w)
	assert.Equal(t, "main", b.Origin)
	assert.Equal(t, t0, b.BranchedFrom)

	w = do(t, h, http.MethodGet, "/api/branches/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGraphWrites(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)

	setColor(t, h, "b", "blue", t1)
	w := do(t, h, http.MethodPut, "/api/branches/b/nodes/N/relationships/owner/P", map[string]any{"at": t1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/branches/b/nodes/N?at="+ts(t2), nil)
	require.Equal(t, http.StatusOK, w.Code)
	ns := decodeBody[graph.NodeState](t, w)
	assert.Equal(t, "blue", ns.Attributes["color"][diff.PropertyValue])
	assert.Contains(t, ns.Relationships["owner"], "P")

	w = do(t, h, http.MethodGet, "/api/branches/main/nodes/N?at="+ts(t2), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "red", decodeBody[graph.NodeState](t, w).Attributes["color"][diff.PropertyValue])

	w = do(t, h, http.MethodDelete, "/api/branches/b/nodes/N/relationships/owner/P?at="+ts(t2), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, h, http.MethodDelete, "/api/branches/b/nodes/N?at="+ts(t2), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, h, http.MethodGet, "/api/branches/b/nodes/N?at="+ts(t2), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPut, "/api/branches/b/nodes/N/attributes/color", `{"property":"peer","value":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodDelete, "/api/branches/b/nodes/N?at=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDiffConflictAndMergeFlow(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)
	setColor(t, h, "b", "blue", t1)
	setColor(t, h, "main", "green", t1)

	w := do(t, h, http.MethodGet, "/api/diffs/b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "nothing computed yet")

	to := t2
	w = do(t, h, http.MethodPost, "/api/diffs/b/update", UpdateDiffRequest{To: &to})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	root := decodeBody[diff.Root](t, w)
	assert.Equal(t, 1, root.NumConflicts)

	w = do(t, h, http.MethodGet, "/api/diffs/b/conflicts?to="+ts(t2), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	conflicts := decodeBody[ConflictsResponse](t, w)
	require.Equal(t, 1, conflicts.Count)
	assert.Equal(t, "main", conflicts.BaseBranch)
	c := conflicts.Conflicts[0]

	at := t2
	w = do(t, h, http.MethodPost, "/api/branches/b/merge", MergeRequest{At: &at})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, []string{"N/color/value"}, decodeBody[ErrorResponse](t, w).Paths)

	w = do(t, h, http.MethodPut, "/api/conflicts/"+c.Conflict.UUID, ResolveConflictRequest{SelectedBranch: "left"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPut, "/api/conflicts/missing", ResolveConflictRequest{SelectedBranch: diff.BranchSideDiff})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(t, h, http.MethodPut, "/api/conflicts/"+c.Conflict.UUID, ResolveConflictRequest{SelectedBranch: diff.BranchSideDiff})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/api/branches/b/merge", MergeRequest{At: &at})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[merge.Result](t, w)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, "main", res.Destination)

	w = do(t, h, http.MethodGet, "/api/branches/main/nodes/N?at="+ts(t2), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "blue", decodeBody[graph.NodeState](t, w).Attributes["color"][diff.PropertyValue])

	w = do(t, h, http.MethodGet, "/api/diffs/roots/"+root.UUID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRebaseAndRecalculate(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)
	setColor(t, h, "b", "blue", t1)

	w := do(t, h, http.MethodPost, "/api/diffs/b/recalculate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	root := decodeBody[diff.Root](t, w)
	assert.Equal(t, t0, root.FromTime)
	assert.Equal(t, t3, root.ToTime)
	assert.Equal(t, 1, root.NumUpdated)

	at := t2
	w = do(t, h, http.MethodPost, "/api/branches/b/rebase", RebaseRequest{At: &at})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rebased := decodeBody[diff.Root](t, w)
	assert.Equal(t, root.UUID, rebased.UUID)
	assert.Equal(t, t2, rebased.FromTime)
	assert.Empty(t, rebased.Nodes)
}

func TestDiffEndpointsRejectInvalidRequests(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)

	tests := []struct {
		name, method, path string
		wantStatus         int
	}{
		{"default branch has no diff", http.MethodGet, "/api/diffs/main", http.StatusUnprocessableEntity},
		{"unknown branch", http.MethodPost, "/api/diffs/nope/update", http.StatusNotFound},
		{"bad window", http.MethodGet, "/api/diffs/b/conflicts?from=" + ts(t2) + "&to=" + ts(t1), http.StatusBadRequest},
		{"ad hoc needs a window", http.MethodGet, "/api/diffs/b/adhoc?from=" + ts(t1), http.StatusBadRequest},
		{"merge default branch", http.MethodPost, "/api/branches/main/merge", http.StatusUnprocessableEntity},
		{"bulk update without events", http.MethodPost, "/api/diffs/update", http.StatusNotImplemented},
		{"unknown root", http.MethodGet, "/api/diffs/roots/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestAdHocAndPurge(t *testing.T) {
	h := setupTestServer(t)
	seed(t, h)

	w := do(t, h, http.MethodGet, "/api/diffs/b/adhoc?persist=true&from="+ts(t1)+"&to="+ts(t2), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	root := decodeBody[diff.Root](t, w)
	assert.Empty(t, root.Nodes)

	w = do(t, h, http.MethodDelete, "/api/diffs/empty?diff_branch=b", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decodeBody[map[string]int](t, w)["deleted"], "the root and its base diff")

	w = do(t, h, http.MethodGet, "/api/diffs/roots/"+root.UUID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, h, http.MethodGet, "/api/diffs/roots/"+root.PartnerUUID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
