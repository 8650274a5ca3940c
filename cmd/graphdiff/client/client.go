// Package client talks to the graphdiff HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/merge"
)

// Client handles communication with the graphdiff API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new client
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Health checks if the server is running
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// CreateBranch creates a branch off origin. A zero at means now.
func (c *Client) CreateBranch(ctx context.Context, name, origin string, at time.Time) (*Branch, error) {
	body := map[string]any{"name": name, "origin": origin}
	if !at.IsZero() {
		body["at"] = at
	}
	var b Branch
	if err := c.do(ctx, http.MethodPost, "/api/branches", nil, body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBranches lists every branch
func (c *Client) ListBranches(ctx context.Context) ([]Branch, error) {
	var res struct {
		Branches []Branch `json:"branches"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/branches", nil, nil, &res); err != nil {
		return nil, err
	}
	return res.Branches, nil
}

// GetDiff returns the tracking diff of branch
func (c *Client) GetDiff(ctx context.Context, branch string) (*diff.Root, error) {
	var root diff.Root
	if err := c.do(ctx, http.MethodGet, "/api/diffs/"+url.PathEscape(branch), nil, nil, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// UpdateDiff brings the tracking diff of branch up to to. A zero to means now.
func (c *Client) UpdateDiff(ctx context.Context, branch string, to time.Time) (*diff.Root, error) {
	body := map[string]any{}
	if !to.IsZero() {
		body["to"] = to
	}
	var root diff.Root
	if err := c.do(ctx, http.MethodPost, "/api/diffs/"+url.PathEscape(branch)+"/update", nil, body, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// RecalculateDiff recomputes the tracking diff of branch from scratch
func (c *Client) RecalculateDiff(ctx context.Context, branch string, from, to time.Time) (*diff.Root, error) {
	body := map[string]any{}
	if !from.IsZero() {
		body["from"] = from
	}
	if !to.IsZero() {
		body["to"] = to
	}
	var root diff.Root
	if err := c.do(ctx, http.MethodPost, "/api/diffs/"+url.PathEscape(branch)+"/recalculate", nil, body, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// UpdateAll brings every tracking diff up to to
func (c *Client) UpdateAll(ctx context.Context, to time.Time) ([]diff.RootMetadata, error) {
	params := url.Values{}
	setTime(params, "to", to)
	var res struct {
		Diffs []diff.RootMetadata `json:"diffs"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/diffs/update", params, nil, &res); err != nil {
		return nil, err
	}
	return res.Diffs, nil
}

// Conflicts lists the conflicts of branch over [from, to)
func (c *Client) Conflicts(ctx context.Context, branch string, from, to time.Time) (*Conflicts, error) {
	params := url.Values{}
	setTime(params, "from", from)
	setTime(params, "to", to)
	var res Conflicts
	if err := c.do(ctx, http.MethodGet, "/api/diffs/"+url.PathEscape(branch)+"/conflicts", params, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResolveConflict selects the winning side of a conflict. An empty side
// clears the resolution.
func (c *Client) ResolveConflict(ctx context.Context, uuid string, side diff.BranchSide) error {
	body := map[string]any{"selected_branch": side}
	return c.do(ctx, http.MethodPut, "/api/conflicts/"+url.PathEscape(uuid), nil, body, nil)
}

// Merge merges branch into its origin. A nil allowUnresolved keeps the
// server default.
func (c *Client) Merge(ctx context.Context, branch string, at time.Time, allowUnresolved *bool) (*merge.Result, error) {
	body := map[string]any{}
	if !at.IsZero() {
		body["at"] = at
	}
	if allowUnresolved != nil {
		body["allow_unresolved"] = *allowUnresolved
	}
	var res merge.Result
	if err := c.do(ctx, http.MethodPost, "/api/branches/"+url.PathEscape(branch)+"/merge", nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Rebase moves the branch point of branch to at
func (c *Client) Rebase(ctx context.Context, branch string, at time.Time) (*diff.Root, error) {
	body := map[string]any{}
	if !at.IsZero() {
		body["at"] = at
	}
	var root diff.Root
	if err := c.do(ctx, http.MethodPost, "/api/branches/"+url.PathEscape(branch)+"/rebase", nil, body, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// PurgeEmpty deletes empty ad-hoc diffs that ended before before and
// returns how many were deleted.
func (c *Client) PurgeEmpty(ctx context.Context, baseBranch, diffBranch string, before time.Time) (int, error) {
	params := url.Values{}
	if baseBranch != "" {
		params.Set("base_branch", baseBranch)
	}
	if diffBranch != "" {
		params.Set("diff_branch", diffBranch)
	}
	setTime(params, "ended_before", before)
	var res struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/diffs/empty", params, nil, &res); err != nil {
		return 0, err
	}
	return res.Deleted, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response of %s %s: %w", method, path, err)
	}
	return nil
}

func setTime(params url.Values, key string, t time.Time) {
	if !t.IsZero() {
		params.Set(key, t.UTC().Format(time.RFC3339Nano))
	}
}
