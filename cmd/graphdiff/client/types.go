package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/systemshift/graphdiff/internal/diff"
)

// Branch is a branch of the graph
type Branch struct {
	Name         string    `json:"name"`
	Origin       string    `json:"origin,omitempty"`
	BranchedFrom time.Time `json:"branched_from"`
	CreatedAt    time.Time `json:"created_at"`
	IsDefault    bool      `json:"is_default"`
}

// Conflicts is the conflict listing of a branch
type Conflicts struct {
	Branch     string              `json:"branch"`
	BaseBranch string              `json:"base_branch"`
	Conflicts  []diff.PathConflict `json:"conflicts"`
	Count      int                 `json:"count"`
}

// APIError is a non-2xx answer of the server.
type APIError struct {
	StatusCode int      `json:"-"`
	Message    string   `json:"error"`
	Paths      []string `json:"paths,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	if len(e.Paths) > 0 {
		msg += " (" + strings.Join(e.Paths, ", ") + ")"
	}
	return msg
}
