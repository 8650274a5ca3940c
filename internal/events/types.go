package events

import (
	"fmt"
	"time"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/diff/merge"
)

// Type names what happened to a branch.
type Type string

const (
	// BranchCreated computes the first tracking diff of the branch.
	BranchCreated Type = "branch.created"
	// BranchUpdated extends the tracking diff of the branch.
	BranchUpdated Type = "branch.updated"
	// MergeRequested merges the branch into its origin.
	MergeRequested Type = "merge.requested"
)

// Event is a change to a branch the diff engine reacts to.
type Event struct {
	ID     string    `json:"id"`
	Type   Type      `json:"type"`
	Branch string    `json:"branch"`
	At     time.Time `json:"at"`
	// AllowUnresolved is passed on to merges.
	AllowUnresolved bool `json:"allow_unresolved,omitempty"`
}

// Notification is posted to the webhook once an event has been handled.
type Notification struct {
	EventID    string             `json:"event_id"`
	Type       Type               `json:"type"`
	Branch     string             `json:"branch"`
	BaseBranch string             `json:"base_branch,omitempty"`
	Diff       *diff.RootMetadata `json:"diff,omitempty"`
	Merge      *merge.Result      `json:"merge,omitempty"`
	Error      string             `json:"error,omitempty"`
	HandledAt  time.Time          `json:"handled_at"`
}

// WebhookError reports a webhook that answered with a non-2xx status.
type WebhookError struct {
	URL        string
	StatusCode int
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook %s answered %d", e.URL, e.StatusCode)
}
