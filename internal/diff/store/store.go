// Package store persists diff roots. A root is always written whole; the
// only partial update is the selected branch of a conflict.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/systemshift/graphdiff/internal/diff"
)

// Repository is the persistence boundary of the diff engine.
type Repository interface {
	// GetOne returns the root matching q, or diff.ErrNotFound.
	GetOne(ctx context.Context, q Query) (*diff.Root, error)
	// Save stores root, replacing any root with the same uuid.
	Save(ctx context.Context, root *diff.Root) error
	// Delete removes a root and its conflicts. Missing roots are ignored.
	Delete(ctx context.Context, uuid string) error
	// UpdateConflict sets the selected branch of a persisted conflict. It
	// returns diff.ErrConflictNotApplicable when no root holds that conflict.
	UpdateConflict(ctx context.Context, conflictUUID string, selected diff.BranchSide) error
	// GetEmptyRoots lists roots without any change or conflict.
	GetEmptyRoots(ctx context.Context, f EmptyFilter) ([]diff.RootMetadata, error)
	Close(ctx context.Context) error
}

// Query selects a root by uuid, or by branch pair and tracking id. With a
// branch pair and no tracking id, the ad-hoc root covering the latest window
// is returned.
type Query struct {
	UUID       string
	BaseBranch string
	DiffBranch string
	TrackingID diff.TrackingID
}

func (q Query) validate() error {
	if q.UUID == "" && (q.BaseBranch == "" || q.DiffBranch == "") {
		return fmt.Errorf("query needs a uuid or a branch pair")
	}
	return nil
}

func (q Query) matches(r *diff.Root) bool {
	if q.UUID != "" {
		return r.UUID == q.UUID
	}
	return r.BaseBranch == q.BaseBranch && r.DiffBranch == q.DiffBranch && r.TrackingID == q.TrackingID
}

// EmptyFilter narrows GetEmptyRoots. Zero fields do not filter.
type EmptyFilter struct {
	BaseBranch string
	DiffBranch string
	// OnlyAdHoc leaves out roots with a tracking id.
	OnlyAdHoc bool
	// EndedBefore keeps roots whose window ends before this instant.
	EndedBefore time.Time
}

func (f EmptyFilter) matches(m diff.RootMetadata) bool {
	if !m.Counters.Empty() {
		return false
	}
	if f.BaseBranch != "" && m.BaseBranch != f.BaseBranch {
		return false
	}
	if f.DiffBranch != "" && m.DiffBranch != f.DiffBranch {
		return false
	}
	if f.OnlyAdHoc && m.TrackingID != "" {
		return false
	}
	if !f.EndedBefore.IsZero() && !m.ToTime.Before(f.EndedBefore) {
		return false
	}
	return true
}

// timeLayout sorts lexically, so stored instants can be compared as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func encodeRoot(root *diff.Root) (string, error) {
	b, err := json.Marshal(root)
	if err != nil {
		return "", fmt.Errorf("marshaling diff root: %w", err)
	}
	return string(b), nil
}

func decodeRoot(payload string) (*diff.Root, error) {
	var root diff.Root
	if err := json.Unmarshal([]byte(payload), &root); err != nil {
		return nil, fmt.Errorf("unmarshaling diff root: %w", err)
	}
	if root.Nodes == nil {
		root.Nodes = make(map[string]*diff.Node)
	}
	return &root, nil
}

// conflictRow is one entry of the conflict uuid index kept next to a root.
type conflictRow struct {
	UUID     string
	Path     string
	Selected diff.BranchSide
}

func conflictRows(root *diff.Root) []conflictRow {
	var rows []conflictRow
	for _, pc := range root.Conflicts() {
		rows = append(rows, conflictRow{UUID: pc.Conflict.UUID, Path: pc.Path.String(), Selected: pc.Conflict.SelectedBranch})
	}
	return rows
}

// setSelected applies a resolution to a decoded root.
func setSelected(root *diff.Root, conflictUUID string, selected diff.BranchSide) error {
	c, _, ok := root.ConflictByUUID(conflictUUID)
	if !ok {
		return fmt.Errorf("conflict %s: %w", conflictUUID, diff.ErrConflictNotApplicable)
	}
	c.SelectedBranch = selected
	return nil
}

func checkSide(selected diff.BranchSide) error {
	if selected != "" && !selected.Valid() {
		return &diff.ValidationError{Reason: fmt.Sprintf("unknown branch side %q", selected)}
	}
	return nil
}
