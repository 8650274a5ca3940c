package diff

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by repositories when no root matches.
	ErrNotFound = errors.New("diff not found")

	// ErrConflictNotApplicable is returned when resolving a conflict whose
	// uuid no longer exists, typically after a recalculation dropped it.
	ErrConflictNotApplicable = errors.New("conflict no longer applicable")

	// ErrIncompatibleActions is returned by Compose for changes that cannot
	// follow each other.
	ErrIncompatibleActions = errors.New("incompatible actions")
)

// BuildError reports raw rows the builder cannot turn into a diff. It points
// at a defect in the query layer and is not retried.
type BuildError struct {
	NodeID string
	Path   string
	Reason string
	Err    error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("building diff for node %s", e.NodeID)
	if e.Path != "" {
		msg += " at " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

// CombineError reports roots that must not be combined.
type CombineError struct {
	Reason string
	Err    error
}

func (e *CombineError) Error() string {
	if e.Err != nil {
		return "combining diffs: " + e.Reason + ": " + e.Err.Error()
	}
	return "combining diffs: " + e.Reason
}

func (e *CombineError) Unwrap() error { return e.Err }

// MergeError reports a failed mutation of the destination graph. Merges are
// idempotent per node, so the whole merge may be retried.
type MergeError struct {
	NodeID string
	Err    error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merging node %s: %v", e.NodeID, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// ValidationError rejects a request before anything is mutated. Paths lists
// every offending path, not only the first one found.
type ValidationError struct {
	Reason string
	Paths  []string
}

func (e *ValidationError) Error() string {
	if len(e.Paths) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Paths, ", "))
}
