package diff

import (
	"fmt"
	"time"
)

// Change is the value part of a diff entry: what happened to it and which
// values it moved between.
type Change struct {
	Action    Action
	Previous  string
	New       string
	ChangedAt time.Time
}

// Compose folds a change from an earlier window with a change to the same
// entry from the directly following window.
//
// The returned bool is false when the two changes cancel out and the entry
// must be dropped. Pairs that cannot follow each other (added twice, removed
// then updated, ...) return an error wrapping ErrIncompatibleActions.
func Compose(earlier, later Change) (Change, bool, error) {
	switch earlier.Action {
	case ActionAdded:
		switch later.Action {
		case ActionRemoved:
			return Change{}, false, nil
		case ActionUpdated:
			return Change{Action: ActionAdded, New: later.New, ChangedAt: later.ChangedAt}, true, nil
		case ActionUnchanged:
			return earlier, true, nil
		}
	case ActionRemoved:
		switch later.Action {
		case ActionAdded:
			return Change{}, false, nil
		case ActionUnchanged:
			return earlier, true, nil
		}
	case ActionUpdated:
		switch later.Action {
		case ActionRemoved:
			later.Previous = earlier.Previous
			return later, true, nil
		case ActionUpdated:
			return Change{
				Action:    ActionUpdated,
				Previous:  earlier.Previous,
				New:       later.New,
				ChangedAt: later.ChangedAt,
			}, true, nil
		case ActionUnchanged:
			return earlier, true, nil
		}
	case ActionUnchanged:
		if later.Action.Valid() {
			return later, true, nil
		}
	}
	return Change{}, false, fmt.Errorf("%w: %s then %s", ErrIncompatibleActions, earlier.Action, later.Action)
}

// ComposeActions is Compose for entries that carry no values of their own.
func ComposeActions(earlier, later Action) (Action, bool, error) {
	c, ok, err := Compose(Change{Action: earlier}, Change{Action: later})
	return c.Action, ok, err
}
