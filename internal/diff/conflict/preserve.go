package conflict

import "github.com/systemshift/graphdiff/internal/diff"

// Preserve carries conflicts of prev over to next where next has an
// equivalent conflict on the same path: the uuid is kept so clients can keep
// referring to it, and so is the selected branch. next is modified in place.
// It returns the number of resolutions carried over.
func Preserve(prev, next *diff.Root) int {
	if prev == nil || next == nil {
		return 0
	}
	old := make(map[string]*diff.Conflict)
	prev.Walk(func(path diff.Path, slot **diff.Conflict) {
		if *slot != nil {
			old[path.String()] = *slot
		}
	})

	resolved := 0
	next.Walk(func(path diff.Path, slot **diff.Conflict) {
		c := *slot
		if c == nil {
			return
		}
		o, ok := old[path.String()]
		if !ok || !o.Equivalent(c) {
			return
		}
		c.UUID = o.UUID
		c.SelectedBranch = o.SelectedBranch
		if o.Resolved() {
			resolved++
		}
	})
	return resolved
}
