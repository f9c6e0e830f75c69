// Package interest tracks which branches clients have asked for.
package interest

import (
	"sort"

	"github.com/puzpuzpuz/xsync"
)

// Tracker is a concurrent set of wanted branch names. The zero value is not
// usable; create one with New.
type Tracker struct {
	wanted *xsync.MapOf[string, struct{}]
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{wanted: xsync.NewMapOf[struct{}]()}
}

// MarkWanted records branch as wanted. Idempotent.
func (t *Tracker) MarkWanted(branch string) {
	t.wanted.Store(branch, struct{}{})
}

// Forget removes branch from the wanted set. Idempotent.
func (t *Tracker) Forget(branch string) {
	t.wanted.Delete(branch)
}

// Snapshot returns a sorted point-in-time copy of the wanted set. Later
// changes to the tracker do not affect the returned slice.
func (t *Tracker) Snapshot() []string {
	var names []string
	t.wanted.Range(func(name string, _ struct{}) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
