package refresh

import (
	"slices"

	configserver "github.com/inpertio/config-server"
	"github.com/inpertio/config-server/branchcache"
)

// BranchOutcome is the result of refreshing one branch: Updated or Failed.
type BranchOutcome interface {
	branchOutcome()
	BranchName() string
}

// Updated reports a branch whose mirror synced and whose snapshot is served.
type Updated struct {
	Ref    configserver.BranchRef
	Status branchcache.PublishStatus
}

// Failed reports a branch that could not be refreshed. Its previously
// published snapshot, if any, keeps being served.
type Failed struct {
	Branch string
	Reason string
	Cause  error
}

func (Updated) branchOutcome() {}
func (Failed) branchOutcome()  {}

// BranchName returns the refreshed branch.
func (u Updated) BranchName() string { return u.Ref.Name }

// BranchName returns the refreshed branch.
func (f Failed) BranchName() string { return f.Branch }

// CycleOutcome is the result of one refresh cycle: ListingFailed or Completed.
type CycleOutcome interface {
	cycleOutcome()
}

// ListingFailed reports a cycle aborted because the remote could not be
// listed. No branch was touched.
type ListingFailed struct {
	Reason string
	Cause  error
}

// Completed reports a cycle that listed the remote and processed every
// wanted branch.
type Completed struct {
	// Wanted is the interest snapshot the cycle started from.
	Wanted []string
	// Removed lists wanted branches that no longer exist upstream and were
	// forgotten.
	Removed []string
	// Outcomes holds one result per remaining wanted branch, by name.
	Outcomes []BranchOutcome
}

func (ListingFailed) cycleOutcome() {}
func (Completed) cycleOutcome()     {}

// Considered reports whether branch was part of the cycle's interest
// snapshot.
func (c Completed) Considered(branch string) bool {
	_, found := slices.BinarySearch(c.Wanted, branch)
	return found
}

// Counts tallies the branch outcomes of a completed cycle.
func (c Completed) Counts() (updated, failed int) {
	for _, o := range c.Outcomes {
		switch o.(type) {
		case Updated:
			updated++
		case Failed:
			failed++
		}
	}
	return updated, failed
}
