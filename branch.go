// Package configserver serves configuration content from branches of a
// remote git repository, keeping a commit-addressed snapshot per branch.
package configserver

import (
	"fmt"
	"strings"
)

// BranchRef identifies the head of a branch.
type BranchRef struct {
	// Name is the branch name as seen by clients, without any ref prefix.
	Name string `json:"name"`

	// CommitID is the hex commit identifier the branch points at.
	CommitID string `json:"commit_id"`

	// Upstream is the full reference name on the remote, such as
	// "refs/heads/feature/x". Empty means "refs/heads/" + Name.
	Upstream string `json:"upstream,omitempty"`
}

// UpstreamRef returns the remote reference name the branch is fetched from.
func (r BranchRef) UpstreamRef() string {
	if r.Upstream != "" {
		return r.Upstream
	}
	return "refs/heads/" + r.Name
}

// String returns "name@shortcommit".
func (r BranchRef) String() string {
	return r.Name + "@" + r.ShortCommit()
}

// ShortCommit returns the first 8 characters of the commit id.
func (r BranchRef) ShortCommit() string {
	if len(r.CommitID) <= 8 {
		return r.CommitID
	}
	return r.CommitID[:8]
}

// ValidateBranchName reports whether name can be used as a branch key.
// Names end up as directory names under the data root, so anything that
// could escape or collide with the layout is rejected.
func ValidateBranchName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("branch name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("invalid branch name %q", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("branch name %q contains a path separator", name)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("branch name %q starts with '-'", name)
	}
	return nil
}
