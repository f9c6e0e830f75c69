package configserver

import (
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

// Consumer-visible failure kinds. A *Failure wraps one of these so callers can
// match with errors.Is and still render the human readable reason.
var (
	ErrUnknownBranch  = errors.New("unknown branch")
	ErrUnknownPath    = errors.New("unknown path")
	ErrInvalidContent = errors.New("invalid content")
)

// Failure is an expected, client-caused outcome of a query. It is returned as
// a value and rendered verbatim; it never indicates a server fault.
type Failure struct {
	Kind   error
	Reason string
}

func (f *Failure) Error() string { return f.Reason }

func (f *Failure) Unwrap() error { return f.Kind }

// UnknownBranch returns a failure of kind ErrUnknownBranch.
func UnknownBranch(format string, args ...any) *Failure {
	return &Failure{Kind: ErrUnknownBranch, Reason: fmt.Sprintf(format, args...)}
}

// UnknownPath returns a failure of kind ErrUnknownPath.
func UnknownPath(format string, args ...any) *Failure {
	return &Failure{Kind: ErrUnknownPath, Reason: fmt.Sprintf(format, args...)}
}

// InvalidContent returns a failure of kind ErrInvalidContent.
func InvalidContent(format string, args ...any) *Failure {
	return &Failure{Kind: ErrInvalidContent, Reason: fmt.Sprintf(format, args...)}
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// RemoteUnreachable wraps a listing or transport error from the remote.
func RemoteUnreachable(uri string, cause error) error {
	err := platformerrors.Wrap(cause, platformerrors.CodeNetwork, "remote repository is unreachable")
	return platformerrors.WithContext(err, "uri", uri)
}

// BranchSyncFailed wraps an error that left a branch mirror unusable.
func BranchSyncFailed(branch string, cause error) error {
	err := platformerrors.Wrapf(cause, platformerrors.CodeExecutionFailed, "failed cloning branch '%s'", branch)
	return platformerrors.WithContext(err, "branch", branch)
}

// SnapshotMaterializeFailed wraps an error that prevented a snapshot directory
// from being created.
func SnapshotMaterializeFailed(branch, commitID string, cause error) error {
	err := platformerrors.Wrapf(cause, platformerrors.CodeExecutionFailed, "failed to materialize snapshot for branch '%s'", branch)
	err = platformerrors.WithContext(err, "branch", branch)
	return platformerrors.WithContext(err, "commit", commitID)
}

// IsRemoteUnreachable reports whether err came from RemoteUnreachable.
func IsRemoteUnreachable(err error) bool {
	return platformerrors.GetCode(err) == platformerrors.CodeNetwork
}
