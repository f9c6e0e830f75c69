package upstream

import (
	"context"
	"errors"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	platformerrors "github.com/jmgilman/go/errors"
)

// Classify maps go-git errors to platform error codes. The original error
// stays in the chain so errors.Is keeps working. Unknown errors are returned
// unchanged.
//
//nolint:gocyclo // flat mapping table
func Classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return platformerrors.Wrap(err, platformerrors.CodeTimeout, "remote operation timed out")
	case errors.Is(err, context.Canceled):
		return platformerrors.Wrap(err, platformerrors.CodeUnavailable, "remote operation canceled")
	case errors.Is(err, gogit.ErrRepositoryNotExists):
		return platformerrors.Wrap(err, platformerrors.CodeNotFound, "repository does not exist")
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return platformerrors.Wrap(err, platformerrors.CodeNotFound, "repository not found")
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return platformerrors.Wrap(err, platformerrors.CodeNotFound, "reference not found")
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return platformerrors.Wrap(err, platformerrors.CodeNotFound, "remote repository is empty")
	case errors.Is(err, transport.ErrAuthenticationRequired):
		return platformerrors.Wrap(err, platformerrors.CodeUnauthorized, "authentication required")
	case errors.Is(err, transport.ErrAuthorizationFailed):
		return platformerrors.Wrap(err, platformerrors.CodeUnauthorized, "authorization failed")
	case errors.Is(err, gogit.ErrNonFastForwardUpdate):
		return platformerrors.Wrap(err, platformerrors.CodeConflict, "non-fast-forward update")
	case errors.Is(err, gogit.ErrWorktreeNotClean):
		return platformerrors.Wrap(err, platformerrors.CodeConflict, "worktree is not clean")
	case errors.Is(err, gogit.ErrMissingURL):
		return platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "URL is required")
	}

	return err
}
