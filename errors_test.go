package configserver

import (
	"errors"
	"fmt"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
)

func TestFailureMatchesKind(t *testing.T) {
	err := error(UnknownBranch("branch '%s' doesn't exist", "dev"))

	require.ErrorIs(t, err, ErrUnknownBranch)
	require.NotErrorIs(t, err, ErrUnknownPath)
	require.Equal(t, "branch 'dev' doesn't exist", err.Error())

	wrapped := fmt.Errorf("query: %w", UnknownPath("path '%s' doesn't exist in branch %s", "x.yml", "main"))
	f, ok := AsFailure(wrapped)
	require.True(t, ok)
	require.Equal(t, "path 'x.yml' doesn't exist in branch main", f.Reason)
	require.ErrorIs(t, wrapped, ErrUnknownPath)

	_, ok = AsFailure(errors.New("boom"))
	require.False(t, ok)
}

func TestRemoteUnreachable(t *testing.T) {
	cause := errors.New("connection refused")
	err := RemoteUnreachable("https://example.com/repo.git", cause)

	require.True(t, IsRemoteUnreachable(err))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "[NETWORK_ERROR]")
	require.False(t, IsRemoteUnreachable(cause))
}

func TestBranchSyncFailed(t *testing.T) {
	cause := errors.New("reference not found")
	err := BranchSyncFailed("dev", cause)

	require.Equal(t, platformerrors.CodeExecutionFailed, platformerrors.GetCode(err))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "failed cloning branch 'dev'")
}

func TestSnapshotMaterializeFailed(t *testing.T) {
	cause := errors.New("permission denied")
	err := SnapshotMaterializeFailed("main", "a1", cause)

	require.Equal(t, platformerrors.CodeExecutionFailed, platformerrors.GetCode(err))
	require.ErrorIs(t, err, cause)

	var pe platformerrors.PlatformError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, "main", pe.Context()["branch"])
	require.Equal(t, "a1", pe.Context()["commit"])
}
