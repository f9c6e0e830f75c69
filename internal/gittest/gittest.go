// Package gittest builds throwaway on-disk repositories that stand in for the
// configuration remote in tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

const (
	author = "Test User"
	email  = "test@example.com"
)

// RequireGit skips the test when the git binary, which go-git's file
// transport shells out to, is not installed.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// Remote is a non-bare repository used as a clone source.
type Remote struct {
	t    testing.TB
	Dir  string
	repo *gogit.Repository
}

// NewRemote initialises an empty repository in a temporary directory.
func NewRemote(t testing.TB) *Remote {
	t.Helper()
	RequireGit(t)

	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	return &Remote{t: t, Dir: dir, repo: repo}
}

// URI returns the address to clone the remote from.
func (r *Remote) URI() string {
	return r.Dir
}

// Commit writes files on branch and commits them, creating the branch from
// the current head when it does not exist yet. It returns the commit id.
func (r *Remote) Commit(branch string, files map[string]string) string {
	r.t.Helper()
	r.checkout(branch)

	wt, err := r.repo.Worktree()
	require.NoError(r.t, err)

	for name, content := range files {
		path := filepath.Join(r.Dir, filepath.FromSlash(name))
		require.NoError(r.t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(r.t, os.WriteFile(path, []byte(content), 0o644))
		_, err := wt.Add(filepath.ToSlash(name))
		require.NoError(r.t, err)
	}

	hash, err := wt.Commit("update "+branch, &gogit.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: email,
			When:  time.Now(),
		},
	})
	require.NoError(r.t, err)
	return hash.String()
}

// Remove deletes files on branch and commits the removal.
func (r *Remote) Remove(branch string, names ...string) string {
	r.t.Helper()
	r.checkout(branch)

	wt, err := r.repo.Worktree()
	require.NoError(r.t, err)

	for _, name := range names {
		_, err := wt.Remove(filepath.ToSlash(name))
		require.NoError(r.t, err)
	}

	hash, err := wt.Commit("remove from "+branch, &gogit.CommitOptions{
		Author: &object.Signature{Name: author, Email: email, When: time.Now()},
	})
	require.NoError(r.t, err)
	return hash.String()
}

// Reset points branch at commit, rewriting its history the way a force push
// would.
func (r *Remote) Reset(branch, commit string) {
	r.t.Helper()
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), plumbing.NewHash(commit))
	require.NoError(r.t, r.repo.Storer.SetReference(ref))

	head, err := r.repo.Head()
	if err == nil && head.Name() == ref.Name() {
		wt, err := r.repo.Worktree()
		require.NoError(r.t, err)
		require.NoError(r.t, wt.Reset(&gogit.ResetOptions{Commit: ref.Hash(), Mode: gogit.HardReset}))
	}
}

// DeleteBranch removes branch from the remote.
func (r *Remote) DeleteBranch(branch string) {
	r.t.Helper()
	require.NoError(r.t, r.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(branch)))
}

// Tag creates a lightweight tag at commit.
func (r *Remote) Tag(name, commit string) {
	r.t.Helper()
	_, err := r.repo.CreateTag(name, plumbing.NewHash(commit), nil)
	require.NoError(r.t, err)
}

func (r *Remote) checkout(branch string) {
	ref := plumbing.NewBranchReferenceName(branch)

	head, err := r.repo.Head()
	if err != nil {
		// Unborn repository: the first commit lands on branch.
		require.NoError(r.t, r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, ref)))
		return
	}
	if head.Name() == ref {
		return
	}

	wt, err := r.repo.Worktree()
	require.NoError(r.t, err)

	_, err = r.repo.Reference(ref, false)
	create := err != nil
	require.NoError(r.t, wt.Checkout(&gogit.CheckoutOptions{
		Branch: ref,
		Create: create,
		Force:  true,
	}))
}
