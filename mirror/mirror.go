// Package mirror keeps one local clone per branch in step with the remote.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"

	configserver "github.com/inpertio/config-server"
	"github.com/inpertio/config-server/telemetry"
	"github.com/inpertio/config-server/upstream"
)

// DefaultTimeout bounds a single pull or clone.
const DefaultTimeout = 2 * time.Minute

// Synchronizer updates branch mirrors, pulling when possible and cloning
// from scratch when the mirror is missing or cannot be fast-forwarded.
type Synchronizer struct {
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTimeout bounds each pull and each clone separately. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		s.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// New creates a Synchronizer.
func New(opts ...Option) *Synchronizer {
	s := &Synchronizer{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync brings the mirror in dir up to date with ref on the remote at uri and
// returns the commit id the mirror's working tree is at afterwards.
func (s *Synchronizer) Sync(ctx context.Context, ref configserver.BranchRef, uri, dir string) (string, error) {
	start := time.Now()
	logger := s.logger.With("branch", ref.Name, "dir", dir)

	commit, err := s.pull(ctx, ref, uri, dir)
	if err == nil {
		telemetry.RecordBranchSync(ctx, "pull", time.Since(start))
		logger.Debug("mirror pulled", "commit", commit)
		return commit, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		logger.Info("pull failed, cloning from scratch", "error", err)
	}

	commit, err = s.clone(ctx, ref, uri, dir)
	if err != nil {
		telemetry.RecordBranchSync(ctx, "failed", time.Since(start))
		return "", configserver.BranchSyncFailed(ref.Name, upstream.Classify(err))
	}

	telemetry.RecordBranchSync(ctx, "clone", time.Since(start))
	logger.Debug("mirror cloned", "commit", commit)
	return commit, nil
}

func (s *Synchronizer) pull(ctx context.Context, ref configserver.BranchRef, uri, dir string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}

	remote, err := repo.Remote(gogit.DefaultRemoteName)
	if err != nil {
		return "", fmt.Errorf("reading remote: %w", err)
	}
	if urls := remote.Config().URLs; len(urls) == 0 || urls[0] != uri {
		return "", fmt.Errorf("mirror tracks %v, want %s", urls, uri)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading head: %w", err)
	}
	refName := plumbing.ReferenceName(ref.UpstreamRef())
	if head.Name() != refName {
		return "", fmt.Errorf("mirror is on %s, want %s", head.Name(), refName)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = wt.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    gogit.DefaultRemoteName,
		ReferenceName: refName,
		SingleBranch:  true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("pulling: %w", err)
	}

	head, err = repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading head: %w", err)
	}
	return head.Hash().String(), nil
}

func (s *Synchronizer) clone(ctx context.Context, ref configserver.BranchRef, uri, dir string) (string, error) {
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("removing stale mirror: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating mirror directory: %w", err)
	}

	fs := osfs.New(dir)
	dotGit, err := fs.Chroot(gogit.GitDirName)
	if err != nil {
		return "", fmt.Errorf("scoping .git filesystem: %w", err)
	}
	storage := filesystem.NewStorage(dotGit, cache.NewObjectLRUDefault())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	repo, err := gogit.CloneContext(ctx, storage, fs, &gogit.CloneOptions{
		URL:           uri,
		RemoteName:    gogit.DefaultRemoteName,
		ReferenceName: plumbing.ReferenceName(ref.UpstreamRef()),
		SingleBranch:  true,
		Tags:          gogit.NoTags,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("cloning: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading head: %w", err)
	}
	return head.Hash().String(), nil
}

func (s *Synchronizer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// open opens the repository in dir. It returns an error wrapping
// os.ErrNotExist when dir holds no repository.
func open(dir string) (*gogit.Repository, error) {
	if _, err := os.Stat(filepath.Join(dir, gogit.GitDirName)); err != nil {
		return nil, err
	}

	fs := osfs.New(dir)
	dotGit, err := fs.Chroot(gogit.GitDirName)
	if err != nil {
		return nil, fmt.Errorf("scoping .git filesystem: %w", err)
	}
	storage := filesystem.NewStorage(dotGit, cache.NewObjectLRUDefault())

	repo, err := gogit.Open(storage, fs)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return repo, nil
}
