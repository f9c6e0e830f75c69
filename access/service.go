// Package access is the entry point for reading branch content. It records
// interest, serves published snapshots without touching the network, and
// refreshes on a miss.
package access

import (
	"context"
	"errors"
	"log/slog"

	configserver "github.com/inpertio/config-server"
	"github.com/inpertio/config-server/branchcache"
	"github.com/inpertio/config-server/interest"
	"github.com/inpertio/config-server/refresh"
	"github.com/inpertio/config-server/telemetry"
)

// errSnapshotMissing marks a published entry whose directory was removed
// from outside; the branch is treated as not published.
var errSnapshotMissing = errors.New("snapshot directory missing")

// Action reads a branch snapshot. rootDir must not be used after the action
// returns.
type Action func(commitID, rootDir string) error

// Refresher runs or joins a refresh cycle.
type Refresher interface {
	Refresh(ctx context.Context) (refresh.CycleOutcome, bool, error)
}

// Service gives callers consistent access to branch snapshots.
type Service struct {
	tracker   *interest.Tracker
	cache     *branchcache.Cache
	refresher Refresher
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a Service.
func New(tracker *interest.Tracker, cache *branchcache.Cache, refresher Refresher, opts ...Option) *Service {
	s := &Service{
		tracker:   tracker,
		cache:     cache,
		refresher: refresher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithBranch runs action against the published snapshot of branch while the
// snapshot is guaranteed to stay in place. If the branch is not published
// yet, a refresh cycle runs first. It reports false when the branch is not
// available even after refreshing; action's error is returned as is.
func (s *Service) WithBranch(ctx context.Context, branch string, action Action) (bool, error) {
	if err := configserver.ValidateBranchName(branch); err != nil {
		s.logger.Debug("rejecting branch name", "branch", branch, "error", err)
		return false, nil
	}

	s.tracker.MarkWanted(branch)

	if found, err := s.tryBranch(ctx, branch, action); found {
		telemetry.RecordBranchLookup(ctx, telemetry.CacheHit)
		return true, err
	}
	telemetry.RecordBranchLookup(ctx, telemetry.CacheMiss)

	outcome, _, err := s.refresher.Refresh(ctx)
	if err != nil {
		return false, err
	}

	// A cycle joined in flight may have started before this branch was
	// wanted; run one that includes it.
	if completed, ok := outcome.(refresh.Completed); ok && !completed.Considered(branch) {
		if _, _, err := s.refresher.Refresh(ctx); err != nil {
			return false, err
		}
	}

	return s.tryBranch(ctx, branch, action)
}

func (s *Service) tryBranch(ctx context.Context, branch string, action Action) (bool, error) {
	for {
		entry, ok := s.cache.Lookup(branch)
		if !ok {
			return false, nil
		}
		err := entry.WithReadLock(func(commitID, rootDir string) error {
			if !entry.Present() {
				return errSnapshotMissing
			}
			telemetry.TagBranch(ctx, branch, commitID)
			return action(commitID, rootDir)
		})
		switch {
		case errors.Is(err, branchcache.ErrRetired):
			continue
		case errors.Is(err, errSnapshotMissing):
			s.logger.Warn("published snapshot is missing", "branch", branch, "dir", entry.Dir)
			return false, nil
		}
		return true, err
	}
}

// Reader runs actions against branch snapshots. *Service implements it.
type Reader interface {
	WithBranch(ctx context.Context, branch string, action Action) (bool, error)
}

// Query runs fn against branch through r and returns its value. found is
// false when the branch is not available; the zero T is returned then.
func Query[T any](ctx context.Context, r Reader, branch string, fn func(commitID, rootDir string) (T, error)) (T, bool, error) {
	var result T
	found, err := r.WithBranch(ctx, branch, func(commitID, rootDir string) error {
		v, err := fn(commitID, rootDir)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil || !found {
		var zero T
		return zero, found, err
	}
	return result, true, nil
}
