// Package refresh runs refresh cycles: list the remote, drop branches that
// vanished, then sync and publish every wanted branch.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	configserver "github.com/inpertio/config-server"
	"github.com/inpertio/config-server/branchcache"
	"github.com/inpertio/config-server/interest"
	"github.com/inpertio/config-server/snapshot"
	"github.com/inpertio/config-server/telemetry"
)

// Lister lists the branch heads of the remote.
type Lister interface {
	ListBranches(ctx context.Context, uri string) ([]configserver.BranchRef, error)
}

// Synchronizer brings one branch mirror up to date.
type Synchronizer interface {
	Sync(ctx context.Context, ref configserver.BranchRef, uri, dir string) (string, error)
}

// Pruner locates and removes branch mirrors.
type Pruner interface {
	Dir(branch string) string
	Prune(remote []configserver.BranchRef) []string
}

// Materializer turns a synced mirror into a snapshot directory.
type Materializer interface {
	Materialize(branch, commitID, mirrorDir string) (string, error)
	Sweep(live map[string]struct{}) *snapshot.SweepResult
}

// Recorder persists cycle outcomes.
type Recorder interface {
	RecordCycle(ctx context.Context, started time.Time, duration time.Duration, outcome CycleOutcome) error
}

// Config holds the collaborators of a Refresher.
type Config struct {
	RemoteURI    string
	Tracker      *interest.Tracker
	Cache        *branchcache.Cache
	Lister       Lister
	Synchronizer Synchronizer
	Mirrors      Pruner
	Snapshots    Materializer

	// Recorder is optional.
	Recorder Recorder

	// EvictRemoved evicts the cached snapshot of a wanted branch that
	// disappeared upstream. By default the last snapshot keeps being served.
	EvictRemoved bool

	Logger *slog.Logger
}

// Refresher runs refresh cycles. Cycles and sweeps never overlap.
type Refresher struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New creates a Refresher.
func New(cfg Config) (*Refresher, error) {
	switch {
	case cfg.RemoteURI == "":
		return nil, errors.New("remote URI is required")
	case cfg.Tracker == nil, cfg.Cache == nil:
		return nil, errors.New("tracker and cache are required")
	case cfg.Lister == nil, cfg.Synchronizer == nil, cfg.Mirrors == nil, cfg.Snapshots == nil:
		return nil, errors.New("lister, synchronizer, mirrors and snapshots are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Refresher{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
	}, nil
}

// Run performs one refresh cycle over the branches wanted at its start.
// Failures of individual branches are reported in the outcome and do not
// affect other branches; a listing failure aborts the cycle without touching
// any branch.
func (r *Refresher) Run(ctx context.Context) CycleOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.now()
	wanted := r.cfg.Tracker.Snapshot()

	outcome := r.run(ctx, wanted)
	duration := r.now().Sub(start)

	r.report(ctx, outcome, duration)
	if r.cfg.Recorder != nil {
		if err := r.cfg.Recorder.RecordCycle(ctx, start, duration, outcome); err != nil {
			r.logger.Warn("failed to record refresh cycle", "error", err)
		}
	}
	return outcome
}

func (r *Refresher) run(ctx context.Context, wanted []string) CycleOutcome {
	remote, err := r.cfg.Lister.ListBranches(ctx, r.cfg.RemoteURI)
	if err != nil {
		return ListingFailed{Reason: "failed to list available branches", Cause: err}
	}

	heads := make(map[string]configserver.BranchRef, len(remote))
	for _, ref := range remote {
		heads[ref.Name] = ref
	}

	var active, removed []string
	for _, branch := range wanted {
		if _, ok := heads[branch]; ok {
			active = append(active, branch)
			continue
		}
		removed = append(removed, branch)
		r.cfg.Tracker.Forget(branch)
		if r.cfg.EvictRemoved {
			r.cfg.Cache.Evict(branch)
		}
		r.logger.Info("wanted branch no longer exists upstream", "branch", branch)
	}

	r.cfg.Mirrors.Prune(remote)

	outcomes := make([]BranchOutcome, 0, len(active))
	for _, branch := range active {
		outcomes = append(outcomes, r.refreshBranch(ctx, heads[branch]))
	}

	return Completed{Wanted: wanted, Removed: removed, Outcomes: outcomes}
}

func (r *Refresher) refreshBranch(ctx context.Context, listed configserver.BranchRef) BranchOutcome {
	mirrorDir := r.cfg.Mirrors.Dir(listed.Name)

	commitID, err := r.cfg.Synchronizer.Sync(ctx, listed, r.cfg.RemoteURI, mirrorDir)
	if err != nil {
		return Failed{
			Branch: listed.Name,
			Reason: fmt.Sprintf("failed cloning branch '%s'", listed.Name),
			Cause:  err,
		}
	}

	ref := configserver.BranchRef{Name: listed.Name, CommitID: commitID, Upstream: listed.Upstream}
	status, err := r.cfg.Cache.Publish(ref, func() (string, error) {
		return r.cfg.Snapshots.Materialize(ref.Name, ref.CommitID, mirrorDir)
	})
	if err != nil {
		return Failed{
			Branch: listed.Name,
			Reason: fmt.Sprintf("failed to store content of branch '%s'", listed.Name),
			Cause:  err,
		}
	}
	return Updated{Ref: ref, Status: status}
}

func (r *Refresher) report(ctx context.Context, outcome CycleOutcome, duration time.Duration) {
	switch o := outcome.(type) {
	case ListingFailed:
		telemetry.RecordRefreshCycle(ctx, "listing_failed", duration)
		r.logger.Warn("refresh cycle aborted", "reason", o.Reason, "error", o.Cause, "duration", duration)
	case Completed:
		telemetry.RecordRefreshCycle(ctx, "completed", duration)
		for _, bo := range o.Outcomes {
			switch b := bo.(type) {
			case Updated:
				telemetry.RecordBranchRefresh(ctx, string(b.Status))
			case Failed:
				telemetry.RecordBranchRefresh(ctx, "failed")
				r.logger.Warn("branch refresh failed", "branch", b.Branch, "reason", b.Reason, "error", b.Cause)
			}
		}
		updated, failed := o.Counts()
		r.logger.Info("refresh cycle complete",
			"wanted", len(o.Wanted),
			"removed", len(o.Removed),
			"updated", updated,
			"failed", failed,
			"duration", duration,
		)
	}
}

// Sweep removes snapshot directories that no cache entry publishes. It runs
// between cycles so a snapshot being materialized is never mistaken for an
// orphan.
func (r *Refresher) Sweep(_ context.Context) *snapshot.SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cfg.Snapshots.Sweep(r.cfg.Cache.LiveDirs())
}
