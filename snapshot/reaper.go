package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inpertio/config-server/telemetry"
)

// DefaultReapInterval is how often orphan snapshots are swept by default.
const DefaultReapInterval = 10 * time.Minute

// SweepFunc performs one sweep. It is responsible for excluding concurrent
// materialization, see Store.Sweep.
type SweepFunc func(ctx context.Context) *SweepResult

// Reaper periodically removes snapshot directories that are no longer
// published, such as leftovers of failed cycles or of a previous process.
type Reaper struct {
	sweep    SweepFunc
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a reaper running sweep every interval.
func NewReaper(sweep SweepFunc, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reaper{
		sweep:    sweep,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background sweeps. The first sweep runs immediately.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stopped || r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop stops background sweeps and waits for an in-progress sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (r *Reaper) RunOnce(ctx context.Context) *SweepResult {
	result := r.sweep(ctx)
	if result == nil {
		return &SweepResult{}
	}

	telemetry.RecordReaperCycle(ctx, result.Removed, result.Duration)

	if result.Removed > 0 || result.Errors > 0 {
		r.logger.Info("orphan snapshot sweep complete",
			"removed", result.Removed,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	} else {
		r.logger.Debug("orphan snapshot sweep complete, nothing to remove")
	}
	return result
}
