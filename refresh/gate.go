package refresh

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

const cycleKey = "refresh"

// RunFunc runs one refresh cycle.
type RunFunc func(ctx context.Context) CycleOutcome

// Gate lets at most one refresh cycle run at a time. Callers arriving while
// a cycle is in flight wait for it and share its outcome instead of starting
// another one.
type Gate struct {
	group  singleflight.Group
	run    RunFunc
	logger *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the logger for the gate.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate creates a Gate around run.
func NewGate(run RunFunc, opts ...GateOption) *Gate {
	g := &Gate{
		run:    run,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Refresh runs a cycle or joins the one in flight. It returns the outcome
// and whether it was shared with other callers.
//
// The cycle runs on a context detached from the caller, so a caller giving
// up returns ctx.Err() while the cycle completes for everyone else.
func (g *Gate) Refresh(ctx context.Context) (CycleOutcome, bool, error) {
	ch := g.group.DoChan(cycleKey, func() (any, error) {
		return g.run(context.WithoutCancel(ctx)), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.logger.Debug("joined in-flight refresh cycle")
		}
		return res.Val.(CycleOutcome), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
