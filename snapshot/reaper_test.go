package snapshot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReaperRunOnce(t *testing.T) {
	var calls atomic.Int32
	r := NewReaper(func(context.Context) *SweepResult {
		calls.Add(1)
		return &SweepResult{Removed: 2}
	}, time.Hour, nil)

	result := r.RunOnce(context.Background())
	require.Equal(t, 2, result.Removed)
	require.Equal(t, int32(1), calls.Load())
}

func TestReaperNilResult(t *testing.T) {
	r := NewReaper(func(context.Context) *SweepResult { return nil }, time.Hour, nil)
	require.NotNil(t, r.RunOnce(context.Background()))
}

func TestReaperStartRunsImmediatelyAndStops(t *testing.T) {
	var calls atomic.Int32
	r := NewReaper(func(context.Context) *SweepResult {
		calls.Add(1)
		return &SweepResult{}
	}, 10*time.Millisecond, nil)

	r.Start(context.Background())
	r.Start(context.Background()) // second start is a no-op

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()

	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, stopped, calls.Load())
}

func TestReaperStopWithoutStart(t *testing.T) {
	r := NewReaper(func(context.Context) *SweepResult { return nil }, time.Hour, nil)
	r.Stop()
	r.Start(context.Background())
	r.Stop()
}
