package sync2

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCycleRunsImmediately(t *testing.T) {
	cycle := NewCycle(time.Hour)
	defer cycle.Close()

	ran := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = cycle.Run(ctx, func(ctx context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		})
	}()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not run its first iteration")
	}
}

func TestCycleTriggerForcesRun(t *testing.T) {
	cycle := NewCycle(time.Hour)
	defer cycle.Close()

	var runs atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cycle.Run(ctx, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, cycle.TriggerWait(ctx))
	require.GreaterOrEqual(t, runs.Load(), int64(2))

	cancel()
	<-done
}

func TestCycleCloseStopsRun(t *testing.T) {
	cycle := NewCycle(time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cycle.Run(context.Background(), func(ctx context.Context) error {
			return nil
		})
	}()

	cycle.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not stop after Close")
	}

	// Close is idempotent.
	cycle.Close()
}

func TestCycleStopsOnContextCancel(t *testing.T) {
	cycle := NewCycle(time.Hour)
	defer cycle.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cycle.Run(ctx, func(ctx context.Context) error {
			return nil
		})
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not stop after context cancel")
	}
}
