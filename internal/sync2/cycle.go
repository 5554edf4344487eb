// Package sync2 provides a controllable recurring event loop used by the
// poller chore and the rate limiter's cleanup sweep.
package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle implements a controllable recurring event.
//
// Run executes the callback immediately and then once per interval until the
// context is canceled or Close is called. Trigger and TriggerWait force an
// extra execution between ticks, which tests use to step a loop
// deterministically instead of sleeping.
type Cycle struct {
	interval time.Duration

	control chan cycleTrigger
	quit    chan struct{}

	initOnce  sync.Once
	closeOnce sync.Once
}

type cycleTrigger struct {
	done chan struct{}
}

// NewCycle creates a cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

// SetInterval changes the interval. Must be called before Run.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) initialize() {
	cycle.initOnce.Do(func() {
		cycle.control = make(chan cycleTrigger)
		cycle.quit = make(chan struct{})
	})
}

// Run executes fn immediately and then on every tick. It returns the first
// error fn returns, nil after Close, or the context error after cancellation.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()

	ticker := time.NewTicker(cycle.interval)
	defer ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cycle.quit:
			return nil
		case trigger := <-cycle.control:
			err := fn(ctx)
			close(trigger.done)
			if err != nil {
				return err
			}
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// Trigger requests an extra execution without waiting for it. It is a no-op
// when the loop has stopped.
func (cycle *Cycle) Trigger() {
	cycle.initialize()
	trigger := cycleTrigger{done: make(chan struct{})}
	select {
	case cycle.control <- trigger:
	case <-cycle.quit:
	}
}

// TriggerWait requests an extra execution and waits for it to finish.
func (cycle *Cycle) TriggerWait(ctx context.Context) error {
	cycle.initialize()
	trigger := cycleTrigger{done: make(chan struct{})}
	select {
	case cycle.control <- trigger:
	case <-cycle.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-trigger.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop. Safe to call multiple times.
func (cycle *Cycle) Close() {
	cycle.initialize()
	cycle.closeOnce.Do(func() {
		close(cycle.quit)
	})
}
