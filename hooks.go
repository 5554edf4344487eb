package settlement

import (
	"context"
	"time"
)

// ============================================================================
// Lifecycle Hook Context Types
// ============================================================================

// LifecycleEvent is passed to lifecycle hooks when an intent reaches a state
// collaborators care about. The intent is a snapshot; mutating it has no
// effect on stored state.
type LifecycleEvent struct {
	Intent    PaymentIntent
	Previous  Status
	Timestamp time.Time
}

// ReviewEvent is passed to review hooks when an intent is frozen for operator
// inspection.
type ReviewEvent struct {
	Intent    PaymentIntent
	Reason    string
	Timestamp time.Time
}

// Hook types for lifecycle transitions.
type (
	OnConfirmedHook  func(ctx context.Context, evt LifecycleEvent)
	OnFailedHook     func(ctx context.Context, evt LifecycleEvent)
	OnExpiredHook    func(ctx context.Context, evt LifecycleEvent)
	OnSweptHook      func(ctx context.Context, evt LifecycleEvent)
	OnFlaggedHook    func(ctx context.Context, evt ReviewEvent)
	OnTransitionHook func(ctx context.Context, evt LifecycleEvent)
)

// Hooks fans lifecycle events out to registered observers. The core emits;
// delivery (notifications, email, webhooks) belongs to collaborators. Hooks
// run synchronously in registration order, so observers that perform I/O
// should hand off to their own goroutines.
type Hooks struct {
	onConfirmed  []OnConfirmedHook
	onFailed     []OnFailedHook
	onExpired    []OnExpiredHook
	onSwept      []OnSweptHook
	onFlagged    []OnFlaggedHook
	onTransition []OnTransitionHook
}

// NewHooks creates an empty hook registry.
func NewHooks() *Hooks {
	return &Hooks{}
}

// OnConfirmed registers a hook fired when an intent reaches Confirmed.
func (h *Hooks) OnConfirmed(hook OnConfirmedHook) *Hooks {
	h.onConfirmed = append(h.onConfirmed, hook)
	return h
}

// OnFailed registers a hook fired on provider-reported terminal failure.
func (h *Hooks) OnFailed(hook OnFailedHook) *Hooks {
	h.onFailed = append(h.onFailed, hook)
	return h
}

// OnExpired registers a hook fired when an abandoned intent expires.
func (h *Hooks) OnExpired(hook OnExpiredHook) *Hooks {
	h.onExpired = append(h.onExpired, hook)
	return h
}

// OnSwept registers a hook fired when funds reach treasury custody.
func (h *Hooks) OnSwept(hook OnSweptHook) *Hooks {
	h.onSwept = append(h.onSwept, hook)
	return h
}

// OnFlagged registers a hook fired when an intent is frozen for review.
func (h *Hooks) OnFlagged(hook OnFlaggedHook) *Hooks {
	h.onFlagged = append(h.onFlagged, hook)
	return h
}

// OnTransition registers a hook fired on every successful transition.
func (h *Hooks) OnTransition(hook OnTransitionHook) *Hooks {
	h.onTransition = append(h.onTransition, hook)
	return h
}

func (h *Hooks) emitTransition(ctx context.Context, intent *PaymentIntent, previous Status, now time.Time) {
	if h == nil {
		return
	}
	evt := LifecycleEvent{Intent: *intent.Clone(), Previous: previous, Timestamp: now}
	for _, hook := range h.onTransition {
		hook(ctx, evt)
	}
	switch intent.Status {
	case StatusConfirmed:
		for _, hook := range h.onConfirmed {
			hook(ctx, evt)
		}
	case StatusFailed:
		for _, hook := range h.onFailed {
			hook(ctx, evt)
		}
	case StatusExpired:
		for _, hook := range h.onExpired {
			hook(ctx, evt)
		}
	case StatusSwept:
		for _, hook := range h.onSwept {
			hook(ctx, evt)
		}
	}
}

func (h *Hooks) emitFlagged(ctx context.Context, intent *PaymentIntent, reason string, now time.Time) {
	if h == nil {
		return
	}
	evt := ReviewEvent{Intent: *intent.Clone(), Reason: reason, Timestamp: now}
	for _, hook := range h.onFlagged {
		hook(ctx, evt)
	}
}
