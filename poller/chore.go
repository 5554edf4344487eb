// Package poller reconciles provider state with intent state on a recurring
// cycle. Each pass selects active intents, groups them by provider, queries
// the matching adapter and advances the state machine through guarded
// conditional writes. Crash recovery is free: no in-memory progress is
// load-bearing, so the next pass reaches the same end state from persisted
// intent state alone.
package poller

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/birdfund/settlement"
	"github.com/birdfund/settlement/internal/sync2"
)

// Error is the poller chore error class.
var Error = errs.Class("poller")

// Config stores the poller tunables.
type Config struct {
	// Interval between reconciliation passes.
	Interval time.Duration
	// CheckTimeout bounds a single adapter call. A timed-out call is a
	// transient failure retried next cycle, never a state transition.
	CheckTimeout time.Duration
	// DisableLoop skips passes, for deployments that trigger manually.
	DisableLoop bool
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Second,
		CheckTimeout: 15 * time.Second,
	}
}

// Chore drives payment intents toward finality.
type Chore struct {
	log       *zap.Logger
	lifecycle *settlement.Lifecycle
	store     settlement.IntentStore
	treasury  settlement.Treasury
	cfg       Config

	Cycle    *sync2.Cycle
	inflight *singleFlight
	hints    *hintSet
}

// NewChore creates the poller chore. treasury may be nil; sweep execution is
// then skipped and intents rest at SweepEligible.
func NewChore(log *zap.Logger, lifecycle *settlement.Lifecycle, treasury settlement.Treasury, cfg Config) *Chore {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	return &Chore{
		log:       log,
		lifecycle: lifecycle,
		store:     lifecycle.Store(),
		treasury:  treasury,
		cfg:       cfg,
		Cycle:     sync2.NewCycle(cfg.Interval),
		inflight:  newSingleFlight(),
		hints:     newHintSet(),
	}
}

// Run runs the reconciliation loop until the context is canceled or Close is
// called. Transient failures inside a pass are logged and retried; they never
// stop the loop.
func (chore *Chore) Run(ctx context.Context) error {
	return chore.Cycle.Run(ctx, func(ctx context.Context) error {
		if chore.cfg.DisableLoop {
			chore.log.Debug("skipping pass, loop is disabled")
			return nil
		}
		chore.RunOnce(ctx)
		return nil
	})
}

// Close stops the loop.
func (chore *Chore) Close() {
	chore.Cycle.Close()
}

// Hint asks the poller to check an intent on its next pass, ahead of the rest
// of the working set. Wallet callbacks use this to short-circuit the wait;
// the adapter is still consulted before any transition.
func (chore *Chore) Hint(id uuid.UUID) {
	chore.hints.Add(id)
	go chore.Cycle.Trigger()
}

// RunOnce executes a single reconciliation pass. Intents sharing a provider
// are checked sequentially by one goroutine so each provider sees at most one
// batch of calls per pass; providers run concurrently.
func (chore *Chore) RunOnce(ctx context.Context) {
	active, err := chore.store.ListActive(ctx)
	if err != nil {
		chore.log.Error("unable to list active intents", zap.Error(Error.Wrap(err)))
		return
	}

	hinted := chore.hints.Drain()
	buckets := make(map[settlement.Provider][]*settlement.PaymentIntent)
	for _, intent := range active {
		if _, ok := hinted[intent.ID]; ok {
			// Hinted intents go to the front of their provider's batch.
			buckets[intent.Provider] = append([]*settlement.PaymentIntent{intent}, buckets[intent.Provider]...)
		} else {
			buckets[intent.Provider] = append(buckets[intent.Provider], intent)
		}
	}

	var group errgroup.Group
	for provider, intents := range buckets {
		group.Go(func() error {
			chore.checkProvider(ctx, provider, intents)
			return nil
		})
	}
	_ = group.Wait()
}

func (chore *Chore) checkProvider(ctx context.Context, provider settlement.Provider, intents []*settlement.PaymentIntent) {
	adapter, ok := chore.lifecycle.Adapter(provider)
	if !ok {
		chore.log.Warn("no adapter registered, skipping provider", zap.String("provider", string(provider)))
		return
	}
	for _, intent := range intents {
		if ctx.Err() != nil {
			return
		}
		chore.checkIntent(ctx, adapter, intent)
	}
}

func (chore *Chore) checkIntent(ctx context.Context, adapter settlement.Adapter, listed *settlement.PaymentIntent) {
	if !chore.inflight.TryAcquire(listed.ID) {
		// An overlapping pass is already on it.
		return
	}
	defer chore.inflight.Release(listed.ID)

	// Re-read persisted state; another cycle or an admin action may have
	// advanced the intent since it was listed.
	intent, err := chore.store.Get(ctx, listed.ID)
	if err != nil {
		chore.log.Error("unable to load intent", zap.Stringer("intent", listed.ID), zap.Error(Error.Wrap(err)))
		return
	}
	if intent.Status.Terminal() || intent.ReviewRequired {
		return
	}

	// Time-based conditions first: expiry for unobserved intents, sweep
	// eligibility for confirmed ones.
	intent, err = chore.lifecycle.ApplyClock(ctx, intent)
	if err != nil {
		chore.logTransitionErr(intent.ID, err)
		return
	}
	if intent.Status.Terminal() {
		return
	}

	switch intent.Status {
	case settlement.StatusCreated:
		// Routing issuance did not complete before a crash; re-activate.
		if _, err := chore.lifecycle.ActivateRouting(ctx, intent.ID); err != nil {
			chore.log.Warn("routing activation failed, retrying next cycle",
				zap.Stringer("intent", intent.ID), zap.Error(Error.Wrap(err)))
		}

	case settlement.StatusAwaitingPayment, settlement.StatusOnchainConfirming:
		checkCtx, cancel := context.WithTimeout(ctx, chore.cfg.CheckTimeout)
		res, err := adapter.CheckStatus(checkCtx, intent)
		cancel()
		if err != nil {
			// Transient adapter failure: logged, retried next cycle, never a
			// state transition.
			chore.log.Debug("adapter check failed, retrying next cycle",
				zap.Stringer("intent", intent.ID),
				zap.String("provider", string(intent.Provider)),
				zap.Error(err))
			return
		}
		if _, err := chore.lifecycle.ApplyCheck(ctx, intent, res); err != nil {
			chore.logTransitionErr(intent.ID, err)
		}

	case settlement.StatusSweepEligible:
		chore.sweep(ctx, intent)
	}
}

func (chore *Chore) sweep(ctx context.Context, intent *settlement.PaymentIntent) {
	if chore.treasury == nil {
		return
	}
	outflowRef, err := chore.treasury.Sweep(ctx, intent)
	if err != nil {
		chore.log.Warn("treasury sweep failed, retrying next cycle",
			zap.Stringer("intent", intent.ID), zap.Error(Error.Wrap(err)))
		return
	}
	if _, err := chore.lifecycle.RecordSweep(ctx, intent.ID, outflowRef); err != nil {
		chore.logTransitionErr(intent.ID, err)
	}
}

func (chore *Chore) logTransitionErr(id uuid.UUID, err error) {
	if settlement.ErrStale.Has(err) {
		// A racing cycle or admin action won the conditional write.
		chore.log.Debug("transition lost conditional write", zap.Stringer("intent", id))
		return
	}
	chore.log.Error("transition failed", zap.Stringer("intent", id), zap.Error(Error.Wrap(err)))
}
