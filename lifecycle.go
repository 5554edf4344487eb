package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the settlement package error class.
var Error = errs.Class("settlement")

// ErrStale is returned by IntentStore.Transition when the intent is no longer
// in the expected prior state. Racing poll cycles and admin actions resolve
// through this: exactly one conditional write prevails.
var ErrStale = errs.Class("stale transition")

// Transition triggers. The machine below is the single definition of the
// lifecycle graph; nothing outside this file may move an intent between
// states.
type trigger string

const (
	triggerRouteIssued         trigger = "route-issued"
	triggerPaymentDetected     trigger = "payment-detected"
	triggerFinalityReached     trigger = "finality-reached"
	triggerInvoiceIssued       trigger = "invoice-issued"
	triggerCompleted           trigger = "completed"
	triggerRefundWindowElapsed trigger = "refund-window-elapsed"
	triggerSwept               trigger = "swept"
	triggerProviderFailed      trigger = "provider-failed"
	triggerCanceled            trigger = "canceled"
	triggerRefunded            trigger = "refunded"
	triggerExpired             trigger = "expired"
)

// nonTerminalStates are every state the side branches (Failed, Canceled,
// Refunded, Expired) are reachable from.
var nonTerminalStates = []Status{
	StatusCreated,
	StatusAwaitingPayment,
	StatusOnchainConfirming,
	StatusConfirmed,
	StatusInvoiceIssued,
	StatusCompleted,
	StatusSweepEligible,
}

// newMachine builds the lifecycle graph seeded with the intent's current
// status. A machine is constructed per transition attempt; persisted status
// is the only long-lived state.
func newMachine(current Status) *stateless.StateMachine {
	m := stateless.NewStateMachine(current)

	m.Configure(StatusCreated).
		Permit(triggerRouteIssued, StatusAwaitingPayment)

	m.Configure(StatusAwaitingPayment).
		Permit(triggerPaymentDetected, StatusOnchainConfirming)

	m.Configure(StatusOnchainConfirming).
		Permit(triggerFinalityReached, StatusConfirmed)

	m.Configure(StatusConfirmed).
		Permit(triggerInvoiceIssued, StatusInvoiceIssued).
		Permit(triggerRefundWindowElapsed, StatusSweepEligible)

	m.Configure(StatusInvoiceIssued).
		Permit(triggerCompleted, StatusCompleted)

	m.Configure(StatusCompleted).
		Permit(triggerRefundWindowElapsed, StatusSweepEligible)

	m.Configure(StatusSweepEligible).
		Permit(triggerSwept, StatusSwept)

	for _, state := range nonTerminalStates {
		m.Configure(state).
			Permit(triggerProviderFailed, StatusFailed).
			Permit(triggerCanceled, StatusCanceled).
			Permit(triggerRefunded, StatusRefunded).
			Permit(triggerExpired, StatusExpired)
	}

	return m
}

// nextStatus resolves a trigger against the graph without side effects.
func nextStatus(from Status, trg trigger) (Status, error) {
	m := newMachine(from)
	if err := m.Fire(trg); err != nil {
		return "", Error.Wrap(fmt.Errorf("trigger %q not permitted from %q: %w", trg, from, err))
	}
	return m.MustState().(Status), nil
}

// CreateRequest carries the collaborator-supplied fields of a new intent.
type CreateRequest struct {
	Provider Provider
	Purpose  Purpose
	Amount   decimal.Decimal
	Currency string

	// PayerWallet, when set for on-chain providers, is inspected for the gas
	// sponsorship decision.
	PayerWallet string
}

// Config holds the externally tunable lifecycle parameters.
type Config struct {
	RefundWindow time.Duration
	Providers    map[Provider]ProviderParams
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		RefundWindow: DefaultRefundWindow,
		Providers:    DefaultProviderParams(),
	}
}

// Lifecycle owns every intent state transition. All writes go through the
// store's conditional transition, so concurrent poll cycles and admin actions
// cannot both apply; the loser observes ErrStale and re-reads.
type Lifecycle struct {
	log      *zap.Logger
	store    IntentStore
	hooks    *Hooks
	adapters map[Provider]Adapter
	sponsor  *Sponsorship
	cfg      Config

	nowFn func() time.Time
}

// NewLifecycle creates the lifecycle service.
func NewLifecycle(log *zap.Logger, store IntentStore, hooks *Hooks, cfg Config) *Lifecycle {
	if cfg.RefundWindow <= 0 {
		cfg.RefundWindow = DefaultRefundWindow
	}
	if cfg.Providers == nil {
		cfg.Providers = DefaultProviderParams()
	}
	return &Lifecycle{
		log:      log,
		store:    store,
		hooks:    hooks,
		adapters: make(map[Provider]Adapter),
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

// RegisterAdapter registers a provider adapter.
func (l *Lifecycle) RegisterAdapter(adapter Adapter) *Lifecycle {
	l.adapters[adapter.Provider()] = adapter
	return l
}

// WithSponsorship enables gas sponsorship decisioning at intent creation.
func (l *Lifecycle) WithSponsorship(s *Sponsorship) *Lifecycle {
	l.sponsor = s
	return l
}

// TestSetNow allows tests to act as if the current time is whatever they want.
func (l *Lifecycle) TestSetNow(nowFn func() time.Time) {
	l.nowFn = nowFn
}

// Adapter returns the registered adapter for a provider.
func (l *Lifecycle) Adapter(p Provider) (Adapter, bool) {
	adapter, ok := l.adapters[p]
	return adapter, ok
}

// Store returns the intent store.
func (l *Lifecycle) Store() IntentStore { return l.store }

// RefundWindow returns the configured refund window.
func (l *Lifecycle) RefundWindow() time.Duration { return l.cfg.RefundWindow }

func (l *Lifecycle) params(p Provider) ProviderParams {
	if params, ok := l.cfg.Providers[p]; ok {
		return params
	}
	return DefaultProviderParams()[p]
}

// CreateIntent creates a new intent and immediately issues routing for it,
// leaving it in AwaitingPayment. Creation of the intent record and routing
// issuance are separate steps so a crash between them is recoverable: an
// intent stuck in Created is re-activated by ActivateRouting on the next
// attempt.
func (l *Lifecycle) CreateIntent(ctx context.Context, req CreateRequest) (*PaymentIntent, error) {
	if _, ok := l.adapters[req.Provider]; !ok {
		return nil, NewPaymentError(ErrCodeInvalidProvider, fmt.Sprintf("no adapter registered for provider %q", req.Provider), nil)
	}
	if !req.Amount.IsPositive() {
		return nil, NewPaymentError(ErrCodeInvalidAmount, "amount must be positive", nil)
	}

	now := l.nowFn()
	intent := &PaymentIntent{
		ID:        uuid.New(),
		Provider:  req.Provider,
		Purpose:   req.Purpose,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    StatusCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(l.params(req.Provider).Expiry),
	}

	if l.sponsor != nil && req.Provider.OnChain() && req.PayerWallet != "" {
		decision, err := l.sponsor.Decide(ctx, req.PayerWallet)
		if err != nil {
			// Sponsorship is additive; an unreachable balance source must not
			// block payment creation.
			l.log.Warn("gas sponsorship decision failed, proceeding unsponsored",
				zap.String("payerWallet", req.PayerWallet), zap.Error(err))
		} else if decision.Sponsor {
			intent.GasSponsored = true
			intent.SponsorFee = decision.FlatFee
			intent.Amount = req.Amount.Add(decision.FlatFee)
		}
	}

	if err := l.store.Create(ctx, intent); err != nil {
		return nil, Error.Wrap(err)
	}

	return l.ActivateRouting(ctx, intent.ID)
}

// ActivateRouting generates routing information and moves the intent from
// Created to AwaitingPayment. Idempotent: re-invoking for an intent that
// already left Created returns it unchanged without regenerating routing.
func (l *Lifecycle) ActivateRouting(ctx context.Context, id uuid.UUID) (*PaymentIntent, error) {
	intent, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.Status != StatusCreated {
		return intent, nil
	}

	adapter, ok := l.adapters[intent.Provider]
	if !ok {
		return nil, NewPaymentError(ErrCodeInvalidProvider, fmt.Sprintf("no adapter registered for provider %q", intent.Provider), nil)
	}

	routing, err := adapter.IssueRouting(ctx, intent)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	updated, err := l.transition(ctx, intent, triggerRouteIssued, func(in *PaymentIntent) error {
		in.SettlementAddress = routing.SettlementAddress
		in.DestinationAccount = routing.DestinationAccount
		in.DerivationIndex = routing.DerivationIndex
		if !routing.Amount.IsZero() {
			in.Amount = routing.Amount
		}
		return nil
	})
	if ErrStale.Has(err) {
		// Lost the race to another activation; routing was already persisted.
		return l.store.Get(ctx, id)
	}
	return updated, err
}

// ApplyCheck reconciles one adapter result into the intent's state machine.
// It is idempotent: re-applying an identical result leaves the intent where
// it is. Flagged and terminal intents are left untouched.
func (l *Lifecycle) ApplyCheck(ctx context.Context, intent *PaymentIntent, res CheckResult) (*PaymentIntent, error) {
	if intent.Status.Terminal() || intent.ReviewRequired {
		return intent, nil
	}

	switch res.State {
	case CheckNotFound:
		// Nothing observed; only the clock can move the intent.
		return l.ApplyClock(ctx, intent)

	case CheckFailed:
		return l.transition(ctx, intent, triggerProviderFailed, func(in *PaymentIntent) error {
			in.FailureReason = res.FailureReason
			return nil
		})

	case CheckPending, CheckConfirmed:
		return l.applyObservation(ctx, intent, res)
	}

	return intent, nil
}

func (l *Lifecycle) applyObservation(ctx context.Context, intent *PaymentIntent, res CheckResult) (*PaymentIntent, error) {
	// The transaction reference is the idempotency anchor; a provider
	// reporting a different one for the same intent is a data anomaly, not a
	// state to adopt.
	if intent.TxReference != "" && res.TxReference != "" && res.TxReference != intent.TxReference {
		return l.flag(ctx, intent, fmt.Sprintf("transaction reference changed from %s to %s", intent.TxReference, res.TxReference))
	}

	if intent.Status == StatusAwaitingPayment {
		if res.TxReference == "" {
			// Observed but unanchored; wait for the provider to surface the
			// transaction id before entering the confirming state.
			return intent, nil
		}
		updated, err := l.transition(ctx, intent, triggerPaymentDetected, func(in *PaymentIntent) error {
			in.TxReference = res.TxReference
			in.Confirmations = res.Confirmations
			return nil
		})
		if err != nil {
			return intent, err
		}
		intent = updated
	}

	if intent.Status != StatusOnchainConfirming {
		return intent, nil
	}

	if res.Confirmations < intent.Confirmations {
		return l.flag(ctx, intent, fmt.Sprintf("confirmations regressed from %d to %d", intent.Confirmations, res.Confirmations))
	}

	required := l.params(intent.Provider).RequiredConfirmations
	if res.State == CheckConfirmed || res.Confirmations >= required {
		return l.transition(ctx, intent, triggerFinalityReached, func(in *PaymentIntent) error {
			now := l.nowFn()
			in.Confirmations = res.Confirmations
			in.ConfirmedAt = &now
			eligible := now.Add(l.cfg.RefundWindow)
			in.SweepEligibleAt = &eligible
			return nil
		})
	}

	if res.Confirmations > intent.Confirmations {
		return l.store.Annotate(ctx, intent.ID, func(in *PaymentIntent) error {
			if res.Confirmations > in.Confirmations {
				in.Confirmations = res.Confirmations
			}
			return nil
		})
	}
	return intent, nil
}

// ApplyClock applies purely time-based transitions: expiry of unobserved
// intents and sweep eligibility once the refund window elapses. The poller
// re-checks these conditions every pass; none of them fire on a schedule of
// their own.
func (l *Lifecycle) ApplyClock(ctx context.Context, intent *PaymentIntent) (*PaymentIntent, error) {
	if intent.Status.Terminal() || intent.ReviewRequired {
		return intent, nil
	}

	now := l.nowFn()
	if intent.Expirable(now) {
		return l.transition(ctx, intent, triggerExpired, nil)
	}

	if intent.Status == StatusConfirmed || intent.Status == StatusCompleted {
		if intent.SweepEligibleAt != nil && !now.Before(*intent.SweepEligibleAt) {
			return l.transition(ctx, intent, triggerRefundWindowElapsed, nil)
		}
	}
	return intent, nil
}

// MarkInvoiceIssued records that the order flow issued an invoice for a
// confirmed payment.
func (l *Lifecycle) MarkInvoiceIssued(ctx context.Context, id uuid.UUID) (*PaymentIntent, error) {
	return l.fire(ctx, id, triggerInvoiceIssued, nil)
}

// MarkCompleted records order-flow completion of an invoiced payment.
func (l *Lifecycle) MarkCompleted(ctx context.Context, id uuid.UUID) (*PaymentIntent, error) {
	return l.fire(ctx, id, triggerCompleted, nil)
}

// Cancel cancels a non-terminal intent.
func (l *Lifecycle) Cancel(ctx context.Context, id uuid.UUID) (*PaymentIntent, error) {
	intent, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.Status.Terminal() {
		return nil, NewPaymentError(ErrCodeIntentTerminal, fmt.Sprintf("intent is already %s", intent.Status), nil)
	}
	return l.transition(ctx, intent, triggerCanceled, nil)
}

// MarkRefunded records a refund against the original intent. Only valid
// before sweep; after custody transfer a refund is a separate treasury
// outflow, never a mutation of this intent.
func (l *Lifecycle) MarkRefunded(ctx context.Context, id uuid.UUID) (*PaymentIntent, error) {
	intent, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.Status == StatusSwept {
		return nil, NewPaymentError(ErrCodeIntentNotRefundable, "funds already swept to treasury; issue a treasury outflow instead", nil)
	}
	if intent.Status.Terminal() {
		return nil, NewPaymentError(ErrCodeIntentTerminal, fmt.Sprintf("intent is already %s", intent.Status), nil)
	}
	return l.transition(ctx, intent, triggerRefunded, nil)
}

// RecordSweep moves a sweep-eligible intent to Swept after the treasury
// outflow completed.
func (l *Lifecycle) RecordSweep(ctx context.Context, id uuid.UUID, outflowRef string) (*PaymentIntent, error) {
	return l.fire(ctx, id, triggerSwept, func(in *PaymentIntent) error {
		now := l.nowFn()
		in.SweptAt = &now
		in.SweepReference = outflowRef
		return nil
	})
}

func (l *Lifecycle) fire(ctx context.Context, id uuid.UUID, trg trigger, apply func(*PaymentIntent) error) (*PaymentIntent, error) {
	intent, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.transition(ctx, intent, trg, apply)
}

// transition resolves the trigger against the graph and applies it as one
// conditional write keyed on the prior status.
func (l *Lifecycle) transition(ctx context.Context, intent *PaymentIntent, trg trigger, apply func(*PaymentIntent) error) (*PaymentIntent, error) {
	from := intent.Status
	to, err := nextStatus(from, trg)
	if err != nil {
		return nil, err
	}

	updated, err := l.store.Transition(ctx, intent.ID, from, func(in *PaymentIntent) error {
		if apply != nil {
			if err := apply(in); err != nil {
				return err
			}
		}
		in.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("intent transitioned",
		zap.Stringer("intent", intent.ID),
		zap.String("provider", string(updated.Provider)),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	l.hooks.emitTransition(ctx, updated, from, l.nowFn())
	return updated, nil
}

// flag freezes an intent for operator review without changing its state.
func (l *Lifecycle) flag(ctx context.Context, intent *PaymentIntent, reason string) (*PaymentIntent, error) {
	updated, err := l.store.Annotate(ctx, intent.ID, func(in *PaymentIntent) error {
		in.ReviewRequired = true
		in.ReviewReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Warn("intent flagged for review",
		zap.Stringer("intent", intent.ID),
		zap.String("reason", reason))
	l.hooks.emitFlagged(ctx, updated, reason, l.nowFn())
	return updated, nil
}
