package poller

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/birdfund/settlement"
	"github.com/birdfund/settlement/store"
)

type fakeAdapter struct {
	provider settlement.Provider
	result   settlement.CheckResult
	err      error
	checks   int
	issued   int
}

func (f *fakeAdapter) Provider() settlement.Provider { return f.provider }

func (f *fakeAdapter) IssueRouting(ctx context.Context, intent *settlement.PaymentIntent) (settlement.Routing, error) {
	f.issued++
	return settlement.Routing{SettlementAddress: "0xdeposit"}, nil
}

func (f *fakeAdapter) CheckStatus(ctx context.Context, intent *settlement.PaymentIntent) (settlement.CheckResult, error) {
	f.checks++
	if f.err != nil {
		return settlement.CheckResult{}, f.err
	}
	return f.result, nil
}

type fakeTreasury struct {
	ref    string
	err    error
	sweeps int
}

func (f *fakeTreasury) Sweep(ctx context.Context, intent *settlement.PaymentIntent) (string, error) {
	f.sweeps++
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

func newTestChore(t *testing.T, adapter *fakeAdapter, treasury settlement.Treasury) (*Chore, *settlement.Lifecycle) {
	t.Helper()

	lifecycle := settlement.NewLifecycle(zaptest.NewLogger(t), store.NewMemory(), nil, settlement.DefaultConfig())
	lifecycle.RegisterAdapter(adapter)
	chore := NewChore(zaptest.NewLogger(t), lifecycle, treasury, Config{DisableLoop: true})
	return chore, lifecycle
}

func createAwaiting(t *testing.T, lifecycle *settlement.Lifecycle) *settlement.PaymentIntent {
	t.Helper()

	intent, err := lifecycle.CreateIntent(context.Background(), settlement.CreateRequest{
		Provider: settlement.ProviderBaseUSDC,
		Purpose:  settlement.PurposeRecipientSupport,
		Amount:   decimal.RequireFromString("25.00"),
		Currency: "USDC",
	})
	require.NoError(t, err)
	return intent
}

func TestRunOnceAdvancesIntent(t *testing.T) {
	adapter := &fakeAdapter{provider: settlement.ProviderBaseUSDC, result: settlement.Confirmed("0xabc", 12)}
	chore, lifecycle := newTestChore(t, adapter, nil)
	ctx := context.Background()

	intent := createAwaiting(t, lifecycle)
	chore.RunOnce(ctx)

	got, err := lifecycle.Store().Get(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusConfirmed, got.Status)
	require.Equal(t, "0xabc", got.TxReference)
	require.Equal(t, 1, adapter.checks)
}

func TestTransientAdapterErrorIsNotATransition(t *testing.T) {
	adapter := &fakeAdapter{provider: settlement.ProviderBaseUSDC, err: errs.New("rpc timeout")}
	chore, lifecycle := newTestChore(t, adapter, nil)
	ctx := context.Background()

	intent := createAwaiting(t, lifecycle)
	chore.RunOnce(ctx)
	chore.RunOnce(ctx)

	got, err := lifecycle.Store().Get(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusAwaitingPayment, got.Status)
	require.Equal(t, 2, adapter.checks)
}

func TestRunOnceReactivatesStuckIntent(t *testing.T) {
	adapter := &fakeAdapter{provider: settlement.ProviderBaseUSDC, result: settlement.NotFound()}
	chore, lifecycle := newTestChore(t, adapter, nil)
	ctx := context.Background()

	// Simulates a crash between intent creation and routing issuance.
	stuck := &settlement.PaymentIntent{
		ID:        uuid.New(),
		Provider:  settlement.ProviderBaseUSDC,
		Status:    settlement.StatusCreated,
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}
	require.NoError(t, lifecycle.Store().Create(ctx, stuck))

	chore.RunOnce(ctx)

	got, err := lifecycle.Store().Get(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusAwaitingPayment, got.Status)
	require.Equal(t, 1, adapter.issued)
}

func TestRunOnceSkipsFlaggedIntents(t *testing.T) {
	adapter := &fakeAdapter{provider: settlement.ProviderBaseUSDC, result: settlement.Confirmed("0xabc", 12)}
	chore, lifecycle := newTestChore(t, adapter, nil)
	ctx := context.Background()

	intent := createAwaiting(t, lifecycle)
	_, err := lifecycle.Store().Annotate(ctx, intent.ID, func(in *settlement.PaymentIntent) error {
		in.ReviewRequired = true
		in.ReviewReason = "transaction reference changed"
		return nil
	})
	require.NoError(t, err)

	chore.RunOnce(ctx)

	got, err := lifecycle.Store().Get(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusAwaitingPayment, got.Status)
	require.Equal(t, 0, adapter.checks)
}

func TestRunOnceSweepsEligibleIntents(t *testing.T) {
	adapter := &fakeAdapter{provider: settlement.ProviderBaseUSDC}
	treasury := &fakeTreasury{ref: "outflow-9"}
	chore, lifecycle := newTestChore(t, adapter, treasury)
	ctx := context.Background()

	eligible := sweepEligibleIntent()
	require.NoError(t, lifecycle.Store().Create(ctx, eligible))

	chore.RunOnce(ctx)

	got, err := lifecycle.Store().Get(ctx, eligible.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusSwept, got.Status)
	require.Equal(t, "outflow-9", got.SweepReference)
	require.Equal(t, 1, treasury.sweeps)
}

func TestSweepFailureRetriesNextCycle(t *testing.T) {
	adapter := &fakeAdapter{provider: settlement.ProviderBaseUSDC}
	treasury := &fakeTreasury{err: errs.New("treasury unavailable")}
	chore, lifecycle := newTestChore(t, adapter, treasury)
	ctx := context.Background()

	eligible := sweepEligibleIntent()
	require.NoError(t, lifecycle.Store().Create(ctx, eligible))

	chore.RunOnce(ctx)
	require.Equal(t, 1, treasury.sweeps)

	got, err := lifecycle.Store().Get(ctx, eligible.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusSweepEligible, got.Status)

	treasury.err = nil
	chore.RunOnce(ctx)

	got, err = lifecycle.Store().Get(ctx, eligible.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusSwept, got.Status)
}

func TestRunOnceWithoutTreasuryLeavesEligibleIntents(t *testing.T) {
	adapter := &fakeAdapter{provider: settlement.ProviderBaseUSDC}
	chore, lifecycle := newTestChore(t, adapter, nil)
	ctx := context.Background()

	eligible := sweepEligibleIntent()
	require.NoError(t, lifecycle.Store().Create(ctx, eligible))

	chore.RunOnce(ctx)

	got, err := lifecycle.Store().Get(ctx, eligible.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusSweepEligible, got.Status)
}

// sweepEligibleIntent fabricates an intent resting at SweepEligible with an
// anchored transaction, as the lifecycle would have left it.
func sweepEligibleIntent() *settlement.PaymentIntent {
	return &settlement.PaymentIntent{
		ID:          uuid.New(),
		Provider:    settlement.ProviderBaseUSDC,
		Status:      settlement.StatusSweepEligible,
		TxReference: "0xabc",
		ExpiresAt:   time.Now().Add(15 * time.Minute),
	}
}

func TestSingleFlight(t *testing.T) {
	inflight := newSingleFlight()
	id := uuid.New()

	require.True(t, inflight.TryAcquire(id))
	require.False(t, inflight.TryAcquire(id))

	inflight.Release(id)
	require.True(t, inflight.TryAcquire(id))
}

func TestHintSetDrains(t *testing.T) {
	hints := newHintSet()
	first, second := uuid.New(), uuid.New()

	hints.Add(first)
	hints.Add(second)
	hints.Add(first)

	drained := hints.Drain()
	require.Len(t, drained, 2)
	require.Contains(t, drained, first)
	require.Contains(t, drained, second)

	require.Empty(t, hints.Drain())
}

func TestHintedIntentCheckedFirst(t *testing.T) {
	adapter := &fakeAdapter{provider: settlement.ProviderBaseUSDC, result: settlement.NotFound()}
	chore, lifecycle := newTestChore(t, adapter, nil)
	ctx := context.Background()

	_ = createAwaiting(t, lifecycle)
	hinted := createAwaiting(t, lifecycle)

	chore.hints.Add(hinted.ID)
	chore.RunOnce(ctx)
	require.Equal(t, 2, adapter.checks)
}
