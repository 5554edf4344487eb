package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/birdfund/settlement"
)

func TestDecideSponsorship(t *testing.T) {
	cfg := settlement.SponsorshipConfig{
		Enabled:    true,
		MinBalance: decimal.RequireFromString("0.001"),
		FlatFee:    decimal.RequireFromString("0.25"),
	}

	t.Run("below threshold sponsors", func(t *testing.T) {
		decision := settlement.DecideSponsorship(cfg, decimal.RequireFromString("0.0001"))
		require.True(t, decision.Sponsor)
		require.True(t, decision.FlatFee.Equal(cfg.FlatFee))
	})

	t.Run("at threshold does not sponsor", func(t *testing.T) {
		decision := settlement.DecideSponsorship(cfg, cfg.MinBalance)
		require.False(t, decision.Sponsor)
	})

	t.Run("above threshold does not sponsor", func(t *testing.T) {
		decision := settlement.DecideSponsorship(cfg, decimal.RequireFromString("1"))
		require.False(t, decision.Sponsor)
	})

	t.Run("disabled never sponsors", func(t *testing.T) {
		disabled := cfg
		disabled.Enabled = false
		decision := settlement.DecideSponsorship(disabled, decimal.Zero)
		require.False(t, decision.Sponsor)
	})
}

type fakeBalances struct {
	balance decimal.Decimal
	err     error
}

func (f *fakeBalances) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	return f.balance, f.err
}

func TestSponsorshipDecide(t *testing.T) {
	cfg := settlement.SponsorshipConfig{
		Enabled:    true,
		MinBalance: decimal.RequireFromString("0.001"),
		FlatFee:    decimal.RequireFromString("0.25"),
	}

	t.Run("consults balance source", func(t *testing.T) {
		s := settlement.NewSponsorship(cfg, &fakeBalances{balance: decimal.Zero})
		decision, err := s.Decide(context.Background(), "0xpayer")
		require.NoError(t, err)
		require.True(t, decision.Sponsor)
	})

	t.Run("propagates balance errors", func(t *testing.T) {
		s := settlement.NewSponsorship(cfg, &fakeBalances{err: errors.New("rpc down")})
		_, err := s.Decide(context.Background(), "0xpayer")
		require.Error(t, err)
	})

	t.Run("disabled skips the balance source", func(t *testing.T) {
		disabled := cfg
		disabled.Enabled = false
		s := settlement.NewSponsorship(disabled, &fakeBalances{err: errors.New("must not be called")})
		decision, err := s.Decide(context.Background(), "0xpayer")
		require.NoError(t, err)
		require.False(t, decision.Sponsor)
	})
}

func TestSponsoredIntentCarriesFee(t *testing.T) {
	lifecycle, _, _ := newTestLifecycle(t)
	lifecycle.WithSponsorship(settlement.NewSponsorship(settlement.SponsorshipConfig{
		Enabled:    true,
		MinBalance: decimal.RequireFromString("0.001"),
		FlatFee:    decimal.RequireFromString("0.25"),
	}, &fakeBalances{balance: decimal.Zero}))

	intent, err := lifecycle.CreateIntent(context.Background(), settlement.CreateRequest{
		Provider:    settlement.ProviderBaseUSDC,
		Purpose:     settlement.PurposeRecipientSupport,
		Amount:      decimal.RequireFromString("25.00"),
		Currency:    "USDC",
		PayerWallet: "0xpayer",
	})
	require.NoError(t, err)
	require.True(t, intent.GasSponsored)
	require.True(t, intent.SponsorFee.Equal(decimal.RequireFromString("0.25")))
	require.True(t, intent.Amount.Equal(decimal.RequireFromString("25.25")))
}

func TestSweepTiming(t *testing.T) {
	confirmedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eligibleAt := settlement.SweepEligibleAt(confirmedAt, settlement.DefaultRefundWindow)
	require.Equal(t, confirmedAt.Add(14*24*time.Hour), eligibleAt)

	intent := &settlement.PaymentIntent{SweepEligibleAt: &eligibleAt}
	require.False(t, settlement.SweepDue(intent, eligibleAt.Add(-time.Second)))
	require.True(t, settlement.SweepDue(intent, eligibleAt))
	require.True(t, settlement.SweepDue(intent, eligibleAt.Add(time.Hour)))

	require.False(t, settlement.SweepDue(&settlement.PaymentIntent{}, eligibleAt))
}

func TestStatusClassification(t *testing.T) {
	terminal := []settlement.Status{
		settlement.StatusSwept,
		settlement.StatusFailed,
		settlement.StatusCanceled,
		settlement.StatusRefunded,
		settlement.StatusExpired,
	}
	for _, status := range terminal {
		require.True(t, status.Terminal(), "status %s", status)
		require.False(t, status.Refundable(), "status %s", status)
	}

	require.False(t, settlement.StatusAwaitingPayment.Terminal())
	require.True(t, settlement.StatusConfirmed.Refundable())
	require.True(t, settlement.StatusCompleted.Refundable())
	require.False(t, settlement.StatusAwaitingPayment.Refundable())
}
