package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SponsorshipConfig holds the gas sponsorship tunables.
type SponsorshipConfig struct {
	// Enabled gates the whole feature.
	Enabled bool
	// MinBalance is the native-currency balance below which the platform
	// wallet sponsors the payer's transaction fee.
	MinBalance decimal.Decimal
	// FlatFee is charged back to the payer in the settlement currency. It is
	// added to, never subtracted from, the amount the payer must send.
	FlatFee decimal.Decimal
}

// SponsorDecision is the outcome of a sponsorship check.
type SponsorDecision struct {
	Sponsor bool
	FlatFee decimal.Decimal
}

// DecideSponsorship is the pure decision function:
// sponsor = (payerBalance < minThreshold) AND sponsorshipEnabled.
func DecideSponsorship(cfg SponsorshipConfig, payerBalance decimal.Decimal) SponsorDecision {
	if !cfg.Enabled || !payerBalance.LessThan(cfg.MinBalance) {
		return SponsorDecision{}
	}
	return SponsorDecision{Sponsor: true, FlatFee: cfg.FlatFee}
}

// Sponsorship binds the decision function to a balance source.
type Sponsorship struct {
	cfg      SponsorshipConfig
	balances BalanceReader
}

// NewSponsorship creates a sponsorship decider.
func NewSponsorship(cfg SponsorshipConfig, balances BalanceReader) *Sponsorship {
	return &Sponsorship{cfg: cfg, balances: balances}
}

// Decide inspects the payer's on-chain balance and applies the decision
// function.
func (s *Sponsorship) Decide(ctx context.Context, payerWallet string) (SponsorDecision, error) {
	if !s.cfg.Enabled {
		return SponsorDecision{}, nil
	}
	balance, err := s.balances.NativeBalance(ctx, payerWallet)
	if err != nil {
		return SponsorDecision{}, Error.Wrap(err)
	}
	return DecideSponsorship(s.cfg, balance), nil
}

// SweepEligibleAt returns when funds confirmed at the given time become
// eligible for treasury sweep.
func SweepEligibleAt(confirmedAt time.Time, refundWindow time.Duration) time.Time {
	return confirmedAt.Add(refundWindow)
}

// SweepDue reports whether a confirmed intent's refund window has fully
// elapsed. Sweeping is irreversible from the intent's perspective; once
// swept, refunds are separate treasury outflows.
func SweepDue(intent *PaymentIntent, now time.Time) bool {
	if intent.SweepEligibleAt == nil {
		return false
	}
	return !now.Before(*intent.SweepEligibleAt)
}
