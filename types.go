package settlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Provider identifies the payment rail an intent settles over.
type Provider string

const (
	// ProviderSolanaUSDC settles USDC transfers on Solana.
	ProviderSolanaUSDC Provider = "onchain-solana-usdc"
	// ProviderBaseUSDC settles USDC transfers on Base.
	ProviderBaseUSDC Provider = "onchain-base-usdc"
	// ProviderStripe settles card payments through Stripe.
	ProviderStripe Provider = "processor-stripe"
	// ProviderPayPal settles payments through PayPal.
	ProviderPayPal Provider = "processor-paypal"
	// ProviderManualHD settles transfers sent to a manually derived HD wallet address.
	ProviderManualHD Provider = "manual-derived-address"
)

// OnChain reports whether the provider settles directly on a blockchain.
func (p Provider) OnChain() bool {
	switch p {
	case ProviderSolanaUSDC, ProviderBaseUSDC, ProviderManualHD:
		return true
	}
	return false
}

// Purpose describes why a payment intent exists.
type Purpose string

const (
	PurposeRecipientSupport Purpose = "recipient-support"
	PurposePayout           Purpose = "payout"
	PurposeRefund           Purpose = "refund"
	PurposePlatformSupport  Purpose = "platform-support"
)

// Status is a payment intent lifecycle state.
type Status string

const (
	StatusCreated           Status = "created"
	StatusAwaitingPayment   Status = "awaiting-payment"
	StatusOnchainConfirming Status = "onchain-confirming"
	StatusConfirmed         Status = "confirmed"
	StatusInvoiceIssued     Status = "invoice-issued"
	StatusCompleted         Status = "completed"
	StatusSweepEligible     Status = "sweep-eligible"
	StatusSwept             Status = "swept"
	StatusFailed            Status = "failed"
	StatusCanceled          Status = "canceled"
	StatusRefunded          Status = "refunded"
	StatusExpired           Status = "expired"
)

// Terminal reports whether no further transition is possible from the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSwept, StatusFailed, StatusCanceled, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Refundable reports whether a refund may still be issued against the original
// intent. After sweep, refunds become separate treasury outflows.
func (s Status) Refundable() bool {
	switch s {
	case StatusConfirmed, StatusInvoiceIssued, StatusCompleted, StatusSweepEligible:
		return true
	}
	return false
}

// PaymentIntent is a single tracked payment attempt from creation to a
// terminal outcome. Retries create a new intent; terminal intents are never
// mutated.
type PaymentIntent struct {
	ID       uuid.UUID       `json:"id"`
	Provider Provider        `json:"provider"`
	Purpose  Purpose         `json:"purpose"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   Status          `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// Confirmations is the last observed confirmation count. It is
	// monotonically non-decreasing while the intent is confirming; a
	// regression freezes the intent for review instead of reverting it.
	Confirmations uint64 `json:"confirmations"`

	// TxReference is the provider transaction hash or charge id. Set at most
	// once when the payment is first observed, immutable afterwards.
	TxReference string `json:"txReference,omitempty"`

	// SettlementAddress is the on-chain address funds are sent to, when the
	// provider routes through one.
	SettlementAddress string `json:"settlementAddress,omitempty"`
	// DestinationAccount is the processor-side object id (Stripe payment
	// intent, PayPal order) when the provider routes through a processor.
	DestinationAccount string `json:"destinationAccount,omitempty"`
	// DerivationIndex is the HD account index for manually derived addresses.
	DerivationIndex uint32 `json:"derivationIndex,omitempty"`

	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
	SweepEligibleAt *time.Time `json:"sweepEligibleAt,omitempty"`
	SweptAt         *time.Time `json:"sweptAt,omitempty"`

	// SweepReference is the treasury outflow reference recorded at sweep.
	SweepReference string `json:"sweepReference,omitempty"`

	// GasSponsored records that the platform wallet covered the payer's
	// network fee; SponsorFee is the flat charge folded into Amount.
	GasSponsored bool            `json:"gasSponsored,omitempty"`
	SponsorFee   decimal.Decimal `json:"sponsorFee,omitempty"`

	// ReviewRequired marks the intent frozen for operator inspection after a
	// data anomaly (e.g. the provider reported fewer confirmations than
	// previously observed). The poller skips flagged intents.
	ReviewRequired bool   `json:"reviewRequired,omitempty"`
	ReviewReason   string `json:"reviewReason,omitempty"`

	FailureReason string `json:"failureReason,omitempty"`
}

// Clone returns a deep copy of the intent.
func (pi *PaymentIntent) Clone() *PaymentIntent {
	dup := *pi
	dup.ConfirmedAt = cloneTime(pi.ConfirmedAt)
	dup.SweepEligibleAt = cloneTime(pi.SweepEligibleAt)
	dup.SweptAt = cloneTime(pi.SweptAt)
	return &dup
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	dup := *t
	return &dup
}

// Expirable reports whether the intent may still transition to Expired. An
// intent with an observed transaction never expires; it must resolve to
// Confirmed or Failed by provider outcome.
func (pi *PaymentIntent) Expirable(now time.Time) bool {
	return !pi.Status.Terminal() && pi.TxReference == "" && now.After(pi.ExpiresAt)
}

// CheckState enumerates the outcomes of an adapter status check.
type CheckState int

const (
	// CheckNotFound means no matching transaction or charge was observed yet.
	CheckNotFound CheckState = iota
	// CheckPending means a matching transaction was observed but has not
	// reached the provider's finality threshold.
	CheckPending
	// CheckConfirmed means the provider reports the payment as final.
	CheckConfirmed
	// CheckFailed means the provider reports a terminal decline or error.
	CheckFailed
)

func (s CheckState) String() string {
	switch s {
	case CheckNotFound:
		return "not-found"
	case CheckPending:
		return "pending"
	case CheckConfirmed:
		return "confirmed"
	case CheckFailed:
		return "failed"
	}
	return "unknown"
}

// CheckResult is the provider-agnostic answer to "what is this payment's
// current on-chain/provider status?". Transient adapter failures are returned
// as errors instead and never produce a CheckResult.
type CheckResult struct {
	State         CheckState
	TxReference   string
	Confirmations uint64
	FailureReason string
}

// NotFound returns a CheckResult for an unobserved payment.
func NotFound() CheckResult { return CheckResult{State: CheckNotFound} }

// Pending returns a CheckResult for an observed but not yet final payment.
func Pending(txRef string, confirmations uint64) CheckResult {
	return CheckResult{State: CheckPending, TxReference: txRef, Confirmations: confirmations}
}

// Confirmed returns a CheckResult for a final payment.
func Confirmed(txRef string, confirmations uint64) CheckResult {
	return CheckResult{State: CheckConfirmed, TxReference: txRef, Confirmations: confirmations}
}

// Failed returns a CheckResult for a provider-reported terminal failure.
func Failed(reason string) CheckResult {
	return CheckResult{State: CheckFailed, FailureReason: reason}
}

// ProviderParams holds the externally tunable settlement parameters of a
// single provider.
type ProviderParams struct {
	// RequiredConfirmations is the finality threshold.
	RequiredConfirmations uint64
	// Expiry bounds how long an intent may wait for its payment to appear.
	Expiry time.Duration
}

// DefaultProviderParams returns the deployment defaults: 32 confirmations for
// Solana finality, 12 for Base, a single acknowledgment for processors and
// manual transfers, 15 minute expiry for on-chain flows and 30 minutes for
// invoice-style processor flows.
func DefaultProviderParams() map[Provider]ProviderParams {
	return map[Provider]ProviderParams{
		ProviderSolanaUSDC: {RequiredConfirmations: 32, Expiry: 15 * time.Minute},
		ProviderBaseUSDC:   {RequiredConfirmations: 12, Expiry: 15 * time.Minute},
		ProviderStripe:     {RequiredConfirmations: 1, Expiry: 30 * time.Minute},
		ProviderPayPal:     {RequiredConfirmations: 1, Expiry: 30 * time.Minute},
		ProviderManualHD:   {RequiredConfirmations: 12, Expiry: 15 * time.Minute},
	}
}

// DefaultRefundWindow is how long confirmed funds stay refundable before they
// become eligible for treasury sweep.
const DefaultRefundWindow = 14 * 24 * time.Hour
