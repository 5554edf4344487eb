// Package stripeproc settles card payments through Stripe. Routing issuance
// creates a Stripe payment intent keyed idempotently on the settlement intent
// id; status checks retrieve it and map processor outcomes onto the common
// contract.
package stripeproc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/birdfund/settlement"
)

// Error is the stripe adapter error class.
var Error = errs.Class("stripe adapter")

// Config stores the Stripe settlement tunables.
type Config struct {
	APIKey string
}

// Adapter implements settlement.Adapter for Stripe.
type Adapter struct {
	log *zap.Logger
	api *client.API
}

// New creates the adapter.
func New(log *zap.Logger, cfg Config) *Adapter {
	var api client.API
	api.Init(cfg.APIKey, nil)
	return &Adapter{log: log, api: &api}
}

// Provider returns the provider this adapter settles.
func (a *Adapter) Provider() settlement.Provider {
	return settlement.ProviderStripe
}

// IssueRouting creates the Stripe payment intent. The settlement intent id is
// the idempotency key, so re-invocation after a crash returns the already
// created charge instead of a duplicate.
func (a *Adapter) IssueRouting(ctx context.Context, intent *settlement.PaymentIntent) (settlement.Routing, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(intent.ID.String()),
		},
		Amount:   stripe.Int64(minorUnits(intent.Amount)),
		Currency: stripe.String(strings.ToLower(intent.Currency)),
	}
	params.AddMetadata("settlement_intent", intent.ID.String())

	pi, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return settlement.Routing{}, Error.Wrap(err)
	}
	return settlement.Routing{DestinationAccount: pi.ID}, nil
}

// CheckStatus retrieves the Stripe payment intent and maps its status.
// Processor 5xx and network failures are transient; declines are terminal.
func (a *Adapter) CheckStatus(ctx context.Context, intent *settlement.PaymentIntent) (settlement.CheckResult, error) {
	if intent.DestinationAccount == "" {
		return settlement.NotFound(), nil
	}

	pi, err := a.api.PaymentIntents.Get(intent.DestinationAccount, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode < http.StatusInternalServerError {
			// The processor answered and rejected the lookup; that is a
			// terminal outcome, not a retryable one.
			return settlement.Failed(fmt.Sprintf("stripe lookup rejected: %s", stripeErr.Code)), nil
		}
		return settlement.CheckResult{}, Error.Wrap(err)
	}

	return mapPaymentIntent(pi), nil
}

// mapPaymentIntent maps the processor status onto the common contract. The
// payment intent id is the transaction reference in every state: the lifecycle
// anchors on the first observed reference, so pending and confirmed
// observations must agree. Charge ids stay at the processor.
func mapPaymentIntent(pi *stripe.PaymentIntent) settlement.CheckResult {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return settlement.Confirmed(pi.ID, 1)

	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return settlement.Pending(pi.ID, 0)

	case stripe.PaymentIntentStatusCanceled:
		return settlement.Failed("payment canceled at processor")

	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return settlement.Failed(fmt.Sprintf("payment declined: %s", pi.LastPaymentError.Code))
		}
		return settlement.NotFound()

	default:
		// requires_confirmation, requires_action: the payer has not
		// completed the flow yet.
		return settlement.NotFound()
	}
}

// minorUnits converts a decimal amount into the processor's smallest currency
// unit.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// Ensure Adapter implements the settlement contract.
var _ settlement.Adapter = (*Adapter)(nil)
