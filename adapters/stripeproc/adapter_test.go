package stripeproc

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v74"

	"github.com/birdfund/settlement"
)

func TestMinorUnits(t *testing.T) {
	require.EqualValues(t, 2500, minorUnits(decimal.RequireFromString("25.00")))
	require.EqualValues(t, 2525, minorUnits(decimal.RequireFromString("25.25")))
	require.EqualValues(t, 100, minorUnits(decimal.RequireFromString("1")))
	// Sub-cent residue rounds to the nearest cent.
	require.EqualValues(t, 1000, minorUnits(decimal.RequireFromString("9.999")))
}

func TestMapPaymentIntentReferenceIsStable(t *testing.T) {
	// The lifecycle freezes an intent whose anchored reference changes, so a
	// payment observed while processing must report the same reference once it
	// succeeds, even though Stripe attaches a charge id along the way.
	pi := &stripe.PaymentIntent{ID: "pi_123", Status: stripe.PaymentIntentStatusProcessing}
	pending := mapPaymentIntent(pi)
	require.Equal(t, settlement.CheckPending, pending.State)
	require.Equal(t, "pi_123", pending.TxReference)

	pi.Status = stripe.PaymentIntentStatusSucceeded
	pi.LatestCharge = &stripe.Charge{ID: "ch_456"}
	confirmed := mapPaymentIntent(pi)
	require.Equal(t, settlement.CheckConfirmed, confirmed.State)
	require.Equal(t, pending.TxReference, confirmed.TxReference)
}

func TestMapPaymentIntentOutcomes(t *testing.T) {
	t.Run("canceled is terminal", func(t *testing.T) {
		res := mapPaymentIntent(&stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusCanceled})
		require.Equal(t, settlement.CheckFailed, res.State)
	})

	t.Run("declined is terminal", func(t *testing.T) {
		res := mapPaymentIntent(&stripe.PaymentIntent{
			ID:               "pi_1",
			Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
			LastPaymentError: &stripe.Error{Code: stripe.ErrorCodeCardDeclined},
		})
		require.Equal(t, settlement.CheckFailed, res.State)
		require.Contains(t, res.FailureReason, "declined")
	})

	t.Run("no payment method yet is unobserved", func(t *testing.T) {
		res := mapPaymentIntent(&stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresPaymentMethod})
		require.Equal(t, settlement.CheckNotFound, res.State)
	})

	t.Run("requires action is unobserved", func(t *testing.T) {
		res := mapPaymentIntent(&stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresAction})
		require.Equal(t, settlement.CheckNotFound, res.State)
	})
}
