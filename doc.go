// Package settlement tracks third-party funding payments from creation to
// final fund custody across multiple rails: on-chain USDC transfers on Solana
// and Base, card/PayPal processors, and manually derived HD wallet addresses.
//
// The package owns the payment intent lifecycle. Provider adapters under
// adapters/ answer "what is this payment's current provider status" through a
// common contract; the poller chore under poller/ reconciles those answers
// into guarded state transitions; ratelimit/ protects the public surface the
// core exposes.
package settlement
