package settlement

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing is the provider-specific destination generated when an intent moves
// from Created to AwaitingPayment.
type Routing struct {
	SettlementAddress  string
	DestinationAccount string
	DerivationIndex    uint32

	// Amount, when set, replaces the intent's amount. Providers that match
	// payments to a shared address by value uniquify the amount per intent.
	Amount decimal.Decimal
}

// Adapter is implemented once per provider. The state machine is
// provider-agnostic; adapters are the only components with provider
// knowledge, so adding a rail means implementing this contract and nothing
// else.
type Adapter interface {
	Provider() Provider

	// IssueRouting generates the address or charge id the payer sends funds
	// to. It must be idempotent for a given intent id: re-invocation returns
	// the same routing instead of regenerating it.
	IssueRouting(ctx context.Context, intent *PaymentIntent) (Routing, error)

	// CheckStatus queries the provider for the payment's current state. A
	// returned error is a transient failure (network, timeout, provider 5xx)
	// and is retried next poll cycle; provider-reported outcomes, including
	// terminal declines, arrive as CheckResults.
	CheckStatus(ctx context.Context, intent *PaymentIntent) (CheckResult, error)
}

// IntentStore is the single source of truth for intent state. No lifecycle
// progress is correct only in memory.
type IntentStore interface {
	Create(ctx context.Context, intent *PaymentIntent) error
	Get(ctx context.Context, id uuid.UUID) (*PaymentIntent, error)

	// ListActive returns intents in non-terminal state, the poller's working
	// set. Flagged intents are included; the poller skips them itself.
	ListActive(ctx context.Context) ([]*PaymentIntent, error)

	// ListFlagged returns intents frozen for operator review.
	ListFlagged(ctx context.Context) ([]*PaymentIntent, error)

	// Transition atomically applies a state change: the intent is loaded,
	// its status compared against from, apply is run on a copy, and the copy
	// is committed, all as one unit. ErrStale is returned when the status no
	// longer matches, which is how racing poll cycles lose.
	Transition(ctx context.Context, id uuid.UUID, from Status, apply func(*PaymentIntent) error) (*PaymentIntent, error)

	// Annotate atomically applies a non-transition mutation (confirmation
	// counts, review flags). apply must not change Status.
	Annotate(ctx context.Context, id uuid.UUID, apply func(*PaymentIntent) error) (*PaymentIntent, error)
}

// Treasury executes custody movements. Balances and double-entry bookkeeping
// live with this collaborator, not in the core.
type Treasury interface {
	// Sweep moves the intent's confirmed funds into treasury custody and
	// returns the outflow reference.
	Sweep(ctx context.Context, intent *PaymentIntent) (string, error)
}

// BalanceReader reports a payer wallet's native gas balance for sponsorship
// decisions.
type BalanceReader interface {
	NativeBalance(ctx context.Context, address string) (decimal.Decimal, error)
}
