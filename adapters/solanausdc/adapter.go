// Package solanausdc settles USDC transfers on Solana. Payments are sent to
// the platform deposit token account with the intent id attached as the
// transaction memo; the adapter scans recent signatures for the memo and
// tracks the matched signature to finality.
package solanausdc

import (
	"context"
	"strings"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/birdfund/settlement"
)

// Error is the solana adapter error class.
var Error = errs.Class("solana adapter")

// Config stores the Solana settlement tunables.
type Config struct {
	// RPCEndpoint is the Solana JSON-RPC endpoint.
	RPCEndpoint string
	// DepositAccount is the platform USDC token account payments are sent to.
	DepositAccount string
	// FinalizedConfirmations is the confirmation count reported once the
	// cluster roots a transaction and stops counting.
	FinalizedConfirmations uint64
	// SignatureScanLimit bounds how far back the memo scan looks per check.
	SignatureScanLimit int
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		FinalizedConfirmations: 32,
		SignatureScanLimit:     100,
	}
}

// Adapter implements settlement.Adapter for Solana USDC.
type Adapter struct {
	log     *zap.Logger
	client  *rpc.Client
	deposit solana.PublicKey
	cfg     Config
}

// New creates the adapter.
func New(log *zap.Logger, cfg Config) (*Adapter, error) {
	def := DefaultConfig()
	if cfg.FinalizedConfirmations == 0 {
		cfg.FinalizedConfirmations = def.FinalizedConfirmations
	}
	if cfg.SignatureScanLimit <= 0 {
		cfg.SignatureScanLimit = def.SignatureScanLimit
	}
	deposit, err := solana.PublicKeyFromBase58(cfg.DepositAccount)
	if err != nil {
		return nil, Error.New("invalid deposit account: %v", err)
	}
	return &Adapter{
		log:     log,
		client:  rpc.New(cfg.RPCEndpoint),
		deposit: deposit,
		cfg:     cfg,
	}, nil
}

// Provider returns the provider this adapter settles.
func (a *Adapter) Provider() settlement.Provider {
	return settlement.ProviderSolanaUSDC
}

// IssueRouting routes every intent to the shared deposit account; the intent
// id doubles as the memo reference the payer must attach. Pure, therefore
// idempotent.
func (a *Adapter) IssueRouting(ctx context.Context, intent *settlement.PaymentIntent) (settlement.Routing, error) {
	return settlement.Routing{
		SettlementAddress:  a.deposit.String(),
		DestinationAccount: intent.ID.String(),
	}, nil
}

// CheckStatus looks the payment up on chain. Before a transaction is matched
// it scans deposit-account signatures for the intent memo; afterwards it
// re-queries the matched signature only.
func (a *Adapter) CheckStatus(ctx context.Context, intent *settlement.PaymentIntent) (settlement.CheckResult, error) {
	sig, found, err := a.resolveSignature(ctx, intent)
	if err != nil {
		return settlement.CheckResult{}, err
	}
	if !found {
		return settlement.NotFound(), nil
	}

	statuses, err := a.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return settlement.CheckResult{}, Error.Wrap(err)
	}
	if len(statuses.Value) == 0 || statuses.Value[0] == nil {
		// The node has not seen the signature yet; hold position without
		// regressing the recorded count.
		return settlement.Pending(sig.String(), intent.Confirmations), nil
	}

	status := statuses.Value[0]
	if status.Err != nil {
		return settlement.Failed("transaction failed on chain"), nil
	}
	if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
		return settlement.Confirmed(sig.String(), a.cfg.FinalizedConfirmations), nil
	}

	var confirmations uint64
	if status.Confirmations != nil {
		confirmations = *status.Confirmations
	}
	return settlement.Pending(sig.String(), confirmations), nil
}

func (a *Adapter) resolveSignature(ctx context.Context, intent *settlement.PaymentIntent) (solana.Signature, bool, error) {
	if intent.TxReference != "" {
		sig, err := solana.SignatureFromBase58(intent.TxReference)
		if err != nil {
			return solana.Signature{}, false, Error.New("invalid transaction reference %q: %v", intent.TxReference, err)
		}
		return sig, true, nil
	}

	limit := a.cfg.SignatureScanLimit
	sigs, err := a.client.GetSignaturesForAddressWithOpts(ctx, a.deposit, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, false, Error.Wrap(err)
	}

	reference := intent.ID.String()
	for _, candidate := range sigs {
		if candidate.Memo == nil || !strings.Contains(*candidate.Memo, reference) {
			continue
		}
		if candidate.Err != nil {
			// A failed transaction carrying the memo does not anchor the
			// intent; the payer may retry with a fresh transaction.
			continue
		}
		return candidate.Signature, true, nil
	}
	return solana.Signature{}, false, nil
}

// Ensure Adapter implements the settlement contract.
var _ settlement.Adapter = (*Adapter)(nil)
