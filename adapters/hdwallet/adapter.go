// Package hdwallet settles transfers sent to manually derived HD wallet
// addresses. Every payment gets a unique address derived from a single
// account key at a monotonically allocated index, so funds are attributed by
// address alone and balance inspection is enough to detect payment.
package hdwallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/birdfund/settlement"
)

// Error is the hdwallet adapter error class.
var Error = errs.Class("hdwallet adapter")

var (
	transferTopic   = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	balanceOfMethod = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// Config stores the manual HD settlement tunables.
type Config struct {
	// RPCEndpoint is the JSON-RPC endpoint of the chain the derived
	// addresses live on.
	RPCEndpoint string
	// AccountKey is the extended HD account key addresses derive from.
	AccountKey string
	// TokenAddress is the token contract balances are inspected on.
	TokenAddress string
	// TokenDecimals is the token base-unit exponent.
	TokenDecimals int32
	// ScanRange bounds how many blocks back the transfer-log scan looks when
	// anchoring an observed balance to a transaction.
	ScanRange uint64
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		TokenDecimals: 6,
		ScanRange:     5000,
	}
}

// Adapter implements settlement.Adapter for manually derived addresses.
type Adapter struct {
	log       *zap.Logger
	client    *ethclient.Client
	deriver   *Deriver
	allocator IndexAllocator
	token     common.Address
	cfg       Config
}

// New creates the adapter.
func New(log *zap.Logger, allocator IndexAllocator, cfg Config) (*Adapter, error) {
	def := DefaultConfig()
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = def.TokenDecimals
	}
	if cfg.ScanRange == 0 {
		cfg.ScanRange = def.ScanRange
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, Error.New("invalid token address %q", cfg.TokenAddress)
	}
	deriver, err := NewDeriver(cfg.AccountKey)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.Dial(cfg.RPCEndpoint)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Adapter{
		log:       log,
		client:    client,
		deriver:   deriver,
		allocator: allocator,
		token:     common.HexToAddress(cfg.TokenAddress),
		cfg:       cfg,
	}, nil
}

// Provider returns the provider this adapter settles.
func (a *Adapter) Provider() settlement.Provider {
	return settlement.ProviderManualHD
}

// IssueRouting allocates the next account index and derives the intent's
// private deposit address. The allocation is atomic; the lifecycle only
// invokes it for intents still in Created, so an intent is never issued two
// addresses.
func (a *Adapter) IssueRouting(ctx context.Context, intent *settlement.PaymentIntent) (settlement.Routing, error) {
	index, err := a.allocator.Next(ctx)
	if err != nil {
		return settlement.Routing{}, Error.Wrap(err)
	}
	address, err := a.deriver.Address(index)
	if err != nil {
		return settlement.Routing{}, err
	}
	return settlement.Routing{
		SettlementAddress: address.Hex(),
		DerivationIndex:   index,
	}, nil
}

// CheckStatus inspects the derived address's token balance. Partial payments
// accumulate: the payment is detected once the balance covers the amount due,
// then anchored to the funding transfer's transaction hash.
func (a *Adapter) CheckStatus(ctx context.Context, intent *settlement.PaymentIntent) (settlement.CheckResult, error) {
	if intent.SettlementAddress == "" {
		return settlement.NotFound(), nil
	}
	address := common.HexToAddress(intent.SettlementAddress)

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return settlement.CheckResult{}, Error.Wrap(err)
	}

	if intent.TxReference != "" {
		return a.confirmAnchor(ctx, intent, head)
	}

	balance, err := a.tokenBalance(ctx, address)
	if err != nil {
		return settlement.CheckResult{}, err
	}
	due := intent.Amount.Shift(a.cfg.TokenDecimals).BigInt()
	if balance.Cmp(due) < 0 {
		return settlement.NotFound(), nil
	}

	txHash, block, found, err := a.findFundingTransfer(ctx, address, head)
	if err != nil {
		return settlement.CheckResult{}, err
	}
	if !found {
		// Balance covers the amount but the funding transfer is outside the
		// scan range; stay unanchored and retry next cycle.
		return settlement.NotFound(), nil
	}
	return settlement.Pending(txHash.Hex(), depth(head, block)), nil
}

func (a *Adapter) confirmAnchor(ctx context.Context, intent *settlement.PaymentIntent, head uint64) (settlement.CheckResult, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(intent.TxReference))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return settlement.Pending(intent.TxReference, intent.Confirmations), nil
		}
		return settlement.CheckResult{}, Error.Wrap(err)
	}
	if receipt.Status != 1 {
		return settlement.Failed("funding transaction reverted"), nil
	}
	return settlement.Pending(intent.TxReference, depth(head, receipt.BlockNumber.Uint64())), nil
}

func (a *Adapter) tokenBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	data := append(append([]byte{}, balanceOfMethod...), common.LeftPadBytes(address.Bytes(), 32)...)
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.token, Data: data}, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return new(big.Int).SetBytes(out), nil
}

func (a *Adapter) findFundingTransfer(ctx context.Context, address common.Address, head uint64) (common.Hash, uint64, bool, error) {
	from := uint64(0)
	if head > a.cfg.ScanRange {
		from = head - a.cfg.ScanRange
	}
	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{a.token},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(common.LeftPadBytes(address.Bytes(), 32))},
		},
	})
	if err != nil {
		return common.Hash{}, 0, false, Error.Wrap(err)
	}
	if len(logs) == 0 {
		return common.Hash{}, 0, false, nil
	}
	// Anchor on the latest transfer; earlier partial payments ride along.
	last := logs[len(logs)-1]
	return last.TxHash, last.BlockNumber, true, nil
}

func depth(head, mined uint64) uint64 {
	if head < mined {
		return 0
	}
	return head - mined + 1
}

// Ensure Adapter implements the settlement contract.
var _ settlement.Adapter = (*Adapter)(nil)
