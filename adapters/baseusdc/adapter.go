// Package baseusdc settles USDC transfers on Base. Payments are sent to the
// platform deposit address; the adapter matches ERC-20 Transfer logs by
// destination and a per-intent uniquified amount, then tracks the
// transaction's confirmation depth.
package baseusdc

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/birdfund/settlement"
)

// Error is the base adapter error class.
var Error = errs.Class("base adapter")

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Config stores the Base settlement tunables.
type Config struct {
	// RPCEndpoint is the Base JSON-RPC endpoint.
	RPCEndpoint string
	// TokenAddress is the USDC contract.
	TokenAddress string
	// DepositAddress is the platform address payments are sent to.
	DepositAddress string
	// TokenDecimals is the USDC base-unit exponent.
	TokenDecimals int32
	// ScanRange bounds how many blocks back the log scan looks per check.
	ScanRange uint64
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		TokenDecimals: 6,
		ScanRange:     2000,
	}
}

// Adapter implements settlement.Adapter for Base USDC. It also implements
// settlement.BalanceReader so gas sponsorship can inspect payer balances over
// the same connection.
type Adapter struct {
	log     *zap.Logger
	client  *ethclient.Client
	token   common.Address
	deposit common.Address
	cfg     Config
}

// New creates the adapter.
func New(log *zap.Logger, cfg Config) (*Adapter, error) {
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
	if !common.IsHexAddress(cfg.DepositAddress) {
		return nil, Error.New("invalid deposit address %q", cfg.DepositAddress)
	}
	client, err := ethclient.Dial(cfg.RPCEndpoint)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Adapter{
		log:     log,
		client:  client,
		token:   common.HexToAddress(cfg.TokenAddress),
		deposit: common.HexToAddress(cfg.DepositAddress),
		cfg:     cfg,
	}, nil
}

// Provider returns the provider this adapter settles.
func (a *Adapter) Provider() settlement.Provider {
	return settlement.ProviderBaseUSDC
}

// IssueRouting routes every intent to the shared deposit address. Transfers
// are matched back to intents by exact amount, so the amount is uniquified
// with a dust suffix derived from the intent id: two concurrent intents for
// the same nominal amount expect distinct transfer values and cannot both
// claim one payment. Pure, therefore idempotent.
func (a *Adapter) IssueRouting(ctx context.Context, intent *settlement.PaymentIntent) (settlement.Routing, error) {
	return settlement.Routing{
		SettlementAddress:  a.deposit.Hex(),
		DestinationAccount: intent.ID.String(),
		Amount:             dustedAmount(intent.ID, intent.Amount, a.cfg.TokenDecimals),
	}, nil
}

// dustedAmount adds 1 to 9999 base units derived from the intent id.
func dustedAmount(id uuid.UUID, amount decimal.Decimal, decimals int32) decimal.Decimal {
	dust := int64(binary.BigEndian.Uint16(id[14:16]))%9999 + 1
	return amount.Add(decimal.New(dust, -decimals))
}

// CheckStatus reports the payment's confirmation depth. The finality decision
// (12 confirmations for Base) belongs to the lifecycle, so observed transfers
// are reported as pending with their depth.
func (a *Adapter) CheckStatus(ctx context.Context, intent *settlement.PaymentIntent) (settlement.CheckResult, error) {
	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return settlement.CheckResult{}, Error.Wrap(err)
	}

	if intent.TxReference != "" {
		return a.checkReceipt(ctx, intent, head)
	}
	return a.scanTransfers(ctx, intent, head)
}

func (a *Adapter) checkReceipt(ctx context.Context, intent *settlement.PaymentIntent, head uint64) (settlement.CheckResult, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(intent.TxReference))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// Known transaction not yet visible to this node; hold position
			// without regressing the recorded count.
			return settlement.Pending(intent.TxReference, intent.Confirmations), nil
		}
		return settlement.CheckResult{}, Error.Wrap(err)
	}
	if receipt.Status != 1 {
		return settlement.Failed("transaction reverted"), nil
	}
	return settlement.Pending(intent.TxReference, depth(head, receipt.BlockNumber.Uint64())), nil
}

func (a *Adapter) scanTransfers(ctx context.Context, intent *settlement.PaymentIntent, head uint64) (settlement.CheckResult, error) {
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
			{addressTopic(a.deposit)},
		},
	})
	if err != nil {
		return settlement.CheckResult{}, Error.Wrap(err)
	}

	expected := baseUnits(intent.Amount, a.cfg.TokenDecimals)
	for _, entry := range logs {
		if len(entry.Data) != 32 {
			continue
		}
		if new(big.Int).SetBytes(entry.Data).Cmp(expected) != 0 {
			continue
		}
		return settlement.Pending(entry.TxHash.Hex(), depth(head, entry.BlockNumber)), nil
	}
	return settlement.NotFound(), nil
}

// NativeBalance returns the address's ETH balance for gas sponsorship
// decisions.
func (a *Adapter) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Decimal{}, Error.New("invalid address %q", address)
	}
	wei, err := a.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Decimal{}, Error.Wrap(err)
	}
	return decimal.NewFromBigInt(wei, -18), nil
}

func depth(head, mined uint64) uint64 {
	if head < mined {
		return 0
	}
	return head - mined + 1
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func baseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

// Ensure Adapter implements the settlement contracts.
var (
	_ settlement.Adapter       = (*Adapter)(nil)
	_ settlement.BalanceReader = (*Adapter)(nil)
)
