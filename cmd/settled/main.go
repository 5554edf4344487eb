// Command settled runs the payment settlement service: the HTTP API, the
// confirmation poller and the endpoint rate limiter, wired around an in-memory
// intent store and whichever provider adapters the flags enable.
//
// Sweep execution requires a treasury collaborator, which this binary does not
// embed; intents whose refund window elapses rest at sweep-eligible until a
// deployment wires a settlement.Treasury into the poller chore.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/birdfund/settlement"
	"github.com/birdfund/settlement/adapters/baseusdc"
	"github.com/birdfund/settlement/adapters/hdwallet"
	"github.com/birdfund/settlement/adapters/paypalproc"
	"github.com/birdfund/settlement/adapters/solanausdc"
	"github.com/birdfund/settlement/adapters/stripeproc"
	"github.com/birdfund/settlement/httpapi"
	"github.com/birdfund/settlement/poller"
	"github.com/birdfund/settlement/ratelimit"
	"github.com/birdfund/settlement/store"
)

type flags struct {
	listenAddr   string
	pollInterval time.Duration
	refundWindow time.Duration

	solanaConfirmations uint64
	baseConfirmations   uint64
	onchainExpiry       time.Duration
	processorExpiry     time.Duration

	authLimit         int
	apiLimit          int
	callbackPerMinute int
	callbackPerHour   int

	solanaRPC     string
	solanaDeposit string

	baseRPC     string
	baseToken   string
	baseDeposit string

	stripeKey string

	paypalBase   string
	paypalID     string
	paypalSecret string

	hdRPC        string
	hdAccountKey string
	hdToken      string
	hdNextIndex  uint32

	sponsorEnabled    bool
	sponsorMinBalance string
	sponsorFlatFee    string
}

func main() {
	var f flags

	cmd := &cobra.Command{
		Use:   "settled",
		Short: "Payment settlement core service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVar(&f.listenAddr, "listen", ":8090", "address the HTTP API listens on")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", 10*time.Second, "confirmation poll interval")
	cmd.Flags().DurationVar(&f.refundWindow, "refund-window", settlement.DefaultRefundWindow, "time confirmed funds stay refundable before sweep")

	cmd.Flags().Uint64Var(&f.solanaConfirmations, "solana-confirmations", 32, "confirmations required for Solana finality")
	cmd.Flags().Uint64Var(&f.baseConfirmations, "base-confirmations", 12, "confirmations required for Base finality")
	cmd.Flags().DurationVar(&f.onchainExpiry, "onchain-expiry", 15*time.Minute, "how long on-chain intents wait for payment before expiring")
	cmd.Flags().DurationVar(&f.processorExpiry, "processor-expiry", 30*time.Minute, "how long processor intents wait for payment before expiring")

	cmd.Flags().IntVar(&f.authLimit, "auth-limit", 5, "auth attempts allowed per 15 minutes per client")
	cmd.Flags().IntVar(&f.apiLimit, "api-limit", 100, "API requests allowed per minute per client")
	cmd.Flags().IntVar(&f.callbackPerMinute, "callback-limit-minute", 10, "wallet callbacks allowed per minute per client")
	cmd.Flags().IntVar(&f.callbackPerHour, "callback-limit-hour", 30, "wallet callbacks allowed per hour per client")

	cmd.Flags().StringVar(&f.solanaRPC, "solana-rpc", "", "Solana JSON-RPC endpoint (enables the Solana USDC provider)")
	cmd.Flags().StringVar(&f.solanaDeposit, "solana-deposit", "", "Solana USDC deposit token account")

	cmd.Flags().StringVar(&f.baseRPC, "base-rpc", "", "Base JSON-RPC endpoint (enables the Base USDC provider)")
	cmd.Flags().StringVar(&f.baseToken, "base-token", "", "Base USDC token contract address")
	cmd.Flags().StringVar(&f.baseDeposit, "base-deposit", "", "Base USDC deposit address")

	cmd.Flags().StringVar(&f.stripeKey, "stripe-key", "", "Stripe API key (enables the Stripe provider)")

	cmd.Flags().StringVar(&f.paypalBase, "paypal-base-url", "https://api-m.paypal.com", "PayPal API host")
	cmd.Flags().StringVar(&f.paypalID, "paypal-client-id", "", "PayPal client id (enables the PayPal provider)")
	cmd.Flags().StringVar(&f.paypalSecret, "paypal-client-secret", "", "PayPal client secret")

	cmd.Flags().StringVar(&f.hdRPC, "hd-rpc", "", "JSON-RPC endpoint for manually derived addresses (enables the manual provider)")
	cmd.Flags().StringVar(&f.hdAccountKey, "hd-account-key", "", "extended HD account key deposit addresses derive from")
	cmd.Flags().StringVar(&f.hdToken, "hd-token", "", "token contract inspected for manual settlements")
	cmd.Flags().Uint32Var(&f.hdNextIndex, "hd-next-index", 0, "first HD account index to allocate")

	cmd.Flags().BoolVar(&f.sponsorEnabled, "sponsor-enabled", false, "sponsor network fees for low-balance payers")
	cmd.Flags().StringVar(&f.sponsorMinBalance, "sponsor-min-balance", "0.0005", "native balance below which fees are sponsored")
	cmd.Flags().StringVar(&f.sponsorFlatFee, "sponsor-flat-fee", "0.25", "flat fee charged back to sponsored payers")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	intents := store.NewMemory()

	cfg := settlement.DefaultConfig()
	cfg.RefundWindow = f.refundWindow
	cfg.Providers = map[settlement.Provider]settlement.ProviderParams{
		settlement.ProviderSolanaUSDC: {RequiredConfirmations: f.solanaConfirmations, Expiry: f.onchainExpiry},
		settlement.ProviderBaseUSDC:   {RequiredConfirmations: f.baseConfirmations, Expiry: f.onchainExpiry},
		settlement.ProviderStripe:     {RequiredConfirmations: 1, Expiry: f.processorExpiry},
		settlement.ProviderPayPal:     {RequiredConfirmations: 1, Expiry: f.processorExpiry},
		settlement.ProviderManualHD:   {RequiredConfirmations: f.baseConfirmations, Expiry: f.onchainExpiry},
	}
	lifecycle := settlement.NewLifecycle(log.Named("lifecycle"), intents, settlement.NewHooks(), cfg)

	var balances settlement.BalanceReader
	if f.solanaRPC != "" {
		adapter, err := solanausdc.New(log.Named("solana-usdc"), solanausdc.Config{
			RPCEndpoint:    f.solanaRPC,
			DepositAccount: f.solanaDeposit,
		})
		if err != nil {
			return err
		}
		lifecycle.RegisterAdapter(adapter)
	}
	if f.baseRPC != "" {
		adapter, err := baseusdc.New(log.Named("base-usdc"), baseusdc.Config{
			RPCEndpoint:    f.baseRPC,
			TokenAddress:   f.baseToken,
			DepositAddress: f.baseDeposit,
		})
		if err != nil {
			return err
		}
		lifecycle.RegisterAdapter(adapter)
		balances = adapter
	}
	if f.stripeKey != "" {
		lifecycle.RegisterAdapter(stripeproc.New(log.Named("stripe"), stripeproc.Config{
			APIKey: f.stripeKey,
		}))
	}
	if f.paypalID != "" {
		lifecycle.RegisterAdapter(paypalproc.New(log.Named("paypal"), paypalproc.Config{
			BaseURL:      f.paypalBase,
			ClientID:     f.paypalID,
			ClientSecret: f.paypalSecret,
		}))
	}
	if f.hdRPC != "" {
		adapter, err := hdwallet.New(log.Named("hdwallet"), hdwallet.NewMemoryAllocator(f.hdNextIndex), hdwallet.Config{
			RPCEndpoint:  f.hdRPC,
			AccountKey:   f.hdAccountKey,
			TokenAddress: f.hdToken,
		})
		if err != nil {
			return err
		}
		lifecycle.RegisterAdapter(adapter)
	}

	if f.sponsorEnabled {
		if balances == nil {
			return errors.New("gas sponsorship requires the Base provider as a balance source")
		}
		minBalance, err := decimal.NewFromString(f.sponsorMinBalance)
		if err != nil {
			return err
		}
		flatFee, err := decimal.NewFromString(f.sponsorFlatFee)
		if err != nil {
			return err
		}
		lifecycle.WithSponsorship(settlement.NewSponsorship(settlement.SponsorshipConfig{
			Enabled:    true,
			MinBalance: minBalance,
			FlatFee:    flatFee,
		}, balances))
	}

	// No treasury collaborator here; eligible intents rest at SweepEligible.
	chore := poller.NewChore(log.Named("poller"), lifecycle, nil, poller.Config{
		Interval: f.pollInterval,
	})
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Rules: map[ratelimit.Scope][]ratelimit.Rule{
			ratelimit.ScopeAuth: {{Limit: f.authLimit, Window: 15 * time.Minute}},
			ratelimit.ScopeAPI:  {{Limit: f.apiLimit, Window: time.Minute}},
			ratelimit.ScopeWalletCallback: {
				{Limit: f.callbackPerMinute, Window: time.Minute},
				{Limit: f.callbackPerHour, Window: time.Hour},
			},
		},
	})

	api := httpapi.NewServer(log.Named("api"), lifecycle, chore, limiter)
	server := &http.Server{
		Addr:              f.listenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return chore.Run(ctx)
	})
	group.Go(func() error {
		return limiter.Run(ctx)
	})
	group.Go(func() error {
		log.Info("http api listening", zap.String("addr", f.listenAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		chore.Close()
		limiter.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("service stopped", zap.Error(err))
		return err
	}
	log.Info("service stopped")
	return nil
}
