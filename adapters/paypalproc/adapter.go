// Package paypalproc settles payments through the PayPal Orders API. Routing
// issuance creates an order keyed idempotently on the settlement intent id;
// status checks retrieve the order and map its state onto the common
// contract.
package paypalproc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/birdfund/settlement"
)

// Error is the paypal adapter error class.
var Error = errs.Class("paypal adapter")

// Config stores the PayPal settlement tunables.
type Config struct {
	// BaseURL is the API host, e.g. https://api-m.paypal.com.
	BaseURL      string
	ClientID     string
	ClientSecret string
}

// Adapter implements settlement.Adapter for PayPal.
type Adapter struct {
	log  *zap.Logger
	http *resty.Client
	cfg  Config

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	nowFn func() time.Time
}

// New creates the adapter.
func New(log *zap.Logger, cfg Config) *Adapter {
	return &Adapter{
		log:   log,
		http:  resty.New().SetBaseURL(cfg.BaseURL),
		cfg:   cfg,
		nowFn: time.Now,
	}
}

// Provider returns the provider this adapter settles.
func (a *Adapter) Provider() settlement.Provider {
	return settlement.ProviderPayPal
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type orderAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string      `json:"reference_id"`
	Amount      orderAmount `json:"amount"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Intent        string         `json:"intent,omitempty"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

func (a *Adapter) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && a.nowFn().Before(a.tokenExpiry) {
		return a.accessToken, nil
	}

	var body tokenResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&body).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", Error.Wrap(err)
	}
	if resp.IsError() {
		return "", Error.New("token request failed: %s", resp.Status())
	}

	a.accessToken = body.AccessToken
	// Refresh a minute early so in-flight checks never carry a dying token.
	a.tokenExpiry = a.nowFn().Add(time.Duration(body.ExpiresIn-60) * time.Second)
	return a.accessToken, nil
}

// IssueRouting creates the PayPal order. The settlement intent id rides in
// the PayPal-Request-Id header, PayPal's idempotency key, so re-invocation
// returns the already created order.
func (a *Adapter) IssueRouting(ctx context.Context, intent *settlement.PaymentIntent) (settlement.Routing, error) {
	token, err := a.token(ctx)
	if err != nil {
		return settlement.Routing{}, err
	}

	var created order
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("PayPal-Request-Id", intent.ID.String()).
		SetBody(order{
			Intent: "CAPTURE",
			PurchaseUnits: []purchaseUnit{{
				ReferenceID: intent.ID.String(),
				Amount: orderAmount{
					CurrencyCode: intent.Currency,
					Value:        intent.Amount.StringFixed(2),
				},
			}},
		}).
		SetResult(&created).
		Post("/v2/checkout/orders")
	if err != nil {
		return settlement.Routing{}, Error.Wrap(err)
	}
	if resp.IsError() {
		return settlement.Routing{}, Error.New("order creation failed: %s", resp.Status())
	}
	return settlement.Routing{DestinationAccount: created.ID}, nil
}

// CheckStatus retrieves the order and maps its state. 5xx responses and
// transport failures are transient; 4xx rejections and voided orders are
// terminal.
func (a *Adapter) CheckStatus(ctx context.Context, intent *settlement.PaymentIntent) (settlement.CheckResult, error) {
	if intent.DestinationAccount == "" {
		return settlement.NotFound(), nil
	}

	token, err := a.token(ctx)
	if err != nil {
		return settlement.CheckResult{}, err
	}

	var current order
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&current).
		Get(fmt.Sprintf("/v2/checkout/orders/%s", intent.DestinationAccount))
	if err != nil {
		return settlement.CheckResult{}, Error.Wrap(err)
	}
	if resp.IsError() {
		if resp.StatusCode() < http.StatusInternalServerError {
			// The processor answered and rejected the lookup; that is a
			// terminal outcome, not a retryable one.
			return settlement.Failed(fmt.Sprintf("paypal lookup rejected: %s", resp.Status())), nil
		}
		return settlement.CheckResult{}, Error.New("order lookup failed: %s", resp.Status())
	}

	return mapOrder(current), nil
}

// mapOrder maps the order state onto the common contract. The order id is the
// transaction reference in every state: the lifecycle anchors on the first
// observed reference, so approved and completed observations must agree.
// Capture ids stay at the processor.
func mapOrder(o order) settlement.CheckResult {
	switch o.Status {
	case "COMPLETED":
		return settlement.Confirmed(o.ID, 1)
	case "APPROVED":
		return settlement.Pending(o.ID, 0)
	case "VOIDED":
		return settlement.Failed("order voided at processor")
	default:
		// CREATED, SAVED, PAYER_ACTION_REQUIRED: payer has not approved yet.
		return settlement.NotFound()
	}
}

// Ensure Adapter implements the settlement contract.
var _ settlement.Adapter = (*Adapter)(nil)
