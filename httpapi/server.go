// Package httpapi exposes the settlement core's external surface: intent
// commands and queries for collaborators and the public wallet-connect
// callback. All routes sit behind the fixed-window rate limiter; the callback
// additionally carries dual limits.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/birdfund/settlement"
	"github.com/birdfund/settlement/poller"
	"github.com/birdfund/settlement/ratelimit"
	"github.com/birdfund/settlement/store"
)

// Server wires the settlement lifecycle into a gin engine.
type Server struct {
	log       *zap.Logger
	lifecycle *settlement.Lifecycle
	chore     *poller.Chore
	limiter   *ratelimit.Limiter
}

// NewServer creates the API server.
func NewServer(log *zap.Logger, lifecycle *settlement.Lifecycle, chore *poller.Chore, limiter *ratelimit.Limiter) *Server {
	return &Server{
		log:       log,
		lifecycle: lifecycle,
		chore:     chore,
		limiter:   limiter,
	}
}

// Router builds the gin engine with all routes and scoped rate limits
// attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/v1", ratelimit.GinMiddleware(s.limiter, ratelimit.ScopeAPI))
	{
		api.POST("/intents", s.createIntent)
		api.GET("/intents/:id", s.getIntent)
		api.POST("/intents/:id/cancel", s.cancelIntent)
		api.POST("/intents/:id/refund", s.refundIntent)
		api.GET("/reviews", s.listFlagged)
	}

	// Public, unauthenticated; dual-limited.
	router.POST("/v1/wallet/callback",
		ratelimit.GinMiddleware(s.limiter, ratelimit.ScopeWalletCallback),
		s.walletCallback)

	return router
}

// AuthMiddleware returns the guard collaborators mount in front of their
// login and registration handlers. The auth endpoints themselves live with
// the user-management collaborator.
func (s *Server) AuthMiddleware() gin.HandlerFunc {
	return ratelimit.GinMiddleware(s.limiter, ratelimit.ScopeAuth)
}

type createIntentRequest struct {
	Provider    string `json:"provider" binding:"required"`
	Purpose     string `json:"purpose" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	PayerWallet string `json:"payerWallet"`
}

func (s *Server) createIntent(c *gin.Context) {
	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "message": err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": settlement.ErrCodeInvalidAmount, "message": "amount is not a valid decimal"})
		return
	}

	intent, err := s.lifecycle.CreateIntent(c.Request.Context(), settlement.CreateRequest{
		Provider:    settlement.Provider(req.Provider),
		Purpose:     settlement.Purpose(req.Purpose),
		Amount:      amount,
		Currency:    req.Currency,
		PayerWallet: req.PayerWallet,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

func (s *Server) getIntent(c *gin.Context) {
	id, ok := s.intentID(c)
	if !ok {
		return
	}
	intent, err := s.lifecycle.Store().Get(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            intent.ID,
		"status":        intent.Status,
		"confirmations": intent.Confirmations,
		"txReference":   intent.TxReference,
		"expiresAt":     intent.ExpiresAt,
	})
}

func (s *Server) cancelIntent(c *gin.Context) {
	id, ok := s.intentID(c)
	if !ok {
		return
	}
	intent, err := s.lifecycle.Cancel(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (s *Server) refundIntent(c *gin.Context) {
	id, ok := s.intentID(c)
	if !ok {
		return
	}
	intent, err := s.lifecycle.MarkRefunded(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (s *Server) listFlagged(c *gin.Context) {
	flagged, err := s.lifecycle.Store().ListFlagged(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": flagged})
}

// walletCallback receives provider/on-chain notifications. It only hints the
// poller to check the intent ahead of schedule; the adapter is always
// re-consulted before any transition, so a forged callback can at worst cause
// one extra status check.
func (s *Server) walletCallback(c *gin.Context) {
	payload, err := validateCallback(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_callback", "message": err.Error()})
		return
	}

	id, err := uuid.Parse(payload.IntentID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_callback", "message": "intentId is not a valid uuid"})
		return
	}

	s.chore.Hint(id)
	s.log.Debug("wallet callback hinted intent", zap.Stringer("intent", id))
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) intentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "message": "id is not a valid uuid"})
		return uuid.UUID{}, false
	}
	return id, true
}

func (s *Server) renderError(c *gin.Context, err error) {
	var paymentErr *settlement.PaymentError
	if errors.As(err, &paymentErr) {
		status := http.StatusConflict
		switch paymentErr.Code {
		case settlement.ErrCodeInvalidProvider, settlement.ErrCodeInvalidAmount:
			status = http.StatusBadRequest
		case settlement.ErrCodeIntentNotFound:
			status = http.StatusNotFound
		}
		c.JSON(status, paymentErr)
		return
	}
	if store.ErrNotFound.Has(err) {
		c.JSON(http.StatusNotFound, gin.H{"code": settlement.ErrCodeIntentNotFound, "message": "intent not found"})
		return
	}
	s.log.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "message": "internal error"})
}
