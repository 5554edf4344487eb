package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/birdfund/settlement"
)

// rejection is the structured "too many requests" body. Rate-limit rejection
// is a normal admission-control outcome, not a system error.
type rejection struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

func newRejection(d Decision) rejection {
	return rejection{
		Code:              settlement.ErrCodeTooManyRequests,
		Message:           "rate limit exceeded",
		RetryAfterSeconds: retryAfterSeconds(d),
	}
}

func retryAfterSeconds(d Decision) int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// GinMiddleware gates a gin route group with the limiter under the given
// scope.
func GinMiddleware(limiter *Limiter, scope Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := limiter.Allow(ClientIdentity(c.Request), scope)
		if !decision.Allowed {
			body := newRejection(decision)
			c.Header("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
			return
		}
		c.Next()
	}
}

// EchoMiddleware gates an echo route group with the limiter under the given
// scope.
func EchoMiddleware(limiter *Limiter, scope Scope) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			decision := limiter.Allow(ClientIdentity(c.Request()), scope)
			if !decision.Allowed {
				body := newRejection(decision)
				c.Response().Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
				return c.JSON(http.StatusTooManyRequests, body)
			}
			return next(c)
		}
	}
}
