package settlement

import "fmt"

// PaymentError is a machine-readable error surfaced to callers and
// collaborators. Internal transient failures are wrapped with package error
// classes instead and never leave the core.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeIntentNotFound      = "intent_not_found"
	ErrCodeIntentTerminal      = "intent_terminal"
	ErrCodeIntentNotRefundable = "intent_not_refundable"
	ErrCodeInvalidProvider     = "invalid_provider"
	ErrCodeInvalidAmount       = "invalid_amount"
	ErrCodeStaleTransition     = "stale_transition"
	ErrCodeReviewRequired      = "review_required"
	ErrCodeTooManyRequests     = "too_many_requests"
	ErrCodeSweepNotDue         = "sweep_not_due"
)

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}
