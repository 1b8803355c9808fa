package requestpay

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error
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
	// ErrCodeAlreadyExists rejects a duplicate request creation before any
	// ledger submission happens.
	ErrCodeAlreadyExists = "already_exists"
	// ErrCodeInsufficientFunds fails the local balance check pre-submission.
	ErrCodeInsufficientFunds = "insufficient_funds"
	// ErrCodeInvalidRequestID marks a request id string that does not decode.
	ErrCodeInvalidRequestID = "invalid_request_id"
	// ErrCodeInvalidAmount marks a non-positive or malformed amount.
	ErrCodeInvalidAmount = "invalid_amount"
	// ErrCodeSubmissionFailed covers network, signature, and ledger rejection
	// during submission.
	ErrCodeSubmissionFailed = "submission_failed"
	// ErrCodeConfirmationTimeout means the ledger did not confirm within the
	// bound. The outcome is unknown, not asserted as failure.
	ErrCodeConfirmationTimeout = "confirmation_timeout"
	// ErrCodeGatewayUnreachable marks a failed off-chain report. Non-fatal;
	// never rolls back on-chain state.
	ErrCodeGatewayUnreachable = "gateway_unreachable"
	// ErrCodeIndexerStale means the ledger event stream had a gap, so
	// creation checks refuse rather than risk a false negative.
	ErrCodeIndexerStale = "indexer_stale"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// HasCode reports whether err is a PaymentError with the given code,
// unwrapping as needed.
func HasCode(err error, code string) bool {
	var pe *PaymentError
	return errors.As(err, &pe) && pe.Code == code
}
