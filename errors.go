package x402

import (
	"errors"
	"fmt"
)

// Reason tokens reported as invalidReason/errorReason on the wire.
const (
	ReasonUnsupportedVersion           = "unsupported_version"
	ReasonInvalidScheme                = "invalid_scheme"
	ReasonInvalidNetwork               = "invalid_network"
	ReasonInvalidPaymentRequirements   = "invalid_payment_requirements"
	ReasonInvalidExactLightningPayload = "invalid_exact_lightning_payload"
	ReasonInvoiceExpired               = "invoice_expired"
	ReasonInsufficientFunds            = "insufficient_funds"
	ReasonInvoiceNotPaid               = "invoice_not_paid"
	ReasonInvoiceAlreadyUsed           = "invoice_already_used"
	ReasonBackendUnavailable           = "backend_unavailable"
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

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewBackendUnavailable wraps a transport/timeout failure from a Lightning
// backend. These are transient and must never be reported as a payment
// validity verdict.
func NewBackendUnavailable(cause error) *PaymentError {
	msg := "lightning backend unavailable"
	if cause != nil {
		msg = fmt.Sprintf("lightning backend unavailable: %v", cause)
	}
	return &PaymentError{Code: ReasonBackendUnavailable, Message: msg}
}

// IsBackendUnavailable reports whether err is a transient backend failure.
func IsBackendUnavailable(err error) bool {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code == ReasonBackendUnavailable
	}
	return false
}
