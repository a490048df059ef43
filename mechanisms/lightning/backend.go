package lightning

import "context"

// PaymentState is the backend's view of an invoice.
type PaymentState int

const (
	// StateUnknown means the backend has no record of the invoice.
	StateUnknown PaymentState = iota
	// StateUnpaid means the invoice exists but has not settled.
	StateUnpaid
	// StatePaid means the invoice has settled.
	StatePaid
	// StateExpired means the invoice expired or was cancelled before payment.
	StateExpired
)

func (s PaymentState) String() string {
	switch s {
	case StateUnpaid:
		return "unpaid"
	case StatePaid:
		return "paid"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// BackendPaymentStatus is the payment state reported by a Lightning backend.
// The engine never infers this itself; it only compares it against the
// requirements.
type BackendPaymentStatus struct {
	State PaymentState

	// AmountReceivedMilliSat is the settled amount. Zero unless State is
	// StatePaid.
	AmountReceivedMilliSat uint64

	// Payer identifies the paying node when the backend knows it. Optional.
	Payer string
}

// BackendClient is the capability interface over a Lightning backend
// (node-direct, custodial API, LNbits-style). The engine depends on this
// single contract and never branches on backend identity.
//
// CheckStatus must honor ctx cancellation and deadlines; transport and
// timeout failures are reported as an error wrapping the backend_unavailable
// payment error, never as a payment state.
type BackendClient interface {
	// CheckStatus looks up the payment state for an invoice by payment
	// hash (lowercase hex). invoiceID is an optional acceleration hint
	// and may be empty.
	CheckStatus(ctx context.Context, paymentHash string, invoiceID string) (BackendPaymentStatus, error)
}
