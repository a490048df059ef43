package lightning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/x402-lightning"
	"github.com/x402-foundation/x402-lightning/bolt11"
)

// ExactLightningFacilitator implements the x402 SchemeNetworkFacilitator
// interface for exact Lightning payments.
//
// Verify runs the ordered validation pipeline and is side-effect-free.
// Settle re-validates (or reuses a fresh cached verdict) and then performs
// the at-most-once consume step through the ReplayGuard.
type ExactLightningFacilitator struct {
	backend BackendClient
	guard   ReplayGuard
	log     *logrus.Logger
	now     func() time.Time
	cache   *verdictCache
}

// Option configures an ExactLightningFacilitator.
type Option func(*ExactLightningFacilitator)

// WithLogger sets the logger. The default discards nothing but logs to the
// logrus standard logger.
func WithLogger(log *logrus.Logger) Option {
	return func(f *ExactLightningFacilitator) { f.log = log }
}

// WithClock overrides the time source, used by expiry tests.
func WithClock(now func() time.Time) Option {
	return func(f *ExactLightningFacilitator) { f.now = now }
}

// NewExactLightningFacilitator creates the facilitator mechanism for the
// exact Lightning scheme. Both collaborators are required.
func NewExactLightningFacilitator(backend BackendClient, guard ReplayGuard, opts ...Option) *ExactLightningFacilitator {
	f := &ExactLightningFacilitator{
		backend: backend,
		guard:   guard,
		log:     logrus.StandardLogger(),
		now:     time.Now,
		cache:   newVerdictCache(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Scheme returns the scheme identifier
func (f *ExactLightningFacilitator) Scheme() string {
	return SchemeExact
}

// GetExtra returns mechanism extra data for the supported kinds endpoint.
func (f *ExactLightningFacilitator) GetExtra(network x402.Network) map[string]interface{} {
	return map[string]interface{}{ExtraKeyUnit: UnitSats}
}

// Verify runs the ordered, short-circuiting validation pipeline. The first
// failing check determines invalidReason; later checks are not evaluated and
// no backend call happens once a local check has failed.
func (f *ExactLightningFacilitator) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	resp, invoice, err := f.verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if resp.IsValid {
		f.cache.store(verdictKey(payload, requirements), resp, invoice, f.now(), verdictWindow(requirements))
	}
	return resp, nil
}

func (f *ExactLightningFacilitator) verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, *bolt11.Invoice, error) {

	if payload.X402Version != x402.SupportedVersion {
		return invalid(x402.ReasonUnsupportedVersion), nil, nil
	}

	if payload.Scheme != SchemeExact || requirements.Scheme != SchemeExact {
		return invalid(x402.ReasonInvalidScheme), nil, nil
	}

	if payload.Network != requirements.Network {
		return invalid(x402.ReasonInvalidNetwork), nil, nil
	}

	if err := ValidateRequirements(requirements); err != nil {
		f.log.WithError(err).Debug("payment requirements rejected")
		return invalid(x402.ReasonInvalidPaymentRequirements), nil, nil
	}

	lnPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(x402.ReasonInvalidExactLightningPayload), nil, nil
	}

	invoice, err := bolt11.Decode(lnPayload.Bolt11)
	if err != nil {
		f.log.WithError(err).Debug("bolt11 decode failed")
		return invalid(x402.ReasonInvalidExactLightningPayload), nil, nil
	}

	wantNetwork, err := InvoiceNetworkFor(requirements.Network)
	if err != nil {
		return invalid(x402.ReasonInvalidNetwork), nil, nil
	}
	if invoice.Network != wantNetwork {
		return invalid(x402.ReasonInvalidNetwork), nil, nil
	}

	expectedPayee, ok := expectedPayeePubkey(requirements)
	if !ok {
		// LNURL payTo without a resolved pubkey: never treat an
		// arbitrary invoice as matching.
		return invalid(x402.ReasonInvalidPaymentRequirements), nil, nil
	}
	if !strings.EqualFold(invoice.PayeeHex(), expectedPayee) {
		return invalid(x402.ReasonInvalidPaymentRequirements), nil, nil
	}

	requiredSats, err := RequiredSats(requirements)
	if err != nil {
		return invalid(x402.ReasonInvalidPaymentRequirements), nil, nil
	}
	requiredMsat, ok := bolt11.SatToMilliSat(requiredSats)
	if !ok {
		return invalid(x402.ReasonInvalidPaymentRequirements), nil, nil
	}

	if invoice.MilliSat != nil && *invoice.MilliSat < requiredMsat {
		return invalid(x402.ReasonInsufficientFunds), nil, nil
	}

	now := f.now()
	if !now.Before(invoice.ExpiresAt()) {
		return invalid(x402.ReasonInvoiceExpired), nil, nil
	}
	if seconds, ok := extraExpirySeconds(requirements.Extra); ok && seconds > 0 {
		tighter := invoice.Timestamp.Add(time.Duration(seconds) * time.Second)
		if !now.Before(tighter) {
			return invalid(x402.ReasonInvoiceExpired), nil, nil
		}
	}

	status, err := f.checkStatus(ctx, requirements, invoice, lnPayload.InvoiceID)
	if err != nil {
		return nil, nil, err
	}

	if status.State != StatePaid {
		f.log.WithFields(logrus.Fields{
			"payment_hash": invoice.PaymentHashHex(),
			"state":        status.State.String(),
		}).Debug("invoice not paid")
		return invalid(x402.ReasonInvoiceNotPaid), nil, nil
	}

	if status.AmountReceivedMilliSat < requiredMsat {
		return invalid(x402.ReasonInsufficientFunds), nil, nil
	}

	return &x402.VerifyResponse{IsValid: true, Payer: status.Payer}, invoice, nil
}

// checkStatus queries the backend under a timeout derived from the
// requirements. Transport and timeout failures surface as the transient
// backend_unavailable error, never as a validity verdict.
func (f *ExactLightningFacilitator) checkStatus(
	ctx context.Context,
	requirements x402.PaymentRequirements,
	invoice *bolt11.Invoice,
	invoiceID string,
) (BackendPaymentStatus, error) {
	timeout := time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := f.now()
	status, err := f.backend.CheckStatus(ctx, invoice.PaymentHashHex(), invoiceID)
	if err != nil {
		f.log.WithError(err).WithFields(logrus.Fields{
			"payment_hash": invoice.PaymentHashHex(),
			"elapsed":      time.Since(start).String(),
		}).Warn("lightning backend lookup failed")
		if x402.IsBackendUnavailable(err) {
			return BackendPaymentStatus{}, err
		}
		return BackendPaymentStatus{}, x402.NewBackendUnavailable(err)
	}
	return status, nil
}

// Settle re-validates the payment and performs the idempotent
// consume-and-record step. A fresh positive verdict from a preceding Verify
// call may be reused instead of a second backend round trip.
func (f *ExactLightningFacilitator) Settle(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.SettleResponse, error) {

	var (
		resp    *x402.VerifyResponse
		invoice *bolt11.Invoice
	)
	if cached := f.cache.get(verdictKey(payload, requirements), f.now()); cached != nil {
		resp, invoice = cached.resp, cached.invoice
	} else {
		var err error
		resp, invoice, err = f.verify(ctx, payload, requirements)
		if err != nil {
			// Transient failure: no ReplayGuard mutation.
			return nil, err
		}
	}

	if !resp.IsValid {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: resp.InvalidReason,
			Network:     requirements.Network,
			Payer:       resp.Payer,
		}, nil
	}

	// A cancelled request must not consume the invoice.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record := SettlementRecord{
		PaymentHash:    invoice.PaymentHashHex(),
		Resource:       requirements.Resource,
		ConsumedAt:     f.now(),
		TransactionRef: invoice.PaymentHashHex(),
		Network:        requirements.Network,
		Payer:          resp.Payer,
	}

	outcome, err := f.guard.TryConsume(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("replay guard: %w", err)
	}
	if outcome == AlreadyConsumed {
		f.log.WithFields(logrus.Fields{
			"payment_hash": record.PaymentHash,
			"resource":     record.Resource,
		}).Info("settlement rejected: invoice already used")
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvoiceAlreadyUsed,
			Network:     requirements.Network,
			Payer:       resp.Payer,
		}, nil
	}

	f.log.WithFields(logrus.Fields{
		"payment_hash": record.PaymentHash,
		"resource":     record.Resource,
		"payer":        record.Payer,
		"network":      record.Network,
	}).Info("settlement recorded")

	return &x402.SettleResponse{
		Success:     true,
		Transaction: record.TransactionRef,
		Network:     requirements.Network,
		Payer:       resp.Payer,
	}, nil
}

func invalid(reason string) *x402.VerifyResponse {
	return &x402.VerifyResponse{IsValid: false, InvalidReason: reason}
}

// expectedPayeePubkey resolves the destination identity the invoice must pay
// to. payTo is either a node pubkey, used directly, or an LNURL, in which
// case requirements creators must have resolved it to extra.payeePubkey.
func expectedPayeePubkey(requirements x402.PaymentRequirements) (string, bool) {
	if !IsLNURL(requirements.PayTo) {
		return requirements.PayTo, true
	}
	if requirements.Extra != nil {
		if pubkey, ok := requirements.Extra[ExtraKeyPayeePubkey].(string); ok && pubkey != "" {
			return pubkey, true
		}
	}
	return "", false
}

var _ x402.SchemeNetworkFacilitator = (*ExactLightningFacilitator)(nil)
