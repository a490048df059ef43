package lightning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/x402-lightning"
)

// LNDBackend queries invoice state from an LND node over its REST gateway.
type LNDBackend struct {
	baseURL  string
	macaroon string
	client   *http.Client
	log      *logrus.Logger
}

// NewLNDBackend creates an LND REST backend client. macaroonHex is the
// hex-encoded invoice.macaroon (readonly is sufficient).
func NewLNDBackend(baseURL, macaroonHex string, client *http.Client, log *logrus.Logger) *LNDBackend {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LNDBackend{
		baseURL:  strings.TrimRight(baseURL, "/"),
		macaroon: macaroonHex,
		client:   client,
		log:      log,
	}
}

// lndInvoice is the subset of the lnrpc.Invoice JSON we consume.
type lndInvoice struct {
	State       string `json:"state"`
	Settled     bool   `json:"settled"`
	AmtPaidMsat string `json:"amt_paid_msat"`
}

func (b *LNDBackend) CheckStatus(ctx context.Context, paymentHash string, invoiceID string) (BackendPaymentStatus, error) {
	// invoiceID is unused: LND looks invoices up by payment hash directly.
	url := fmt.Sprintf("%s/v1/invoice/%s", b.baseURL, paymentHash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BackendPaymentStatus{}, x402.NewBackendUnavailable(err)
	}
	req.Header.Set("Grpc-Metadata-macaroon", b.macaroon)

	resp, err := b.client.Do(req)
	if err != nil {
		return BackendPaymentStatus{}, x402.NewBackendUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return BackendPaymentStatus{State: StateUnknown}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return BackendPaymentStatus{}, x402.NewBackendUnavailable(
			fmt.Errorf("lnd returned status %d", resp.StatusCode))
	}

	var invoice lndInvoice
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return BackendPaymentStatus{}, x402.NewBackendUnavailable(
			fmt.Errorf("decode lnd response: %w", err))
	}

	status := BackendPaymentStatus{State: lndState(invoice)}
	if status.State == StatePaid {
		// lnd encodes int64 fields as JSON strings.
		msat, err := strconv.ParseUint(invoice.AmtPaidMsat, 10, 64)
		if err != nil {
			return BackendPaymentStatus{}, x402.NewBackendUnavailable(
				fmt.Errorf("parse amt_paid_msat %q: %w", invoice.AmtPaidMsat, err))
		}
		status.AmountReceivedMilliSat = msat
	}

	b.log.WithFields(logrus.Fields{
		"payment_hash": paymentHash,
		"state":        status.State.String(),
	}).Debug("lnd invoice lookup")
	return status, nil
}

func lndState(invoice lndInvoice) PaymentState {
	switch invoice.State {
	case "SETTLED":
		return StatePaid
	case "CANCELED":
		return StateExpired
	case "OPEN", "ACCEPTED":
		return StateUnpaid
	}
	// Older gateways omit state; fall back to the settled flag.
	if invoice.Settled {
		return StatePaid
	}
	return StateUnknown
}

var _ BackendClient = (*LNDBackend)(nil)
