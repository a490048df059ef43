package lightning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/x402-lightning"
)

// LNbitsBackend queries invoice state from an LNbits instance (or any
// custodial service speaking the same payments API).
type LNbitsBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *logrus.Logger
}

// NewLNbitsBackend creates an LNbits backend client using the wallet's
// invoice/read key.
func NewLNbitsBackend(baseURL, apiKey string, client *http.Client, log *logrus.Logger) *LNbitsBackend {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LNbitsBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		log:     log,
	}
}

// lnbitsPayment is the subset of the LNbits payment status response we consume.
type lnbitsPayment struct {
	Paid    bool `json:"paid"`
	Details struct {
		// Amount is in milli-satoshis, negative for outgoing payments.
		Amount int64 `json:"amount"`
		Expiry int64 `json:"expiry"`
	} `json:"details"`
}

func (b *LNbitsBackend) CheckStatus(ctx context.Context, paymentHash string, invoiceID string) (BackendPaymentStatus, error) {
	// LNbits addresses payments by payment hash; the invoiceID hint is
	// accepted for interface compatibility and ignored.
	url := fmt.Sprintf("%s/api/v1/payments/%s", b.baseURL, paymentHash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BackendPaymentStatus{}, x402.NewBackendUnavailable(err)
	}
	req.Header.Set("X-Api-Key", b.apiKey)

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
			fmt.Errorf("lnbits returned status %d", resp.StatusCode))
	}

	var payment lnbitsPayment
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return BackendPaymentStatus{}, x402.NewBackendUnavailable(
			fmt.Errorf("decode lnbits response: %w", err))
	}

	status := BackendPaymentStatus{State: StateUnpaid}
	switch {
	case payment.Paid:
		status.State = StatePaid
		if payment.Details.Amount > 0 {
			status.AmountReceivedMilliSat = uint64(payment.Details.Amount)
		}
	case payment.Details.Expiry > 0 && time.Unix(payment.Details.Expiry, 0).Before(time.Now()):
		status.State = StateExpired
	}

	b.log.WithFields(logrus.Fields{
		"payment_hash": paymentHash,
		"state":        status.State.String(),
	}).Debug("lnbits payment lookup")
	return status, nil
}

var _ BackendClient = (*LNbitsBackend)(nil)
