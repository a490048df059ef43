package lightning_test

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-lightning"
	"github.com/x402-foundation/x402-lightning/bolt11/bolt11test"
	"github.com/x402-foundation/x402-lightning/mechanisms/lightning"
)

// clockEpoch matches the default invoice timestamp minted by bolt11test.
const clockEpoch = 1496314658

// otherPubkey is a valid compressed secp256k1 point that is not the test key.
const otherPubkey = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func testNow() time.Time {
	return time.Unix(clockEpoch+60, 0)
}

// countingBackend wraps a BackendClient and counts CheckStatus calls.
type countingBackend struct {
	mu    sync.Mutex
	calls int
	check func(ctx context.Context, paymentHash, invoiceID string) (lightning.BackendPaymentStatus, error)
}

func (b *countingBackend) CheckStatus(ctx context.Context, paymentHash, invoiceID string) (lightning.BackendPaymentStatus, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return b.check(ctx, paymentHash, invoiceID)
}

func (b *countingBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func wrapBackend(inner lightning.BackendClient) *countingBackend {
	return &countingBackend{check: inner.CheckStatus}
}

func hashHex(label string) string {
	hash := bolt11test.PaymentHash(label)
	return hex.EncodeToString(hash[:])
}

func paymentPayload(invoice string) x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: x402.SupportedVersion,
		Scheme:      lightning.SchemeExact,
		Network:     lightning.NetworkMainnet,
		Payload:     map[string]interface{}{"bolt11": invoice},
	}
}

// paidFixture mints a 1000-sat mainnet invoice, marks it paid in full, and
// returns a facilitator wired to a counting backend and a memory guard.
type paidFixture struct {
	facilitator  *lightning.ExactLightningFacilitator
	backend      *countingBackend
	guard        *lightning.MemoryReplayGuard
	payload      x402.PaymentPayload
	requirements x402.PaymentRequirements
	hashHex      string
}

func newPaidFixture(t *testing.T, label string) *paidFixture {
	t.Helper()

	invoice := bolt11test.Invoice{
		HRP:         "lnbc10u",
		PaymentHash: bolt11test.PaymentHash(label),
		Description: "test resource",
	}.Sign(t)

	mock := lightning.NewMockBackend()
	mock.MarkPaid(hashHex(label), 1_000_000, "payer-node")

	backend := wrapBackend(mock)
	guard := lightning.NewMemoryReplayGuard()
	facilitator := lightning.NewExactLightningFacilitator(backend, guard,
		lightning.WithClock(testNow))

	return &paidFixture{
		facilitator:  facilitator,
		backend:      backend,
		guard:        guard,
		payload:      paymentPayload(invoice),
		requirements: validRequirements(),
		hashHex:      hashHex(label),
	}
}

func TestVerifyValid(t *testing.T) {
	fx := newPaidFixture(t, "verify-valid")

	resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Empty(t, resp.InvalidReason)
	assert.Equal(t, "payer-node", resp.Payer)
	assert.Equal(t, 1, fx.backend.callCount())
}

func TestVerifyLocalRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*x402.PaymentPayload, *x402.PaymentRequirements)
		reason string
	}{
		{
			"unsupported version",
			func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { p.X402Version = 2 },
			x402.ReasonUnsupportedVersion,
		},
		{
			"payload scheme mismatch",
			func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { p.Scheme = "permit" },
			x402.ReasonInvalidScheme,
		},
		{
			"requirements scheme mismatch",
			func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { r.Scheme = "permit" },
			x402.ReasonInvalidScheme,
		},
		{
			"header network mismatch",
			func(p *x402.PaymentPayload, r *x402.PaymentRequirements) {
				p.Network = lightning.NetworkTestnet
			},
			x402.ReasonInvalidNetwork,
		},
		{
			"malformed requirements",
			func(p *x402.PaymentPayload, r *x402.PaymentRequirements) {
				r.MaxAmountRequired = "-5"
			},
			x402.ReasonInvalidPaymentRequirements,
		},
		{
			"missing bolt11 field",
			func(p *x402.PaymentPayload, r *x402.PaymentRequirements) {
				p.Payload = map[string]interface{}{"invoiceId": "abc"}
			},
			x402.ReasonInvalidExactLightningPayload,
		},
		{
			"malformed bolt11",
			func(p *x402.PaymentPayload, r *x402.PaymentRequirements) {
				p.Payload = map[string]interface{}{"bolt11": "lnbc1notaninvoice"}
			},
			x402.ReasonInvalidExactLightningPayload,
		},
		{
			"invoice network mismatch",
			func(p *x402.PaymentPayload, r *x402.PaymentRequirements) {
				p.Network = lightning.NetworkSignet
				r.Network = lightning.NetworkSignet
			},
			x402.ReasonInvalidNetwork,
		},
		{
			"destination mismatch",
			func(p *x402.PaymentPayload, r *x402.PaymentRequirements) {
				r.PayTo = otherPubkey
			},
			x402.ReasonInvalidPaymentRequirements,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fx := newPaidFixture(t, "local-"+tc.name)
			tc.mutate(&fx.payload, &fx.requirements)

			resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
			require.NoError(t, err)
			assert.False(t, resp.IsValid)
			assert.Equal(t, tc.reason, resp.InvalidReason)
			assert.Equal(t, 0, fx.backend.callCount(), "local rejection must not reach the backend")
		})
	}
}

func TestVerifyInsufficientInvoiceAmount(t *testing.T) {
	// 500-sat invoice against a 1000-sat requirement.
	invoice := bolt11test.Invoice{
		HRP:         "lnbc5u",
		PaymentHash: bolt11test.PaymentHash("underfunded"),
	}.Sign(t)

	fx := newPaidFixture(t, "unused")
	fx.payload = paymentPayload(invoice)

	resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonInsufficientFunds, resp.InvalidReason)
	assert.Equal(t, 0, fx.backend.callCount())
}

func TestVerifyAmountlessInvoice(t *testing.T) {
	// An invoice with no amount accepts any payment; the received amount
	// decides.
	label := "amountless"
	invoice := bolt11test.Invoice{
		HRP:         "lnbc",
		PaymentHash: bolt11test.PaymentHash(label),
	}.Sign(t)

	mock := lightning.NewMockBackend()
	mock.MarkPaid(hashHex(label), 1_000_000, "payer-node")
	facilitator := lightning.NewExactLightningFacilitator(mock, lightning.NewMemoryReplayGuard(),
		lightning.WithClock(testNow))

	resp, err := facilitator.Verify(context.Background(), paymentPayload(invoice), validRequirements())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
}

func TestVerifyUnderpaid(t *testing.T) {
	fx := newPaidFixture(t, "underpaid")
	fx.backend.check = func(ctx context.Context, paymentHash, invoiceID string) (lightning.BackendPaymentStatus, error) {
		return lightning.BackendPaymentStatus{
			State:                  lightning.StatePaid,
			AmountReceivedMilliSat: 999_999,
		}, nil
	}

	resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonInsufficientFunds, resp.InvalidReason)
}

func TestVerifyNotPaid(t *testing.T) {
	states := []lightning.PaymentState{lightning.StateUnknown, lightning.StateUnpaid}

	for _, state := range states {
		t.Run(state.String(), func(t *testing.T) {
			fx := newPaidFixture(t, "notpaid-"+state.String())
			fx.backend.check = func(ctx context.Context, paymentHash, invoiceID string) (lightning.BackendPaymentStatus, error) {
				return lightning.BackendPaymentStatus{State: state}, nil
			}

			resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
			require.NoError(t, err)
			assert.False(t, resp.IsValid)
			assert.Equal(t, x402.ReasonInvoiceNotPaid, resp.InvalidReason)
		})
	}
}

func TestVerifyExpiredInvoice(t *testing.T) {
	invoice := bolt11test.Invoice{
		HRP:           "lnbc10u",
		PaymentHash:   bolt11test.PaymentHash("expired"),
		ExpirySeconds: 30,
	}.Sign(t)

	fx := newPaidFixture(t, "expired")
	fx.payload = paymentPayload(invoice)

	// testNow is 60s past the invoice timestamp, past the 30s expiry.
	resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonInvoiceExpired, resp.InvalidReason)
	assert.Equal(t, 0, fx.backend.callCount())
}

func TestVerifyExtraExpiryTightensInvoiceExpiry(t *testing.T) {
	// Invoice default expiry is 3600s; requirements tighten it to 30s.
	fx := newPaidFixture(t, "tight-expiry")
	fx.requirements.Extra = map[string]interface{}{"expirySeconds": float64(30)}

	resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonInvoiceExpired, resp.InvalidReason)
}

func TestVerifyBackendUnavailable(t *testing.T) {
	fx := newPaidFixture(t, "backend-down")
	fx.backend.check = func(ctx context.Context, paymentHash, invoiceID string) (lightning.BackendPaymentStatus, error) {
		return lightning.BackendPaymentStatus{}, errors.New("connection refused")
	}

	resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, x402.IsBackendUnavailable(err))
}

func TestVerifyLNURLDestination(t *testing.T) {
	fx := newPaidFixture(t, "lnurl")
	fx.requirements.PayTo = testLNURL(t)

	t.Run("without resolved pubkey", func(t *testing.T) {
		resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
		require.NoError(t, err)
		assert.False(t, resp.IsValid)
		assert.Equal(t, x402.ReasonInvalidPaymentRequirements, resp.InvalidReason)
	})

	t.Run("with resolved pubkey", func(t *testing.T) {
		fx.requirements.Extra = map[string]interface{}{"payeePubkey": bolt11test.PayeeHex()}
		resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
		require.NoError(t, err)
		assert.True(t, resp.IsValid)
	})
}

func TestSettleSuccessThenReplayRejected(t *testing.T) {
	fx := newPaidFixture(t, "settle-once")
	ctx := context.Background()

	resp, err := fx.facilitator.Settle(ctx, fx.payload, fx.requirements)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, fx.hashHex, resp.Transaction)
	assert.Equal(t, lightning.NetworkMainnet, resp.Network)
	assert.Equal(t, "payer-node", resp.Payer)

	record, err := fx.guard.Lookup(ctx, fx.hashHex, fx.requirements.Resource)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, fx.hashHex, record.TransactionRef)

	resp, err = fx.facilitator.Settle(ctx, fx.payload, fx.requirements)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.ReasonInvoiceAlreadyUsed, resp.ErrorReason)
	assert.Empty(t, resp.Transaction)
}

func TestSettleConcurrentExactlyOneSuccess(t *testing.T) {
	fx := newPaidFixture(t, "settle-race")

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan *x402.SettleResponse, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := fx.facilitator.Settle(context.Background(), fx.payload, fx.requirements)
			if err != nil {
				t.Error(err)
				return
			}
			results <- resp
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for resp := range results {
		if resp.Success {
			succeeded++
			assert.Equal(t, fx.hashHex, resp.Transaction)
		} else {
			assert.Equal(t, x402.ReasonInvoiceAlreadyUsed, resp.ErrorReason)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestSettleInvalidPaymentDoesNotConsume(t *testing.T) {
	fx := newPaidFixture(t, "settle-invalid")
	fx.backend.check = func(ctx context.Context, paymentHash, invoiceID string) (lightning.BackendPaymentStatus, error) {
		return lightning.BackendPaymentStatus{State: lightning.StateUnpaid}, nil
	}

	resp, err := fx.facilitator.Settle(context.Background(), fx.payload, fx.requirements)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.ReasonInvoiceNotPaid, resp.ErrorReason)

	record, err := fx.guard.Lookup(context.Background(), fx.hashHex, fx.requirements.Resource)
	require.NoError(t, err)
	assert.Nil(t, record, "failed settlement must not consume the invoice")
}

func TestSettleTransientFailureIsRetryable(t *testing.T) {
	fx := newPaidFixture(t, "settle-retry")
	healthy := fx.backend.check
	fx.backend.check = func(ctx context.Context, paymentHash, invoiceID string) (lightning.BackendPaymentStatus, error) {
		return lightning.BackendPaymentStatus{}, errors.New("dial tcp: connection refused")
	}

	resp, err := fx.facilitator.Settle(context.Background(), fx.payload, fx.requirements)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, x402.IsBackendUnavailable(err))

	record, err := fx.guard.Lookup(context.Background(), fx.hashHex, fx.requirements.Resource)
	require.NoError(t, err)
	assert.Nil(t, record, "transient failure must not consume the invoice")

	// Backend recovers; the retry settles normally.
	fx.backend.check = healthy
	resp, err = fx.facilitator.Settle(context.Background(), fx.payload, fx.requirements)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestSettleCancelledContextDoesNotConsume(t *testing.T) {
	fx := newPaidFixture(t, "settle-cancelled")

	// Prime the verdict cache so Settle skips the backend round trip and
	// reaches the consume step directly.
	_, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := fx.facilitator.Settle(ctx, fx.payload, fx.requirements)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, resp)

	record, err := fx.guard.Lookup(context.Background(), fx.hashHex, fx.requirements.Resource)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestSettleRevalidatesWhenRequirementsChange(t *testing.T) {
	// A positive verdict from Verify must not satisfy a Settle whose
	// requirements differ in any checked field: the changed requirements
	// get a full re-run of the pipeline.
	t.Run("different payTo", func(t *testing.T) {
		fx := newPaidFixture(t, "rekeyed-payto")

		resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
		require.NoError(t, err)
		require.True(t, resp.IsValid)

		changed := fx.requirements
		changed.PayTo = otherPubkey

		settle, err := fx.facilitator.Settle(context.Background(), fx.payload, changed)
		require.NoError(t, err)
		assert.False(t, settle.Success)
		assert.Equal(t, x402.ReasonInvalidPaymentRequirements, settle.ErrorReason)

		record, err := fx.guard.Lookup(context.Background(), fx.hashHex, changed.Resource)
		require.NoError(t, err)
		assert.Nil(t, record, "destination mismatch must not consume the invoice")
	})

	t.Run("tighter expiry bound", func(t *testing.T) {
		fx := newPaidFixture(t, "rekeyed-expiry")

		resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
		require.NoError(t, err)
		require.True(t, resp.IsValid)

		changed := fx.requirements
		changed.Extra = map[string]interface{}{"expirySeconds": float64(30)}

		settle, err := fx.facilitator.Settle(context.Background(), fx.payload, changed)
		require.NoError(t, err)
		assert.False(t, settle.Success)
		assert.Equal(t, x402.ReasonInvoiceExpired, settle.ErrorReason)
	})

	t.Run("larger amount", func(t *testing.T) {
		fx := newPaidFixture(t, "rekeyed-amount")

		resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
		require.NoError(t, err)
		require.True(t, resp.IsValid)

		changed := fx.requirements
		changed.MaxAmountRequired = "2000"

		settle, err := fx.facilitator.Settle(context.Background(), fx.payload, changed)
		require.NoError(t, err)
		assert.False(t, settle.Success)
		assert.Equal(t, x402.ReasonInsufficientFunds, settle.ErrorReason)
	})
}

func TestVerifyThenSettleReusesVerdict(t *testing.T) {
	fx := newPaidFixture(t, "verdict-reuse")
	ctx := context.Background()

	resp, err := fx.facilitator.Verify(ctx, fx.payload, fx.requirements)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	settle, err := fx.facilitator.Settle(ctx, fx.payload, fx.requirements)
	require.NoError(t, err)
	assert.True(t, settle.Success)
	assert.Equal(t, 1, fx.backend.callCount(), "settle should reuse the fresh verify verdict")
}

func TestSettleWithoutPriorVerifyChecksBackend(t *testing.T) {
	fx := newPaidFixture(t, "settle-cold")

	resp, err := fx.facilitator.Settle(context.Background(), fx.payload, fx.requirements)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, fx.backend.callCount())
}
