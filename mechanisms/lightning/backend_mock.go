package lightning

import (
	"context"
	"sync"
)

// MockBackend is an in-memory BackendClient for tests and local runs. Mark
// payment hashes as paid to drive verification through the paid path.
type MockBackend struct {
	mu       sync.Mutex
	statuses map[string]BackendPaymentStatus
}

func NewMockBackend() *MockBackend {
	return &MockBackend{statuses: make(map[string]BackendPaymentStatus)}
}

// SetStatus sets the status reported for a payment hash.
func (b *MockBackend) SetStatus(paymentHash string, status BackendPaymentStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[paymentHash] = status
}

// MarkPaid records a payment hash as paid with the given received amount.
func (b *MockBackend) MarkPaid(paymentHash string, amountMilliSat uint64, payer string) {
	b.SetStatus(paymentHash, BackendPaymentStatus{
		State:                  StatePaid,
		AmountReceivedMilliSat: amountMilliSat,
		Payer:                  payer,
	})
}

func (b *MockBackend) CheckStatus(ctx context.Context, paymentHash string, invoiceID string) (BackendPaymentStatus, error) {
	if err := ctx.Err(); err != nil {
		return BackendPaymentStatus{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	status, ok := b.statuses[paymentHash]
	if !ok {
		return BackendPaymentStatus{State: StateUnknown}, nil
	}
	return status, nil
}

var _ BackendClient = (*MockBackend)(nil)
