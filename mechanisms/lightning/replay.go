package lightning

import (
	"context"
	"sync"
	"time"

	x402 "github.com/x402-foundation/x402-lightning"
)

// ConsumeOutcome is the result of a TryConsume call.
type ConsumeOutcome int

const (
	// Consumed means this caller performed the one-and-only consumption.
	Consumed ConsumeOutcome = iota
	// AlreadyConsumed means an earlier caller consumed the key.
	AlreadyConsumed
)

// SettlementRecord is the irreversible record of a consumed invoice. At most
// one record per (paymentHash, resource) key ever exists.
type SettlementRecord struct {
	PaymentHash    string       `json:"paymentHash"`
	Resource       string       `json:"resource"`
	ConsumedAt     time.Time    `json:"consumedAt"`
	TransactionRef string       `json:"transactionRef"`
	Network        x402.Network `json:"network"`
	Payer          string       `json:"payer,omitempty"`
}

// ReplayGuard enforces at-most-once settlement per (paymentHash, resource).
//
// TryConsume is an atomic compare-and-insert: exactly one caller across all
// concurrent callers with the same key observes Consumed, and all others
// (including later retries) observe AlreadyConsumed. The record is persisted
// in the same atomic step so a Consumed outcome is never lost.
type ReplayGuard interface {
	TryConsume(ctx context.Context, record SettlementRecord) (ConsumeOutcome, error)

	// Lookup returns the settlement record for a key, for diagnostics.
	Lookup(ctx context.Context, paymentHash, resource string) (*SettlementRecord, error)
}

func replayKey(paymentHash, resource string) string {
	return paymentHash + "\x00" + resource
}

// MemoryReplayGuard is a mutex-guarded in-process ReplayGuard. Suitable for a
// single-process facilitator; multi-process deployments need the SQLite
// variant or an equivalent transactional store.
type MemoryReplayGuard struct {
	mu      sync.Mutex
	records map[string]SettlementRecord
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{records: make(map[string]SettlementRecord)}
}

func (g *MemoryReplayGuard) TryConsume(ctx context.Context, record SettlementRecord) (ConsumeOutcome, error) {
	key := replayKey(record.PaymentHash, record.Resource)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.records[key]; exists {
		return AlreadyConsumed, nil
	}
	g.records[key] = record
	return Consumed, nil
}

func (g *MemoryReplayGuard) Lookup(ctx context.Context, paymentHash, resource string) (*SettlementRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, exists := g.records[replayKey(paymentHash, resource)]
	if !exists {
		return nil, nil
	}
	return &record, nil
}

var _ ReplayGuard = (*MemoryReplayGuard)(nil)
