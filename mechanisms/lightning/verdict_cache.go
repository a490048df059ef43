package lightning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	x402 "github.com/x402-foundation/x402-lightning"
	"github.com/x402-foundation/x402-lightning/bolt11"
)

// verdictCacheCap bounds how long a positive verdict may be reused even when
// maxTimeoutSeconds is generous. Payment state only moves toward Paid, so a
// short reuse window trades at most one redundant backend round trip for
// staleness.
const verdictCacheCap = 30 * time.Second

// verdictWindow is the freshness window for cached verdicts, tied to the
// requirements' timeout.
func verdictWindow(requirements x402.PaymentRequirements) time.Duration {
	window := time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	if window > verdictCacheCap {
		return verdictCacheCap
	}
	return window
}

// verdictKey identifies a (payload, requirements) pair. The full
// requirements object is part of the key: a verdict must never carry over
// to requirements that differ in any field the pipeline checks (payTo,
// asset, expiry bounds, amount, resource), so the key hashes the canonical
// JSON encoding rather than a hand-picked subset. json.Marshal emits struct
// fields in declaration order and map keys sorted, so the encoding is
// deterministic.
func verdictKey(payload x402.PaymentPayload, requirements x402.PaymentRequirements) string {
	h := sha256.New()
	if bolt11Str, ok := payload.Payload["bolt11"].(string); ok {
		h.Write([]byte(bolt11Str))
	}
	h.Write([]byte{0})
	if raw, err := json.Marshal(requirements); err == nil {
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type cachedVerdict struct {
	resp      *x402.VerifyResponse
	invoice   *bolt11.Invoice
	expiresAt time.Time
}

// verdictCache holds recent positive verification verdicts so Settle can
// skip the second backend round trip when it directly follows Verify.
// Only positive verdicts are stored: a negative one may flip as soon as the
// payment lands.
type verdictCache struct {
	mu      sync.Mutex
	entries map[string]cachedVerdict
}

func newVerdictCache() *verdictCache {
	return &verdictCache{entries: make(map[string]cachedVerdict)}
}

func (c *verdictCache) store(key string, resp *x402.VerifyResponse, invoice *bolt11.Invoice, now time.Time, window time.Duration) {
	if !resp.IsValid || invoice == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedVerdict{resp: resp, invoice: invoice, expiresAt: now.Add(window)}

	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *verdictCache) get(key string, now time.Time) *cachedVerdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	return &entry
}
