package lightning

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	x402 "github.com/x402-foundation/x402-lightning"
)

// maxAmountPattern: base-10 digits, no sign, no leading zeros.
var maxAmountPattern = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)

// ValidateRequirements checks a PaymentRequirements object for internal
// well-formedness. Pure, no I/O. The returned error names the offending
// field and is reported as invalid_payment_requirements.
func ValidateRequirements(r x402.PaymentRequirements) error {
	if r.Scheme != SchemeExact {
		return fmt.Errorf("scheme: must be %q, got %q", SchemeExact, r.Scheme)
	}
	if r.Asset != AssetBTC {
		return fmt.Errorf("asset: must be %q, got %q", AssetBTC, r.Asset)
	}
	if _, err := InvoiceNetworkFor(r.Network); err != nil {
		return fmt.Errorf("network: %v", err)
	}
	if !maxAmountPattern.MatchString(r.MaxAmountRequired) {
		return fmt.Errorf("maxAmountRequired: must be an unsigned base-10 integer, got %q", r.MaxAmountRequired)
	}
	if _, err := strconv.ParseUint(r.MaxAmountRequired, 10, 64); err != nil {
		return fmt.Errorf("maxAmountRequired: out of range: %q", r.MaxAmountRequired)
	}
	if r.Resource == "" {
		return fmt.Errorf("resource: must not be empty")
	}
	if r.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("maxTimeoutSeconds: must be positive, got %d", r.MaxTimeoutSeconds)
	}
	if err := validatePayTo(r.PayTo); err != nil {
		return fmt.Errorf("payTo: %v", err)
	}
	if err := validateExtra(r.Extra); err != nil {
		return err
	}
	return nil
}

// RequiredSats parses maxAmountRequired. Callers must have validated the
// requirements first.
func RequiredSats(r x402.PaymentRequirements) (uint64, error) {
	return strconv.ParseUint(r.MaxAmountRequired, 10, 64)
}

// validatePayTo accepts a compressed secp256k1 node public key in hex or a
// syntactically valid LNURL-pay string.
func validatePayTo(payTo string) error {
	if payTo == "" {
		return fmt.Errorf("must not be empty")
	}
	if IsLNURL(payTo) {
		return validateLNURL(payTo)
	}
	return validateNodePubkey(payTo)
}

// IsLNURL reports whether payTo is in LNURL bech32 form rather than a node
// public key.
func IsLNURL(payTo string) bool {
	return strings.HasPrefix(strings.ToLower(payTo), "lnurl1")
}

func validateNodePubkey(payTo string) error {
	if len(payTo) != 66 {
		return fmt.Errorf("node pubkey must be 66 hex characters, got %d", len(payTo))
	}
	raw, err := hex.DecodeString(payTo)
	if err != nil {
		return fmt.Errorf("node pubkey is not valid hex")
	}
	if _, err := secp256k1.ParsePubKey(raw); err != nil {
		return fmt.Errorf("node pubkey is not a valid curve point")
	}
	return nil
}

func validateLNURL(payTo string) error {
	hrp, _, err := bech32.DecodeNoLimit(payTo)
	if err != nil {
		return fmt.Errorf("lnurl checksum validation failed")
	}
	if !strings.EqualFold(hrp, "lnurl") {
		return fmt.Errorf("lnurl prefix mismatch")
	}
	return nil
}

func validateExtra(extra map[string]interface{}) error {
	if extra == nil {
		return nil
	}
	if unit, ok := extra[ExtraKeyUnit]; ok {
		if s, ok := unit.(string); !ok || s != UnitSats {
			return fmt.Errorf("extra.unit: must be %q", UnitSats)
		}
	}
	if _, ok := extra[ExtraKeyExpirySeconds]; ok {
		if seconds, ok := extraExpirySeconds(extra); !ok || seconds <= 0 {
			return fmt.Errorf("extra.expirySeconds: must be a positive integer")
		}
	}
	if raw, ok := extra[ExtraKeyPayeePubkey]; ok {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("extra.payeePubkey: must be a string")
		}
		if err := validateNodePubkey(s); err != nil {
			return fmt.Errorf("extra.payeePubkey: %v", err)
		}
	}
	return nil
}

// extraExpirySeconds reads extra.expirySeconds, tolerating the numeric types
// JSON decoding produces.
func extraExpirySeconds(extra map[string]interface{}) (int64, bool) {
	switch v := extra[ExtraKeyExpirySeconds].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
