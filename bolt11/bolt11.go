// Package bolt11 decodes BOLT11 Lightning invoice strings.
//
// Decoding is a pure function: checksum, prefix and field validation happen
// here with no I/O, and the payee node key is recovered from the invoice
// signature (or checked against the n tagged field when the writer included
// one). Facilitator logic that needs invoice contents goes through Decode;
// nothing else in the module touches the wire encoding.
package bolt11

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// ErrInvalidInvoice is wrapped by every decoding failure.
var ErrInvalidInvoice = errors.New("invalid bolt11 invoice")

// Network is the Bitcoin network an invoice is bound to, derived from the
// human-readable prefix.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkSignet  Network = "signet"
	NetworkRegtest Network = "regtest"
)

// hrp currency prefixes, longest first so "lnbcrt" is not read as "lnbc"+"rt"
// and "lntbs" is not read as "lntb"+"s".
var networkPrefixes = []struct {
	prefix  string
	network Network
}{
	{"bcrt", NetworkRegtest},
	{"tbs", NetworkSignet},
	{"tb", NetworkTestnet},
	{"bc", NetworkMainnet},
}

// defaultExpiry applies when the invoice carries no x field.
const defaultExpiry = 3600 * time.Second

// signatureWordCount is the size of the trailing recoverable signature:
// 65 bytes = 520 bits = 104 base32 words.
const signatureWordCount = 104

// timestampWordCount holds the 35-bit creation time.
const timestampWordCount = 7

// Tagged field types per BOLT11.
const (
	fieldTypeP = 1  // payment hash
	fieldTypeD = 13 // description
	fieldTypeN = 19 // payee node key
	fieldTypeH = 23 // description hash
	fieldTypeX = 6  // expiry seconds
	fieldTypeC = 24 // min final cltv expiry
)

// Invoice is the decoded representation of a BOLT11 payment request.
type Invoice struct {
	// PaymentHash uniquely identifies the payment obligation; two invoices
	// with the same hash are the same obligation.
	PaymentHash [32]byte

	// Payee is the node the invoice pays to, recovered from the signature
	// or declared via the n field.
	Payee *secp256k1.PublicKey

	// Network is derived from the human-readable prefix.
	Network Network

	// MilliSat is the invoice amount. Nil for "any amount" invoices.
	MilliSat *uint64

	// Timestamp is the invoice creation time.
	Timestamp time.Time

	// Expiry is the encoded relative expiry (default 3600s).
	Expiry time.Duration

	Description     string
	DescriptionHash *[32]byte

	// MinFinalCLTVExpiry is the c field, zero when absent.
	MinFinalCLTVExpiry uint64
}

// ExpiresAt returns the absolute expiry time of the invoice.
func (inv *Invoice) ExpiresAt() time.Time {
	return inv.Timestamp.Add(inv.Expiry)
}

// PaymentHashHex returns the payment hash as lowercase hex.
func (inv *Invoice) PaymentHashHex() string {
	return hex.EncodeToString(inv.PaymentHash[:])
}

// PayeeHex returns the payee node key as compressed lowercase hex.
func (inv *Invoice) PayeeHex() string {
	return hex.EncodeToString(inv.Payee.SerializeCompressed())
}

// Decode parses and validates a BOLT11 invoice string.
func Decode(request string) (*Invoice, error) {
	hrp, data, err := bech32.DecodeNoLimit(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}

	if !strings.HasPrefix(hrp, "ln") {
		return nil, fmt.Errorf("%w: missing ln prefix", ErrInvalidInvoice)
	}

	network, amountPart, err := parseHRP(hrp[2:])
	if err != nil {
		return nil, err
	}

	var msat *uint64
	if amountPart != "" {
		amount, err := decodeAmountMilliSat(amountPart)
		if err != nil {
			return nil, err
		}
		msat = &amount
	}

	if len(data) < timestampWordCount+signatureWordCount {
		return nil, fmt.Errorf("%w: data part too short", ErrInvalidInvoice)
	}

	var timestamp uint64
	for _, w := range data[:timestampWordCount] {
		timestamp = timestamp<<5 | uint64(w)
	}

	inv := &Invoice{
		Network:   network,
		MilliSat:  msat,
		Timestamp: time.Unix(int64(timestamp), 0),
		Expiry:    defaultExpiry,
	}

	tagged := data[timestampWordCount : len(data)-signatureWordCount]
	declaredPayee, err := inv.parseTaggedFields(tagged)
	if err != nil {
		return nil, err
	}

	sig, err := bech32.ConvertBits(data[len(data)-signatureWordCount:], 5, 8, false)
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("%w: malformed signature", ErrInvalidInvoice)
	}

	payee, err := recoverPayee(hrp, data[:len(data)-signatureWordCount], sig, declaredPayee)
	if err != nil {
		return nil, err
	}
	inv.Payee = payee

	var zeroHash [32]byte
	if inv.PaymentHash == zeroHash {
		return nil, fmt.Errorf("%w: missing payment hash", ErrInvalidInvoice)
	}

	return inv, nil
}

// parseHRP splits the post-"ln" human-readable part into network and the
// optional amount suffix.
func parseHRP(rest string) (Network, string, error) {
	for _, p := range networkPrefixes {
		if strings.HasPrefix(rest, p.prefix) {
			return p.network, rest[len(p.prefix):], nil
		}
	}
	return "", "", fmt.Errorf("%w: unknown network prefix %q", ErrInvalidInvoice, rest)
}

// decodeAmountMilliSat converts the hrp amount suffix to milli-satoshis.
// The suffix is a positive decimal without leading zeros, optionally followed
// by a multiplier letter (m/u/n/p) scaling the base unit of 1 BTC.
func decodeAmountMilliSat(s string) (uint64, error) {
	// msat per unit for each multiplier. 1 BTC = 10^11 msat.
	multiplier := uint64(100_000_000_000)
	if last := s[len(s)-1]; last < '0' || last > '9' {
		switch last {
		case 'm':
			multiplier = 100_000_000
		case 'u':
			multiplier = 100_000
		case 'n':
			multiplier = 100
		case 'p':
			multiplier = 0 // handled below, p is a fraction of one msat
		default:
			return 0, fmt.Errorf("%w: unknown amount multiplier %q", ErrInvalidInvoice, string(last))
		}
		s = s[:len(s)-1]
	}

	if s == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrInvalidInvoice)
	}
	if s[0] == '0' {
		return 0, fmt.Errorf("%w: amount has leading zero", ErrInvalidInvoice)
	}

	var value uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: non-digit in amount", ErrInvalidInvoice)
		}
		value = value*10 + uint64(c-'0')
		if value > 21_000_000_000_000_000 {
			return 0, fmt.Errorf("%w: amount out of range", ErrInvalidInvoice)
		}
	}

	if multiplier == 0 {
		// pico-BTC: 10^-12 BTC = 0.1 msat, so the value must end in 0.
		if value%10 != 0 {
			return 0, fmt.Errorf("%w: pico-BTC amount not expressible in milli-satoshi", ErrInvalidInvoice)
		}
		return value / 10, nil
	}

	amount := value * multiplier
	if amount/multiplier != value {
		return 0, fmt.Errorf("%w: amount out of range", ErrInvalidInvoice)
	}
	return amount, nil
}

// parseTaggedFields walks the type/length/data records between the timestamp
// and the signature. Unknown types and malformed known types of unexpected
// length are skipped per BOLT11; the first occurrence of a field wins.
// Returns the declared payee key bytes from the n field, if any.
func (inv *Invoice) parseTaggedFields(fields []byte) ([]byte, error) {
	var declaredPayee []byte
	seen := make(map[byte]bool)

	for len(fields) > 0 {
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: truncated tagged field", ErrInvalidInvoice)
		}
		fieldType := fields[0]
		length := int(fields[1])<<5 | int(fields[2])
		fields = fields[3:]
		if len(fields) < length {
			return nil, fmt.Errorf("%w: tagged field overruns data", ErrInvalidInvoice)
		}
		fieldData := fields[:length]
		fields = fields[length:]

		if seen[fieldType] {
			continue
		}
		seen[fieldType] = true

		switch fieldType {
		case fieldTypeP:
			if length != 52 {
				continue
			}
			raw, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err != nil || len(raw) != 32 {
				return nil, fmt.Errorf("%w: malformed payment hash", ErrInvalidInvoice)
			}
			copy(inv.PaymentHash[:], raw)

		case fieldTypeD:
			raw, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed description", ErrInvalidInvoice)
			}
			inv.Description = string(raw)

		case fieldTypeH:
			if length != 52 {
				continue
			}
			raw, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err != nil || len(raw) != 32 {
				return nil, fmt.Errorf("%w: malformed description hash", ErrInvalidInvoice)
			}
			var h [32]byte
			copy(h[:], raw)
			inv.DescriptionHash = &h

		case fieldTypeN:
			if length != 53 {
				continue
			}
			raw, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err != nil || len(raw) != 33 {
				return nil, fmt.Errorf("%w: malformed payee key", ErrInvalidInvoice)
			}
			declaredPayee = raw

		case fieldTypeX:
			var seconds uint64
			for _, w := range fieldData {
				seconds = seconds<<5 | uint64(w)
			}
			inv.Expiry = time.Duration(seconds) * time.Second

		case fieldTypeC:
			var blocks uint64
			for _, w := range fieldData {
				blocks = blocks<<5 | uint64(w)
			}
			inv.MinFinalCLTVExpiry = blocks
		}
	}

	return declaredPayee, nil
}

// recoverPayee recovers the signing node key from the trailing recoverable
// signature. When the invoice declares a payee via the n field the recovered
// key must match it, which doubles as signature verification.
func recoverPayee(hrp string, signedData []byte, sig []byte, declared []byte) (*secp256k1.PublicKey, error) {
	base256, err := bech32.ConvertBits(signedData, 5, 8, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	msg := make([]byte, 0, len(hrp)+len(base256))
	msg = append(msg, hrp...)
	msg = append(msg, base256...)
	hash := sha256.Sum256(msg)

	recoveryID := sig[64]
	if recoveryID > 3 {
		return nil, fmt.Errorf("%w: signature recovery id out of range", ErrInvalidInvoice)
	}

	// RecoverCompact wants the header byte first: 27 + recovery id.
	compact := make([]byte, 65)
	compact[0] = 27 + recoveryID
	copy(compact[1:], sig[:64])

	recovered, _, err := secpecdsa.RecoverCompact(compact, hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: signature recovery failed", ErrInvalidInvoice)
	}

	if declared != nil {
		declaredKey, err := secp256k1.ParsePubKey(declared)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid payee key", ErrInvalidInvoice)
		}
		if !recovered.IsEqual(declaredKey) {
			return nil, fmt.Errorf("%w: signature does not match declared payee", ErrInvalidInvoice)
		}
		return declaredKey, nil
	}
	return recovered, nil
}
