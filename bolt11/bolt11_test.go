package bolt11_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/x402-lightning/bolt11"
	"github.com/x402-foundation/x402-lightning/bolt11/bolt11test"
)

func TestDecodeBasic(t *testing.T) {
	hash := bolt11test.PaymentHash("basic")
	ts := time.Unix(1496314658, 0)

	request := bolt11test.Invoice{
		PaymentHash: hash,
		Description: "coffee",
		Timestamp:   ts,
	}.Sign(t)

	inv, err := bolt11.Decode(request)
	require.NoError(t, err)

	assert.Equal(t, bolt11.NetworkMainnet, inv.Network)
	assert.Equal(t, hash, inv.PaymentHash)
	assert.Equal(t, bolt11test.PayeeHex(), inv.PayeeHex())
	assert.Equal(t, "coffee", inv.Description)
	assert.True(t, ts.Equal(inv.Timestamp))
	assert.Nil(t, inv.MilliSat, "no amount suffix means any-amount invoice")

	// Default expiry is one hour.
	assert.True(t, inv.ExpiresAt().Equal(ts.Add(time.Hour)))
}

func TestDecodeAmounts(t *testing.T) {
	tests := []struct {
		hrp  string
		msat uint64
	}{
		{"lnbc1", 100_000_000_000},    // 1 BTC
		{"lnbc25m", 2_500_000_000},    // 25 milli-BTC
		{"lnbc2500u", 250_000_000},    // 2500 micro-BTC
		{"lnbc10u", 1_000_000},        // 1000 sats
		{"lnbc5u", 500_000},           // 500 sats
		{"lnbc250n", 25_000},          // 25 sats
		{"lnbc10n", 1_000},            // 1 sat
		{"lnbc10p", 1},                // 1 msat
		{"lnbc9678785340p", 967878534}, // from the BOLT11 examples
	}
	for _, tc := range tests {
		t.Run(tc.hrp, func(t *testing.T) {
			request := bolt11test.Invoice{
				HRP:         tc.hrp,
				PaymentHash: bolt11test.PaymentHash(tc.hrp),
			}.Sign(t)

			inv, err := bolt11.Decode(request)
			require.NoError(t, err)
			require.NotNil(t, inv.MilliSat)
			assert.Equal(t, tc.msat, *inv.MilliSat)
		})
	}
}

func TestDecodeAmountErrors(t *testing.T) {
	for _, hrp := range []string{
		"lnbc0",    // leading zero
		"lnbc05u",  // leading zero with multiplier
		"lnbc1p",   // pico amount not a multiple of 10 msat
		"lnbc2500x", // unknown multiplier
	} {
		t.Run(hrp, func(t *testing.T) {
			request := bolt11test.Invoice{
				HRP:         hrp,
				PaymentHash: bolt11test.PaymentHash(hrp),
			}.Sign(t)

			_, err := bolt11.Decode(request)
			require.Error(t, err)
			assert.True(t, errors.Is(err, bolt11.ErrInvalidInvoice))
		})
	}
}

func TestDecodeNetworkPrefixes(t *testing.T) {
	tests := []struct {
		hrp     string
		network bolt11.Network
	}{
		{"lnbc", bolt11.NetworkMainnet},
		{"lntb", bolt11.NetworkTestnet},
		{"lntbs", bolt11.NetworkSignet},
		{"lnbcrt", bolt11.NetworkRegtest},
		{"lnbc10u", bolt11.NetworkMainnet},
		{"lntbs10u", bolt11.NetworkSignet},
	}
	for _, tc := range tests {
		t.Run(tc.hrp, func(t *testing.T) {
			request := bolt11test.Invoice{
				HRP:         tc.hrp,
				PaymentHash: bolt11test.PaymentHash(tc.hrp),
			}.Sign(t)

			inv, err := bolt11.Decode(request)
			require.NoError(t, err)
			assert.Equal(t, tc.network, inv.Network)
		})
	}
}

func TestDecodeUnknownPrefix(t *testing.T) {
	request := bolt11test.Invoice{
		HRP:         "lnzz10u",
		PaymentHash: bolt11test.PaymentHash("unknown"),
	}.Sign(t)

	_, err := bolt11.Decode(request)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bolt11.ErrInvalidInvoice))
}

func TestDecodeMissingLnPrefix(t *testing.T) {
	request := bolt11test.Invoice{
		HRP:         "bc10u",
		PaymentHash: bolt11test.PaymentHash("noln"),
	}.Sign(t)

	_, err := bolt11.Decode(request)
	require.Error(t, err)
}

func TestDecodeChecksumFailure(t *testing.T) {
	request := bolt11test.Invoice{
		PaymentHash: bolt11test.PaymentHash("checksum"),
	}.Sign(t)

	// Corrupt one data character without leaving the bech32 charset.
	last := request[len(request)-1]
	replacement := byte('q')
	if last == 'q' {
		replacement = 'p'
	}
	corrupted := request[:len(request)-1] + string(replacement)

	_, err := bolt11.Decode(corrupted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bolt11.ErrInvalidInvoice))
}

func TestDecodeGarbage(t *testing.T) {
	for _, request := range []string{
		"",
		"not an invoice",
		"lnbc1qqqq",
	} {
		_, err := bolt11.Decode(request)
		require.Error(t, err, "input %q", request)
	}
}

func TestDecodeExpiryField(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	request := bolt11test.Invoice{
		PaymentHash:   bolt11test.PaymentHash("expiry"),
		Timestamp:     ts,
		ExpirySeconds: 60,
	}.Sign(t)

	inv, err := bolt11.Decode(request)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, inv.Expiry)
	assert.True(t, inv.ExpiresAt().Equal(ts.Add(60*time.Second)))
}

func TestDecodeDeclaredPayee(t *testing.T) {
	request := bolt11test.Invoice{
		PaymentHash:  bolt11test.PaymentHash("declared"),
		DeclarePayee: true,
	}.Sign(t)

	inv, err := bolt11.Decode(request)
	require.NoError(t, err)
	assert.Equal(t, bolt11test.PayeeHex(), inv.PayeeHex())
}

func TestDecodeDifferentKey(t *testing.T) {
	otherKey := secp256k1.PrivKeyFromBytes([]byte{
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x89,
	})
	request := bolt11test.Invoice{
		PaymentHash: bolt11test.PaymentHash("otherkey"),
		Key:         otherKey,
	}.Sign(t)

	inv, err := bolt11.Decode(request)
	require.NoError(t, err)
	assert.NotEqual(t, bolt11test.PayeeHex(), inv.PayeeHex())
	assert.Equal(t, strings.ToLower(inv.PayeeHex()), inv.PayeeHex())
}

func TestMilliSatToSatRoundsDown(t *testing.T) {
	assert.Equal(t, uint64(0), bolt11.MilliSatToSat(999))
	assert.Equal(t, uint64(1), bolt11.MilliSatToSat(1000))
	assert.Equal(t, uint64(1), bolt11.MilliSatToSat(1999))
	assert.Equal(t, uint64(500), bolt11.MilliSatToSat(500_000))
}

func TestSatToMilliSat(t *testing.T) {
	msat, ok := bolt11.SatToMilliSat(1000)
	require.True(t, ok)
	assert.Equal(t, uint64(1_000_000), msat)

	_, ok = bolt11.SatToMilliSat(^uint64(0))
	assert.False(t, ok)
}
