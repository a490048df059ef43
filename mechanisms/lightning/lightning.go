// Package lightning implements the facilitator side of the x402 "exact"
// payment scheme over Bitcoin Lightning. It verifies that a BOLT11 invoice
// has been paid to the expected payee for at least the required amount, and
// settles the payment at most once per (invoice, resource) pair.
package lightning

import (
	"fmt"

	x402 "github.com/x402-foundation/x402-lightning"
	"github.com/x402-foundation/x402-lightning/bolt11"
)

const (
	// SchemeExact is the payment scheme identifier.
	SchemeExact = "exact"

	// AssetBTC is the only asset this mechanism accepts.
	AssetBTC = "BTC"

	// UnitSats is the only recognized value for extra.unit.
	UnitSats = "sats"
)

// Recognized keys of PaymentRequirements.Extra. Unknown keys are ignored.
const (
	ExtraKeyUnit          = "unit"
	ExtraKeyExpirySeconds = "expirySeconds"
	ExtraKeyPayeePubkey   = "payeePubkey"
)

// Network identifiers this mechanism serves.
const (
	NetworkMainnet x402.Network = "btc-lightning-mainnet"
	NetworkTestnet x402.Network = "btc-lightning-testnet"
	NetworkSignet  x402.Network = "btc-lightning-signet"
	NetworkRegtest x402.Network = "btc-lightning-regtest"
)

var networkToInvoiceNetwork = map[x402.Network]bolt11.Network{
	NetworkMainnet: bolt11.NetworkMainnet,
	NetworkTestnet: bolt11.NetworkTestnet,
	NetworkSignet:  bolt11.NetworkSignet,
	NetworkRegtest: bolt11.NetworkRegtest,
}

// Networks lists every network identifier this mechanism serves.
func Networks() []x402.Network {
	return []x402.Network{NetworkMainnet, NetworkTestnet, NetworkSignet, NetworkRegtest}
}

// InvoiceNetworkFor maps an x402 network identifier to the Bitcoin network a
// conforming invoice must be bound to.
func InvoiceNetworkFor(network x402.Network) (bolt11.Network, error) {
	n, ok := networkToInvoiceNetwork[network]
	if !ok {
		return "", fmt.Errorf("unknown lightning network %q", network)
	}
	return n, nil
}

// ExactLightningPayload is the typed form of the X-PAYMENT payload for this
// scheme.
type ExactLightningPayload struct {
	// Bolt11 is the raw invoice string.
	Bolt11 string `json:"bolt11"`

	// InvoiceID is an optional backend lookup hint. It never substitutes
	// for payment-hash correspondence.
	InvoiceID string `json:"invoiceId,omitempty"`
}

// PayloadFromMap creates an ExactLightningPayload from a map.
// Returns an error if required fields are missing or malformed.
func PayloadFromMap(data map[string]interface{}) (*ExactLightningPayload, error) {
	payload := &ExactLightningPayload{}

	if bolt11Str, ok := data["bolt11"].(string); ok && bolt11Str != "" {
		payload.Bolt11 = bolt11Str
	} else {
		return nil, fmt.Errorf("missing or invalid bolt11 field")
	}

	if invoiceID, ok := data["invoiceId"].(string); ok {
		payload.InvoiceID = invoiceID
	}

	return payload, nil
}
