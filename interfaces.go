package x402

import "context"

// SchemeNetworkFacilitator is implemented by facilitator-side payment mechanisms.
// A mechanism owns the full verification pipeline for one scheme on one or
// more networks; the registry only routes to it.
type SchemeNetworkFacilitator interface {
	Scheme() string

	// GetExtra returns mechanism-specific extra data for the supported
	// kinds endpoint, or nil if there is none.
	GetExtra(network Network) map[string]interface{}

	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
}

// FacilitatorClient is the upstream interface a resource server consumes.
// Both the in-process facilitator and remote HTTP clients implement it.
type FacilitatorClient interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
	GetSupported(ctx context.Context) (SupportedResponse, error)
}
