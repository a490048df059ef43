package x402

import (
	"context"
	"sync"
)

// SupportedVersion is the x402 protocol version this facilitator speaks.
const SupportedVersion = 1

// Facilitator manages payment verification and settlement across registered
// scheme mechanisms. Routing is by (network, scheme); everything else is the
// mechanism's job.
type Facilitator struct {
	mu      sync.RWMutex
	schemes map[Network]map[string]SchemeNetworkFacilitator
}

func NewFacilitator() *Facilitator {
	return &Facilitator{
		schemes: make(map[Network]map[string]SchemeNetworkFacilitator),
	}
}

// Register registers a facilitator mechanism for a network
func (f *Facilitator) Register(network Network, facilitator SchemeNetworkFacilitator) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.schemes[network] == nil {
		f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
	}
	f.schemes[network][facilitator.Scheme()] = facilitator
	return f
}

// Verify verifies a payment against requirements.
//
// Validity failures come back as a VerifyResponse with an invalidReason;
// the error return is reserved for transient infrastructure failures
// (backend outages) and programming errors.
func (f *Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	if payload.X402Version != SupportedVersion {
		return &VerifyResponse{IsValid: false, InvalidReason: ReasonUnsupportedVersion}, nil
	}

	mechanism, resp := f.route(payload, requirements)
	if resp != nil {
		return resp, nil
	}
	return mechanism.Verify(ctx, payload, requirements)
}

// Settle settles a verified payment, consuming the underlying invoice.
func (f *Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	if payload.X402Version != SupportedVersion {
		return &SettleResponse{
			Success:     false,
			ErrorReason: ReasonUnsupportedVersion,
			Network:     requirements.Network,
		}, nil
	}

	mechanism, resp := f.route(payload, requirements)
	if resp != nil {
		return &SettleResponse{
			Success:     false,
			ErrorReason: resp.InvalidReason,
			Network:     requirements.Network,
		}, nil
	}
	return mechanism.Settle(ctx, payload, requirements)
}

// route resolves the mechanism for a payload/requirements pair. A nil
// mechanism is accompanied by a failure response carrying the reason.
func (f *Facilitator) route(payload PaymentPayload, requirements PaymentRequirements) (SchemeNetworkFacilitator, *VerifyResponse) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	schemes, ok := f.schemes[requirements.Network]
	if !ok {
		return nil, &VerifyResponse{IsValid: false, InvalidReason: ReasonInvalidNetwork}
	}
	mechanism, ok := schemes[requirements.Scheme]
	if !ok {
		return nil, &VerifyResponse{IsValid: false, InvalidReason: ReasonInvalidScheme}
	}
	return mechanism, nil
}

// GetSupported returns supported payment kinds
func (f *Facilitator) GetSupported(ctx context.Context) (SupportedResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	for network, schemeMap := range f.schemes {
		for scheme, mechanism := range schemeMap {
			kinds = append(kinds, SupportedKind{
				X402Version: SupportedVersion,
				Scheme:      scheme,
				Network:     network,
				Extra:       mechanism.GetExtra(network),
			})
		}
	}
	return SupportedResponse{Kinds: kinds}, nil
}

var _ FacilitatorClient = (*Facilitator)(nil)
