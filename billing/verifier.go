package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultReplayWindow is the maximum age of a signed webhook request.
const DefaultReplayWindow = 300 * time.Second

// Verifier authenticates Stripe webhook requests: a timestamped HMAC over the
// body, rejected outside the replay window even when the digest is valid.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier for the endpoint's signing secret. A
// non-positive tolerance uses DefaultReplayWindow.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultReplayWindow
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks the Stripe-Signature header and returns the canonical event.
// The webhook API version is not enforced; payloads are decoded into the
// fields the engine consumes, which are stable across versions.
func (v *Verifier) Verify(payload []byte, signature string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrTooOld):
			return nil, fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
		case errors.Is(err, webhook.ErrNotSigned), errors.Is(err, webhook.ErrNoValidSignature), errors.Is(err, webhook.ErrInvalidHeader):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}
	return NormalizeStripeEvent(evt, payload)
}

// SignatureHeader is the request header carrying the Stripe signature.
const SignatureHeader = "Stripe-Signature"
