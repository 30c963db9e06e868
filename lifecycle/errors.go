package lifecycle

import (
	"context"
	"errors"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
)

// Error taxonomy of the event path.
var (
	// ErrInvalidSignature and ErrStaleTimestamp are rejected at the boundary
	// and never retried.
	ErrInvalidSignature = billing.ErrInvalidSignature
	ErrStaleTimestamp   = billing.ErrStaleTimestamp

	// ErrMalformedEvent covers envelopes missing a customer id, subject id or
	// another required field.
	ErrMalformedEvent = billing.ErrMalformedEvent

	// ErrTenantNotFound means no tenant is mapped to the event's customer.
	ErrTenantNotFound = errors.New("lifecycle: no tenant for customer")

	// ErrSubscriptionMissing means an update arrived for a tenant without a
	// subscription record.
	ErrSubscriptionMissing = errors.New("lifecycle: subscription record missing")

	// ErrCommitFailed wraps tenant store failures. The transport redelivers.
	ErrCommitFailed = errors.New("lifecycle: commit failed")
)

// permanent lists errors that redelivery cannot fix.
var permanent = []error{
	ErrInvalidSignature,
	ErrStaleTimestamp,
	ErrMalformedEvent,
	ErrTenantNotFound,
	ErrSubscriptionMissing,
	billing.ErrUnknownPrice,
	billing.ErrUnknownStatus,
}

// IsPermanent reports whether retrying the event cannot succeed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range permanent {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the transport should redeliver the event.
// Store failures, timeouts and unclassified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
