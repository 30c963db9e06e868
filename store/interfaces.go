package store

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
)

// Tenant is a billing customer account.
type Tenant struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// CommitResult is the outcome of a subscription commit.
type CommitResult string

const (
	// CommitApplied means the record, the processed-event marker and the
	// audit record were all written.
	CommitApplied CommitResult = "applied"
	// CommitAlreadyApplied means the event id was processed before. Nothing
	// was written.
	CommitAlreadyApplied CommitResult = "already_applied"
	// CommitConflict means the stored record changed since it was read. The
	// caller must re-read and recompute.
	CommitConflict CommitResult = "conflict"
)

// CommitRequest is a single all-or-nothing subscription write.
type CommitRequest struct {
	TenantID string
	EventID  string
	// ExpectedEventID is the LastEventID of the record the transition was
	// computed against. Ignored when Create is set.
	ExpectedEventID string
	// Create requires that no record exists yet.
	Create bool
	Record *billing.SubscriptionRecord
	// Audit is written only when the transition changed the tenant's tier.
	Audit *billing.GroupUpdateAuditRecord
}

// Validate checks that the request is internally consistent.
func (r CommitRequest) Validate() error {
	switch {
	case r.TenantID == "":
		return fmt.Errorf("commit: tenant id is required")
	case r.EventID == "":
		return fmt.Errorf("commit: event id is required")
	case r.Record == nil:
		return fmt.Errorf("commit: record is required")
	case r.Record.TenantID != r.TenantID:
		return fmt.Errorf("commit: record tenant %q does not match %q", r.Record.TenantID, r.TenantID)
	case r.Record.LastEventID != r.EventID:
		return fmt.Errorf("commit: record watermark %q does not match event %q", r.Record.LastEventID, r.EventID)
	case r.Audit != nil && r.Audit.TenantID != r.TenantID:
		return fmt.Errorf("commit: audit tenant %q does not match %q", r.Audit.TenantID, r.TenantID)
	}
	return nil
}

// TenantDirectory is the authoritative store for tenants and their
// subscription records. CommitSubscription is the only write path for
// subscription records and audit entries.
type TenantDirectory interface {
	// PutTenant creates or replaces a tenant and its customer index entry.
	PutTenant(ctx context.Context, t *Tenant) error
	// GetTenantByCustomerID resolves a provider customer id. Returns
	// ErrNotFound when no tenant is mapped.
	GetTenantByCustomerID(ctx context.Context, customerID string) (*Tenant, error)
	// GetSubscription returns the tenant's record or ErrNotFound.
	GetSubscription(ctx context.Context, tenantID string) (*billing.SubscriptionRecord, error)
	// CommitSubscription atomically writes the processed-event marker, the
	// record and the optional audit entry. An update against a missing record
	// returns ErrNotFound.
	CommitSubscription(ctx context.Context, req CommitRequest) (CommitResult, error)
	// ListExpiredCancellations returns records holding plan access with a
	// pending cancellation whose access end is at or before the given time.
	ListExpiredCancellations(ctx context.Context, before time.Time, limit int) ([]*billing.SubscriptionRecord, error)
	// ListAudit returns the tenant's audit entries, oldest first.
	ListAudit(ctx context.Context, tenantID string) ([]*billing.GroupUpdateAuditRecord, error)
}

// pendingCancellation reports whether a record still holds plan access with
// a cancellation scheduled.
func pendingCancellation(r *billing.SubscriptionRecord) bool {
	if r == nil || !r.CancelAtPeriodEnd || r.AccessEndsAt == nil {
		return false
	}
	return billing.HoldsPlanAccess(r.Status)
}

// pendingExpiry reports whether a record is due for a period-end downgrade.
func pendingExpiry(r *billing.SubscriptionRecord, before time.Time) bool {
	return pendingCancellation(r) && !r.AccessEndsAt.After(before)
}
