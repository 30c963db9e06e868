package cache

import (
	"context"
	"log/slog"

	"github.com/GoCodeAlone/subscription-lifecycle/store"
)

// TenantLookup is the authoritative customer index.
type TenantLookup interface {
	GetTenantByCustomerID(ctx context.Context, customerID string) (*store.Tenant, error)
}

// CachedResolver resolves customer ids through the local cache, then Redis,
// then the directory. Only positive results are cached, so a tenant that is
// provisioned after a miss resolves on the next event. Redis failures fall
// through to the directory.
type CachedResolver struct {
	directory TenantLookup
	redis     *RedisTenantCache
	local     *LocalCache
	logger    *slog.Logger
}

// NewCachedResolver creates a CachedResolver. redis and local may be nil.
func NewCachedResolver(directory TenantLookup, redis *RedisTenantCache, local *LocalCache, logger *slog.Logger) *CachedResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedResolver{
		directory: directory,
		redis:     redis,
		local:     local,
		logger:    logger.With("component", "tenant-resolver"),
	}
}

// ResolveTenant returns the tenant id mapped to customerID. An unmapped
// customer returns the directory's store.ErrNotFound.
func (r *CachedResolver) ResolveTenant(ctx context.Context, customerID string) (string, error) {
	if r.local != nil {
		if id, ok := r.local.Get(customerID); ok {
			return id, nil
		}
	}
	if r.redis != nil {
		id, ok, err := r.redis.Get(ctx, customerID)
		if err != nil {
			r.logger.Warn("tenant cache read failed", "customer_id", customerID, "error", err)
		} else if ok {
			if r.local != nil {
				r.local.Set(customerID, id)
			}
			return id, nil
		}
	}

	tenant, err := r.directory.GetTenantByCustomerID(ctx, customerID)
	if err != nil {
		return "", err
	}
	if r.redis != nil {
		if err := r.redis.Set(ctx, customerID, tenant.ID); err != nil {
			r.logger.Warn("tenant cache write failed", "customer_id", customerID, "error", err)
		}
	}
	if r.local != nil {
		r.local.Set(customerID, tenant.ID)
	}
	return tenant.ID, nil
}

// Invalidate drops a customer from both cache tiers.
func (r *CachedResolver) Invalidate(ctx context.Context, customerID string) error {
	if r.local != nil {
		r.local.Delete(customerID)
	}
	if r.redis != nil {
		return r.redis.Delete(ctx, customerID)
	}
	return nil
}
