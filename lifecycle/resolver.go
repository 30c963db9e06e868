package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/subscription-lifecycle/store"
)

// TenantResolver maps a provider customer id onto a tenant id. An unmapped
// customer returns store.ErrNotFound or ErrTenantNotFound.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, customerID string) (string, error)
}

// DirectoryResolver resolves customers straight from the tenant directory.
type DirectoryResolver struct {
	Directory interface {
		GetTenantByCustomerID(ctx context.Context, customerID string) (*store.Tenant, error)
	}
}

func (r DirectoryResolver) ResolveTenant(ctx context.Context, customerID string) (string, error) {
	t, err := r.Directory.GetTenantByCustomerID(ctx, customerID)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// resolveTenant fails closed: anything but a mapped tenant is an error.
func resolveTenant(ctx context.Context, r TenantResolver, customerID string) (string, error) {
	if customerID == "" {
		return "", fmt.Errorf("%w: missing customer id", ErrMalformedEvent)
	}
	id, err := r.ResolveTenant(ctx, customerID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrTenantNotFound):
		return "", fmt.Errorf("%w: %s", ErrTenantNotFound, customerID)
	case err != nil:
		return "", fmt.Errorf("resolve tenant for %s: %w", customerID, err)
	case id == "":
		return "", fmt.Errorf("%w: %s", ErrTenantNotFound, customerID)
	}
	return id, nil
}
