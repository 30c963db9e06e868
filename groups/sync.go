// Package groups keeps a tenant's users in the authorization group of the
// tenant's current plan.
package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
	"github.com/GoCodeAlone/subscription-lifecycle/metrics"
)

// ErrUserNotFound is returned by a Store when a user id is unknown.
var ErrUserNotFound = errors.New("user not found")

// Store is the external authorization group store.
type Store interface {
	// ListUsers returns the ids of every user belonging to the tenant.
	ListUsers(ctx context.Context, tenantID string) ([]string, error)
	Grant(ctx context.Context, userID, group string) error
	Revoke(ctx context.Context, userID, group string) error
}

// ClaimsRefresher signals that a user's cached authorization tokens are stale.
type ClaimsRefresher interface {
	RefreshClaims(ctx context.Context, tenantID, userID string) error
}

// Result summarizes one synchronization.
type Result struct {
	Users     int
	Granted   int
	Revoked   int
	Refreshed int
	Failed    int
}

// Synchronizer applies group deltas to a tenant's users.
type Synchronizer struct {
	store       Store
	plans       *billing.PlanTable
	refresher   ClaimsRefresher
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithRefresher sets the claims-refresh signal target.
func WithRefresher(r ClaimsRefresher) Option {
	return func(s *Synchronizer) { s.refresher = r }
}

// WithConcurrency bounds how many users are updated in parallel.
func WithConcurrency(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// NewSynchronizer creates a Synchronizer. A nil plan table uses
// billing.DefaultPlanTable.
func NewSynchronizer(store Store, plans *billing.PlanTable, opts ...Option) *Synchronizer {
	if plans == nil {
		plans = billing.DefaultPlanTable()
	}
	s := &Synchronizer{
		store:       store,
		plans:       plans,
		concurrency: 8,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "group-sync")
	return s
}

// Sync moves every user of the tenant from the delta's source group to its
// target group. Each user is granted the new group before the old one is
// revoked, and a user whose grant failed keeps the old group. Per-user
// failures are logged and metered and do not fail the call; only a failed
// user listing is returned as an error.
func (s *Synchronizer) Sync(ctx context.Context, tenantID string, delta billing.GroupDelta) (Result, error) {
	if !s.Changes(delta) {
		return Result{}, nil
	}
	users, err := s.Users(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}
	return s.SyncUsers(ctx, tenantID, users, delta), nil
}

// Changes reports whether the delta moves users between two different groups.
func (s *Synchronizer) Changes(delta billing.GroupDelta) bool {
	return s.plans.GroupFor(delta.From) != s.plans.GroupFor(delta.To)
}

// Users lists the tenant's users.
func (s *Synchronizer) Users(ctx context.Context, tenantID string) ([]string, error) {
	users, err := s.store.ListUsers(ctx, tenantID)
	if err != nil {
		s.metrics.RecordGroupSync("list_users", "error")
		return nil, fmt.Errorf("list users for tenant %s: %w", tenantID, err)
	}
	return users, nil
}

// SyncUsers applies the delta to an already listed set of users.
func (s *Synchronizer) SyncUsers(ctx context.Context, tenantID string, users []string, delta billing.GroupDelta) Result {
	from := s.plans.GroupFor(delta.From)
	to := s.plans.GroupFor(delta.To)
	if from == to {
		return Result{}
	}

	var granted, revoked, refreshed, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, userID := range users {
		g.Go(func() error {
			if err := s.store.Grant(ctx, userID, to); err != nil {
				failed.Add(1)
				s.metrics.RecordGroupSync("grant", "error")
				s.logger.Error("group grant failed",
					"tenant_id", tenantID, "user_id", userID, "group", to, "error", err)
				return nil
			}
			granted.Add(1)
			s.metrics.RecordGroupSync("grant", "success")

			if err := s.store.Revoke(ctx, userID, from); err != nil {
				failed.Add(1)
				s.metrics.RecordGroupSync("revoke", "error")
				s.logger.Error("group revoke failed",
					"tenant_id", tenantID, "user_id", userID, "group", from, "error", err)
			} else {
				revoked.Add(1)
				s.metrics.RecordGroupSync("revoke", "success")
			}

			if s.refreshClaims(ctx, tenantID, userID) {
				refreshed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Users:     len(users),
		Granted:   int(granted.Load()),
		Revoked:   int(revoked.Load()),
		Refreshed: int(refreshed.Load()),
		Failed:    int(failed.Load()),
	}
	s.logger.Info("groups synchronized",
		"tenant_id", tenantID,
		"from_group", from,
		"to_group", to,
		"users", res.Users,
		"failed", res.Failed,
	)
	return res
}

// refreshClaims sends the refresh signal with at most one retry.
func (s *Synchronizer) refreshClaims(ctx context.Context, tenantID, userID string) bool {
	if s.refresher == nil {
		return false
	}
	var err error
	for range 2 {
		if err = s.refresher.RefreshClaims(ctx, tenantID, userID); err == nil {
			s.metrics.RecordGroupSync("refresh_claims", "success")
			return true
		}
	}
	s.metrics.RecordGroupSync("refresh_claims", "error")
	s.logger.Warn("claims refresh failed", "tenant_id", tenantID, "user_id", userID, "error", err)
	return false
}
