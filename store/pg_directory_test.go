package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
)

// newTestPGPool opens a pgxpool connection using the PG_URL env var.
// The test is skipped when PG_URL is not set.
func newTestPGPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pgURL := os.Getenv("PG_URL")
	if pgURL == "" {
		t.Skip("PG_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPGPool(ctx, PGConfig{URL: pgURL, MaxConns: 8})
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func newTestPGDirectory(t *testing.T) *PGDirectory {
	t.Helper()
	pool := newTestPGPool(t)
	ctx := context.Background()
	dir, err := NewPGDirectory(ctx, pool)
	if err != nil {
		t.Fatalf("NewPGDirectory: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`TRUNCATE group_update_audit, processed_events, subscriptions, tenants`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return dir
}

func TestPGDirectoryContract(t *testing.T) {
	directoryContract(t, newTestPGDirectory(t))
}

func TestPGDirectoryRejectsDuplicateCustomer(t *testing.T) {
	dir := newTestPGDirectory(t)
	ctx := context.Background()
	if err := dir.PutTenant(ctx, &Tenant{ID: "T1", CustomerID: "C1"}); err != nil {
		t.Fatal(err)
	}
	if err := dir.PutTenant(ctx, &Tenant{ID: "T2", CustomerID: "C1"}); err != ErrDuplicate {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestPGDirectoryFailedUpdateRollsBackMarker(t *testing.T) {
	dir := newTestPGDirectory(t)
	ctx := context.Background()
	_ = dir.PutTenant(ctx, &Tenant{ID: "T1", CustomerID: "C1"})

	// ErrNotFound aborts the transaction, so the same event id can be
	// applied once the record exists.
	if _, err := dir.CommitSubscription(ctx, CommitRequest{
		TenantID: "T1", EventID: "E1", Record: testRecord("T1", "E1", billing.StatusActive),
	}); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	res, err := dir.CommitSubscription(ctx, CommitRequest{
		TenantID: "T1", EventID: "E1", Create: true, Record: testRecord("T1", "E1", billing.StatusActive),
	})
	if err != nil || res != CommitApplied {
		t.Fatalf("create: res=%s err=%v", res, err)
	}
}

func TestPGDirectoryListExpiredCancellations(t *testing.T) {
	dir := newTestPGDirectory(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, tc := range []struct {
		id   string
		ends time.Duration
	}{
		{"T1", -time.Hour},
		{"T2", time.Hour},
	} {
		_ = dir.PutTenant(ctx, &Tenant{ID: tc.id, CustomerID: "C" + tc.id})
		r := testRecord(tc.id, "E1", billing.StatusActive)
		r.CancelAtPeriodEnd = true
		ends := now.Add(tc.ends)
		r.AccessEndsAt = &ends
		if _, err := dir.CommitSubscription(ctx, CommitRequest{TenantID: tc.id, EventID: "E1", Create: true, Record: r}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := dir.ListExpiredCancellations(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TenantID != "T1" {
		t.Errorf("got %+v, want only T1", got)
	}
}
