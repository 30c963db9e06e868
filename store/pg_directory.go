package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
)

// PGDirectory implements TenantDirectory backed by PostgreSQL using pgxpool.
// Each commit is a single transaction.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory creates a PGDirectory and ensures the schema exists.
func NewPGDirectory(ctx context.Context, pool *pgxpool.Pool) (*PGDirectory, error) {
	d := &PGDirectory{pool: pool}
	if err := d.createTables(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *PGDirectory) createTables(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id          TEXT        PRIMARY KEY,
			customer_id TEXT        UNIQUE,
			name        TEXT        NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS subscriptions (
			tenant_id            TEXT        PRIMARY KEY REFERENCES tenants(id),
			status               TEXT        NOT NULL,
			plan_id              TEXT,
			cancel_at_period_end BOOLEAN     NOT NULL DEFAULT FALSE,
			access_ends_at       TIMESTAMPTZ,
			last_event_id        TEXT        NOT NULL,
			record               JSONB       NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_pending_cancel
			ON subscriptions(access_ends_at) WHERE cancel_at_period_end;
		CREATE TABLE IF NOT EXISTS processed_events (
			tenant_id    TEXT        NOT NULL,
			event_id     TEXT        NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, event_id)
		);
		CREATE TABLE IF NOT EXISTS group_update_audit (
			id           TEXT        PRIMARY KEY,
			tenant_id    TEXT        NOT NULL,
			event_id     TEXT        NOT NULL,
			event_type   TEXT        NOT NULL,
			from_plan    TEXT,
			to_plan      TEXT,
			user_count   INTEGER     NOT NULL DEFAULT 0,
			processed_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_group_update_audit_tenant ON group_update_audit(tenant_id, processed_at);
	`)
	if err != nil {
		return fmt.Errorf("create tenant directory tables: %w", err)
	}
	return nil
}

func (d *PGDirectory) PutTenant(ctx context.Context, t *Tenant) error {
	if t == nil || t.ID == "" {
		return errors.New("tenant id is required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO tenants (id, customer_id, name, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4)
		ON CONFLICT (id) DO UPDATE SET customer_id = EXCLUDED.customer_id, name = EXCLUDED.name
	`, t.ID, t.CustomerID, t.Name, t.CreatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (d *PGDirectory) GetTenantByCustomerID(ctx context.Context, customerID string) (*Tenant, error) {
	var t Tenant
	var cust *string
	err := d.pool.QueryRow(ctx,
		`SELECT id, customer_id, name, created_at FROM tenants WHERE customer_id = $1`,
		customerID,
	).Scan(&t.ID, &cust, &t.Name, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query tenant by customer: %w", err)
	}
	if cust != nil {
		t.CustomerID = *cust
	}
	return &t, nil
}

func (d *PGDirectory) GetSubscription(ctx context.Context, tenantID string) (*billing.SubscriptionRecord, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx,
		`SELECT record FROM subscriptions WHERE tenant_id = $1`,
		tenantID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	var rec billing.SubscriptionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &rec, nil
}

func (d *PGDirectory) CommitSubscription(ctx context.Context, req CommitRequest) (CommitResult, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(req.Record)
	if err != nil {
		return "", fmt.Errorf("marshal subscription: %w", err)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A concurrent insert of the same marker blocks on the primary key until
	// the other transaction finishes.
	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_events (tenant_id, event_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		req.TenantID, req.EventID,
	)
	if err != nil {
		return "", fmt.Errorf("insert processed event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return CommitAlreadyApplied, nil
	}

	r := req.Record
	if req.Create {
		tag, err = tx.Exec(ctx, `
			INSERT INTO subscriptions (tenant_id, status, plan_id, cancel_at_period_end, access_ends_at, last_event_id, record, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tenant_id) DO NOTHING
		`, r.TenantID, string(r.Status), r.PlanID, r.CancelAtPeriodEnd, r.AccessEndsAt, r.LastEventID, data, r.UpdatedAt)
		if err != nil {
			return "", fmt.Errorf("insert subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return CommitConflict, nil
		}
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE subscriptions
			SET status = $2, plan_id = $3, cancel_at_period_end = $4, access_ends_at = $5,
				last_event_id = $6, record = $7, updated_at = $8
			WHERE tenant_id = $1 AND last_event_id = $9
		`, r.TenantID, string(r.Status), r.PlanID, r.CancelAtPeriodEnd, r.AccessEndsAt, r.LastEventID, data, r.UpdatedAt, req.ExpectedEventID)
		if err != nil {
			return "", fmt.Errorf("update subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE tenant_id = $1)`, req.TenantID,
			).Scan(&exists); err != nil {
				return "", fmt.Errorf("check subscription: %w", err)
			}
			if !exists {
				return "", ErrNotFound
			}
			return CommitConflict, nil
		}
	}

	if a := req.Audit; a != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO group_update_audit (id, tenant_id, event_id, event_type, from_plan, to_plan, user_count, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, a.ID, a.TenantID, a.EventID, string(a.EventType), a.FromPlan, a.ToPlan, a.UserCount, a.ProcessedAt)
		if err != nil {
			return "", fmt.Errorf("insert audit record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return CommitApplied, nil
}

func (d *PGDirectory) ListExpiredCancellations(ctx context.Context, before time.Time, limit int) ([]*billing.SubscriptionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.pool.Query(ctx, `
		SELECT record FROM subscriptions
		WHERE cancel_at_period_end AND status IN ('trialing', 'active', 'past_due') AND access_ends_at <= $1
		ORDER BY access_ends_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired cancellations: %w", err)
	}
	defer rows.Close()

	var out []*billing.SubscriptionRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		var rec billing.SubscriptionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal subscription: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (d *PGDirectory) ListAudit(ctx context.Context, tenantID string) ([]*billing.GroupUpdateAuditRecord, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, tenant_id, event_id, event_type, from_plan, to_plan, user_count, processed_at
		FROM group_update_audit WHERE tenant_id = $1 ORDER BY processed_at, id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []*billing.GroupUpdateAuditRecord
	for rows.Next() {
		var a billing.GroupUpdateAuditRecord
		var eventType string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.EventID, &eventType, &a.FromPlan, &a.ToPlan, &a.UserCount, &a.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.EventType = billing.EventType(eventType)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Compile-time interface assertion
// ---------------------------------------------------------------------------

var _ TenantDirectory = (*PGDirectory)(nil)
