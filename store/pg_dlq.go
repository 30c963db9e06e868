package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGDeadLetterStore implements DeadLetterStore backed by PostgreSQL using pgxpool.
type PGDeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewPGDeadLetterStore creates a PGDeadLetterStore backed by the given
// connection pool and ensures the required schema exists.
func NewPGDeadLetterStore(ctx context.Context, pool *pgxpool.Pool) (*PGDeadLetterStore, error) {
	s := &PGDeadLetterStore{pool: pool}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGDeadLetterStore) init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letters (
			id            UUID        PRIMARY KEY,
			source        TEXT        NOT NULL,
			event_id      TEXT        NOT NULL DEFAULT '',
			event_type    TEXT        NOT NULL DEFAULT '',
			tenant_id     TEXT        NOT NULL DEFAULT '',
			envelope      JSONB,
			error         TEXT        NOT NULL,
			retryable     BOOLEAN     NOT NULL DEFAULT FALSE,
			attempts      INTEGER     NOT NULL DEFAULT 0,
			receive_count INTEGER     NOT NULL DEFAULT 0,
			reason        TEXT        NOT NULL DEFAULT '',
			severity      TEXT        NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_severity   ON dead_letters(severity);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_reason     ON dead_letters(reason);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at ON dead_letters(created_at);
	`)
	if err != nil {
		return fmt.Errorf("create dead_letters table: %w", err)
	}
	return nil
}

const deadLetterColumns = `id, source, event_id, event_type, tenant_id, envelope, error, retryable,
	attempts, receive_count, reason, severity, created_at`

func (s *PGDeadLetterStore) Add(ctx context.Context, dl *DeadLetter) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}

	// JSONB rejects invalid documents; keep the raw body as a JSON string.
	envelope := []byte(dl.Envelope)
	if len(envelope) > 0 && !json.Valid(envelope) {
		quoted, err := json.Marshal(string(envelope))
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		envelope = quoted
	}
	if len(envelope) == 0 {
		envelope = nil
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (`+deadLetterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		dl.ID, dl.Source, dl.EventID, dl.EventType, dl.TenantID, envelope, dl.Error, dl.Retryable,
		dl.Attempts, dl.ReceiveCount, dl.Reason, dl.Severity, dl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *PGDeadLetterStore) Get(ctx context.Context, id uuid.UUID) (*DeadLetter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query dead letter: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query dead letter: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanPGDeadLetter(rows)
}

func (s *PGDeadLetterStore) List(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error) {
	query, args := buildPGDeadLetterQuery(`SELECT `+deadLetterColumns+` FROM dead_letters`, filter)
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl, err := scanPGDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *PGDeadLetterStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGDeadLetterStore) Stats(ctx context.Context) (DeadLetterStats, error) {
	stats := DeadLetterStats{
		BySeverity: make(map[string]int),
		ByReason:   make(map[string]int),
	}
	rows, err := s.pool.Query(ctx,
		`SELECT severity, reason, COUNT(*), MIN(created_at), MAX(created_at)
		 FROM dead_letters GROUP BY severity, reason`)
	if err != nil {
		return stats, fmt.Errorf("query dead letter stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var severity, reason string
		var n int
		var oldest, newest time.Time
		if err := rows.Scan(&severity, &reason, &n, &oldest, &newest); err != nil {
			return stats, fmt.Errorf("scan dead letter stats: %w", err)
		}
		stats.Total += n
		stats.BySeverity[severity] += n
		stats.ByReason[reason] += n
		if stats.OldestEntry == nil || oldest.Before(*stats.OldestEntry) {
			o := oldest
			stats.OldestEntry = &o
		}
		if stats.NewestEntry == nil || newest.After(*stats.NewestEntry) {
			nw := newest
			stats.NewestEntry = &nw
		}
	}
	return stats, rows.Err()
}

func buildPGDeadLetterQuery(base string, filter DeadLetterFilter) (string, []any) {
	var conditions []string
	var args []any
	idx := 1

	if filter.Source != "" {
		conditions = append(conditions, fmt.Sprintf("source = $%d", idx))
		args = append(args, filter.Source)
		idx++
	}
	if filter.Severity != "" {
		conditions = append(conditions, fmt.Sprintf("severity = $%d", idx))
		args = append(args, filter.Severity)
		idx++
	}
	if filter.Reason != "" {
		conditions = append(conditions, fmt.Sprintf("reason = $%d", idx))
		args = append(args, filter.Reason)
	}

	query := base
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	return query, args
}

func scanPGDeadLetter(rows pgx.Rows) (*DeadLetter, error) {
	var dl DeadLetter
	var envelope []byte
	err := rows.Scan(
		&dl.ID, &dl.Source, &dl.EventID, &dl.EventType, &dl.TenantID, &envelope,
		&dl.Error, &dl.Retryable, &dl.Attempts, &dl.ReceiveCount,
		&dl.Reason, &dl.Severity, &dl.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	if envelope != nil {
		dl.Envelope = json.RawMessage(envelope)
	}
	return &dl, nil
}

// ---------------------------------------------------------------------------
// Compile-time interface assertion
// ---------------------------------------------------------------------------

var _ DeadLetterStore = (*PGDeadLetterStore)(nil)
