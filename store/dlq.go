package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Dead letter types
// ---------------------------------------------------------------------------

// DeadLetter is an event that could not be processed, kept for offline
// triage. Reason and Severity are filled in by the analyzer.
type DeadLetter struct {
	ID           uuid.UUID       `json:"id"`
	Source       string          `json:"source"`
	EventID      string          `json:"event_id,omitempty"`
	EventType    string          `json:"event_type,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Envelope     json.RawMessage `json:"envelope"`
	Error        string          `json:"error"`
	Retryable    bool            `json:"retryable"`
	Attempts     int             `json:"attempts"`
	ReceiveCount int             `json:"receive_count"`
	Reason       string          `json:"reason,omitempty"`
	Severity     string          `json:"severity,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DeadLetterFilter specifies criteria for listing dead letters.
type DeadLetterFilter struct {
	Source   string
	Severity string
	Reason   string
	Limit    int
	Offset   int
}

// DeadLetterStats holds aggregate stats for the dead letter store.
type DeadLetterStats struct {
	Total       int            `json:"total"`
	BySeverity  map[string]int `json:"by_severity"`
	ByReason    map[string]int `json:"by_reason"`
	OldestEntry *time.Time     `json:"oldest_entry,omitempty"`
	NewestEntry *time.Time     `json:"newest_entry,omitempty"`
}

// DeadLetterSink receives dead letters.
type DeadLetterSink interface {
	Add(ctx context.Context, dl *DeadLetter) error
}

// DeadLetterStore persists dead letters for the triage dashboard.
type DeadLetterStore interface {
	DeadLetterSink
	Get(ctx context.Context, id uuid.UUID) (*DeadLetter, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (DeadLetterStats, error)
}

// ===========================================================================
// InMemoryDeadLetterStore
// ===========================================================================

// InMemoryDeadLetterStore is a thread-safe in-memory DeadLetterStore.
type InMemoryDeadLetterStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*DeadLetter
}

// NewInMemoryDeadLetterStore creates an empty store.
func NewInMemoryDeadLetterStore() *InMemoryDeadLetterStore {
	return &InMemoryDeadLetterStore{
		entries: make(map[uuid.UUID]*DeadLetter),
	}
}

func (s *InMemoryDeadLetterStore) Add(_ context.Context, dl *DeadLetter) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation.
	cp := *dl
	if dl.Envelope != nil {
		cp.Envelope = make(json.RawMessage, len(dl.Envelope))
		copy(cp.Envelope, dl.Envelope)
	}
	s.entries[cp.ID] = &cp
	return nil
}

func (s *InMemoryDeadLetterStore) Get(_ context.Context, id uuid.UUID) (*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *dl
	return &cp, nil
}

// List returns matching entries, newest first.
func (s *InMemoryDeadLetterStore) List(_ context.Context, filter DeadLetterFilter) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*DeadLetter
	for _, dl := range s.entries {
		if matchesDeadLetterFilter(dl, filter) {
			cp := *dl
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*DeadLetter{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *InMemoryDeadLetterStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *InMemoryDeadLetterStore) Stats(_ context.Context) (DeadLetterStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := DeadLetterStats{
		Total:      len(s.entries),
		BySeverity: make(map[string]int),
		ByReason:   make(map[string]int),
	}
	for _, dl := range s.entries {
		stats.BySeverity[dl.Severity]++
		stats.ByReason[dl.Reason]++
		if stats.OldestEntry == nil || dl.CreatedAt.Before(*stats.OldestEntry) {
			t := dl.CreatedAt
			stats.OldestEntry = &t
		}
		if stats.NewestEntry == nil || dl.CreatedAt.After(*stats.NewestEntry) {
			t := dl.CreatedAt
			stats.NewestEntry = &t
		}
	}
	return stats, nil
}

// Count returns the number of stored entries.
func (s *InMemoryDeadLetterStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func matchesDeadLetterFilter(dl *DeadLetter, filter DeadLetterFilter) bool {
	if filter.Source != "" && dl.Source != filter.Source {
		return false
	}
	if filter.Severity != "" && dl.Severity != filter.Severity {
		return false
	}
	if filter.Reason != "" && dl.Reason != filter.Reason {
		return false
	}
	return true
}

var _ DeadLetterStore = (*InMemoryDeadLetterStore)(nil)
