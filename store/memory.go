package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
)

// ErrInjected is returned by MemoryDirectory when a write failure is injected.
var ErrInjected = errors.New("injected failure")

// MemoryDirectory is a thread-safe in-memory TenantDirectory. A single mutex
// makes CommitSubscription atomic.
type MemoryDirectory struct {
	mu          sync.RWMutex
	tenants     map[string]*Tenant
	byCustomer  map[string]string
	records     map[string]*billing.SubscriptionRecord
	processed   map[string]map[string]time.Time
	audit       map[string][]*billing.GroupUpdateAuditRecord
	failAudit   error
	failCommit  error
	commitCalls int
}

// NewMemoryDirectory creates an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		tenants:    make(map[string]*Tenant),
		byCustomer: make(map[string]string),
		records:    make(map[string]*billing.SubscriptionRecord),
		processed:  make(map[string]map[string]time.Time),
		audit:      make(map[string][]*billing.GroupUpdateAuditRecord),
	}
}

// FailAuditWrites makes every commit carrying an audit record fail with err
// after the record write has been staged. Pass nil to clear.
func (m *MemoryDirectory) FailAuditWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAudit = err
}

// FailCommits makes every commit fail with err. Pass nil to clear.
func (m *MemoryDirectory) FailCommits(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCommit = err
}

// CommitCalls returns how many times CommitSubscription was invoked.
func (m *MemoryDirectory) CommitCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commitCalls
}

func (m *MemoryDirectory) PutTenant(_ context.Context, t *Tenant) error {
	if t == nil || t.ID == "" {
		return errors.New("tenant id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.tenants[t.ID]; ok && prev.CustomerID != "" {
		delete(m.byCustomer, prev.CustomerID)
	}
	if owner, ok := m.byCustomer[t.CustomerID]; ok && owner != t.ID {
		return ErrDuplicate
	}
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.tenants[t.ID] = &cp
	if t.CustomerID != "" {
		m.byCustomer[t.CustomerID] = t.ID
	}
	return nil
}

func (m *MemoryDirectory) GetTenantByCustomerID(_ context.Context, customerID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCustomer[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.tenants[id]
	return &cp, nil
}

func (m *MemoryDirectory) GetSubscription(_ context.Context, tenantID string) (*billing.SubscriptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryDirectory) CommitSubscription(_ context.Context, req CommitRequest) (CommitResult, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitCalls++

	if m.failCommit != nil {
		return "", m.failCommit
	}
	if _, seen := m.processed[req.TenantID][req.EventID]; seen {
		return CommitAlreadyApplied, nil
	}
	current, exists := m.records[req.TenantID]
	switch {
	case req.Create && exists:
		return CommitConflict, nil
	case !req.Create && !exists:
		return "", ErrNotFound
	case !req.Create && current.LastEventID != req.ExpectedEventID:
		return CommitConflict, nil
	}

	// Stage every write, then publish together. An injected audit failure
	// discards the staged record.
	staged := req.Record.Clone()
	var stagedAudit *billing.GroupUpdateAuditRecord
	if req.Audit != nil {
		if m.failAudit != nil {
			return "", m.failAudit
		}
		a := *req.Audit
		stagedAudit = &a
	}

	m.records[req.TenantID] = staged
	if m.processed[req.TenantID] == nil {
		m.processed[req.TenantID] = make(map[string]time.Time)
	}
	m.processed[req.TenantID][req.EventID] = time.Now().UTC()
	if stagedAudit != nil {
		m.audit[req.TenantID] = append(m.audit[req.TenantID], stagedAudit)
	}
	return CommitApplied, nil
}

func (m *MemoryDirectory) ListExpiredCancellations(_ context.Context, before time.Time, limit int) ([]*billing.SubscriptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*billing.SubscriptionRecord
	for _, r := range m.records {
		if pendingExpiry(r, before) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AccessEndsAt.Before(*out[j].AccessEndsAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDirectory) ListAudit(_ context.Context, tenantID string) ([]*billing.GroupUpdateAuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.audit[tenantID]
	out := make([]*billing.GroupUpdateAuditRecord, len(src))
	for i, a := range src {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

// IsProcessed reports whether an event id has been committed for a tenant.
func (m *MemoryDirectory) IsProcessed(tenantID, eventID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[tenantID][eventID]
	return ok
}

var _ TenantDirectory = (*MemoryDirectory)(nil)
