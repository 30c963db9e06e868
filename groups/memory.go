package groups

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for local runs and tests.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[string][]string
	membership map[string]map[string]bool
	failGrant  map[string]error
	failRevoke map[string]error
	calls      []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string][]string),
		membership: make(map[string]map[string]bool),
		failGrant:  make(map[string]error),
		failRevoke: make(map[string]error),
	}
}

// AddUser registers a user under a tenant with optional initial groups.
func (m *MemoryStore) AddUser(tenantID, userID string, groups ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[tenantID] = append(m.users[tenantID], userID)
	if m.membership[userID] == nil {
		m.membership[userID] = make(map[string]bool)
	}
	for _, g := range groups {
		m.membership[userID][g] = true
	}
}

// FailGrant makes grants for userID fail with err. Pass nil to clear.
func (m *MemoryStore) FailGrant(userID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failGrant, userID)
		return
	}
	m.failGrant[userID] = err
}

// FailRevoke makes revokes for userID fail with err. Pass nil to clear.
func (m *MemoryStore) FailRevoke(userID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failRevoke, userID)
		return
	}
	m.failRevoke[userID] = err
}

func (m *MemoryStore) ListUsers(_ context.Context, tenantID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.users[tenantID]))
	copy(out, m.users[tenantID])
	return out, nil
}

func (m *MemoryStore) Grant(_ context.Context, userID, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "grant:"+userID+":"+group)
	if err := m.failGrant[userID]; err != nil {
		return err
	}
	if m.membership[userID] == nil {
		return ErrUserNotFound
	}
	m.membership[userID][group] = true
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, userID, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "revoke:"+userID+":"+group)
	if err := m.failRevoke[userID]; err != nil {
		return err
	}
	if m.membership[userID] == nil {
		return ErrUserNotFound
	}
	delete(m.membership[userID], group)
	return nil
}

// Groups returns a user's groups, sorted.
func (m *MemoryStore) Groups(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for g := range m.membership[userID] {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Calls returns the grant and revoke calls in the order they were made.
func (m *MemoryStore) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

var _ Store = (*MemoryStore)(nil)
