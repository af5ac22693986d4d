// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without touching disk and to inject persistence failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by conversation ID
	claims   map[string]string   // project name -> conversation ID

	// WriteErr, when set, is returned by every mutating call after the
	// in-memory update is applied, mimicking a failed disk write.
	WriteErr error

	// Writes counts mutating calls.
	Writes int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		claims:   make(map[string]string),
	}
}

// GetSession retrieves a session by conversation ID.
func (m *MockStore) GetSession(ctx context.Context, conversationID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// SaveSession creates or overwrites a session, keeping an existing project path.
func (m *MockStore) SaveSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *session
	if existing, ok := m.sessions[session.ConversationID]; ok && existing.ProjectPath != "" {
		cp.ProjectPath = existing.ProjectPath
	}
	m.sessions[session.ConversationID] = &cp
	m.Writes++
	return m.WriteErr
}

// TouchSession refreshes LastActivity.
func (m *MockStore) TouchSession(ctx context.Context, conversationID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[conversationID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivity = at
	m.Writes++
	return m.WriteErr
}

// DeleteSession removes a session.
func (m *MockStore) DeleteSession(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, conversationID)
	m.Writes++
	return m.WriteErr
}

// ListSessions returns all sessions ordered by conversation ID.
func (m *MockStore) ListSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

// GetClaim retrieves a claim by project name.
func (m *MockStore) GetClaim(ctx context.Context, projectName string) (*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owner, ok := m.claims[projectName]
	if !ok {
		return nil, ErrNotFound
	}
	return &Claim{ProjectName: projectName, ConversationID: owner}, nil
}

// ClaimProject claims an unclaimed name and returns the owning claim.
func (m *MockStore) ClaimProject(ctx context.Context, projectName, conversationID string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.claims[projectName]; ok {
		return &Claim{ProjectName: projectName, ConversationID: owner}, nil
	}
	m.claims[projectName] = conversationID
	m.Writes++
	return &Claim{ProjectName: projectName, ConversationID: conversationID}, m.WriteErr
}

// ListClaims returns all claims ordered by project name.
func (m *MockStore) ListClaims(ctx context.Context) ([]*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Claim, 0, len(m.claims))
	for name, owner := range m.claims {
		out = append(out, &Claim{ProjectName: name, ConversationID: owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectName < out[j].ProjectName })
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
