package auth

import (
	"context"
	"sync"
)

var (
	_ TokenStore   = (*MemoryTokens)(nil)
	_ SessionStore = (*MemorySessions)(nil)
	_ AuditStore   = (*MemoryAudit)(nil)
)

// MemoryTokens is an in-process TokenStore.
type MemoryTokens struct {
	mu        sync.Mutex
	records   map[string]*TokenRecord
	byAccess  map[string]string
	byRefresh map[string]string
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{
		records:   make(map[string]*TokenRecord),
		byAccess:  make(map[string]string),
		byRefresh: make(map[string]string),
	}
}

func (m *MemoryTokens) Create(_ context.Context, rec *TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(rec)
	return nil
}

func (m *MemoryTokens) putLocked(rec *TokenRecord) {
	cp := *rec
	m.records[rec.ID] = &cp
	m.byAccess[rec.AccessJTI] = rec.ID
	m.byRefresh[rec.RefreshJTI] = rec.ID
}

func (m *MemoryTokens) FindByAccessID(_ context.Context, jti string) (*TokenRecord, error) {
	return m.find(m.byAccess, jti)
}

func (m *MemoryTokens) FindByRefreshID(_ context.Context, jti string) (*TokenRecord, error) {
	return m.find(m.byRefresh, jti)
}

func (m *MemoryTokens) find(index map[string]string, jti string) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := index[jti]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.records[id]
	return &cp, nil
}

func (m *MemoryTokens) Rotate(_ context.Context, oldID string, next *TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.records[oldID]
	if !ok {
		return ErrNotFound
	}
	if old.Revoked {
		return ErrTokenRevoked
	}
	old.Revoked = true
	m.putLocked(next)
	return nil
}

func (m *MemoryTokens) RevokeBySession(_ context.Context, sessionToken string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.SessionToken == sessionToken && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

// MemorySessions is an in-process SessionStore.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]*Session)}
}

func (m *MemorySessions) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.Token] = &cp
	return nil
}

func (m *MemorySessions) Get(_ context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySessions) Revoke(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[token]; ok {
		s.IsActive = false
	}
	return nil
}

func (m *MemorySessions) ListByStaff(_ context.Context, staffID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.StaffID == staffID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Len reports how many sessions were ever created.
func (m *MemorySessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// MemoryAudit is an in-process AuditStore.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []LoginAudit
}

func NewMemoryAudit() *MemoryAudit { return &MemoryAudit{} }

func (m *MemoryAudit) Append(_ context.Context, entry *LoginAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

// Entries returns a copy of the recorded rows in append order.
func (m *MemoryAudit) Entries() []LoginAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LoginAudit(nil), m.entries...)
}
