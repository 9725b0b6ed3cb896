package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for exercising the auth core without a
// database. Methods can be forced to fail via the err field.
type memStore struct {
	mu         sync.Mutex
	principals map[string]*Principal
	grants     map[string]Grants
	sessions   map[string]*Session // keyed by session id
	err        error

	resolveCalls int
}

func newMemStore() *memStore {
	return &memStore{
		principals: map[string]*Principal{},
		grants:     map[string]Grants{},
		sessions:   map[string]*Session{},
	}
}

func (m *memStore) addPrincipal(p *Principal, g Grants) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.principals[p.ID] = &cp
	m.grants[p.ID] = g
}

func (m *memStore) setGrants(id string, g Grants) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[id] = g
}

func (m *memStore) principal(id string) *Principal {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.principals[id]
	return &cp
}

func (m *memStore) FindPrincipalByEmail(_ context.Context, email string) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, p := range m.principals {
		if p.Email == email {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPrincipalNotFound
}

func (m *memStore) FindPrincipal(_ context.Context, id string) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.principals[id]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) UpdateLockout(_ context.Context, id string, attempts int, lockedUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p, ok := m.principals[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	p.FailedAttempts = attempts
	p.LockedUntil = lockedUntil
	return nil
}

func (m *memStore) RecordLogin(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p, ok := m.principals[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	now := time.Now().UTC()
	p.FailedAttempts = 0
	p.LockedUntil = nil
	p.LastLogin = &now
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p, ok := m.principals[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	p.PasswordHash = passwordHash
	return nil
}

func (m *memStore) ResolveGrants(_ context.Context, id string) (Grants, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveCalls++
	if m.err != nil {
		return Grants{}, m.err
	}
	p, ok := m.principals[id]
	if !ok || !p.Active {
		return Grants{}, ErrPrincipalNotFound
	}
	return m.grants[id], nil
}

func (m *memStore) PersistSession(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *sess
	m.sessions[sess.ID] = &cp
	return nil
}

func (m *memStore) MarkSessionRevokedByJTI(_ context.Context, jti, revokerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, s := range m.sessions {
		if s.JTI == jti && !s.Revoked {
			now := time.Now().UTC()
			s.Revoked = true
			s.RevokedAt = &now
			s.RevokedBy = revokerID
		}
	}
	return nil
}

func (m *memStore) IsSessionRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	for _, s := range m.sessions {
		if s.JTI == jti {
			return s.Revoked, nil
		}
	}
	return false, nil
}

func (m *memStore) FindSession(_ context.Context, principalID, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.sessions[sessionID]
	if !ok || s.PrincipalID != principalID {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListSessions(_ context.Context, principalID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var result []*Session
	for _, s := range m.sessions {
		if s.PrincipalID == principalID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

var errStoreDown = errors.New("store down")
