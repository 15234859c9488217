package auth

import (
	"context"
	"sync"
	"time"
)

// SessionStore extends SessionLookup with session creation and
// termination, the full lifecycle the browser cookie path needs. The
// Redis-backed implementation in internal/queue satisfies it for
// multi-instance deployments; MemorySessionStore covers everything
// else, so cookie auth exists regardless of queue mode.
type SessionStore interface {
	SessionLookup
	Create(ctx context.Context, userID string) (sessionID, csrfToken string, err error)
	End(ctx context.Context, sessionID string) error
}

type memSession struct {
	userID    string
	csrfToken string
	expiresAt time.Time
}

// MemorySessionStore is an in-process SessionStore with lazy TTL
// expiry. Sessions die with the process, which matches what a
// single-instance deployment without Redis can promise anyway.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]memSession
	ttl      time.Duration
}

// NewMemorySessionStore builds an in-memory session store whose
// sessions expire ttl after creation.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]memSession), ttl: ttl}
}

// Create starts a new session for userID, returning the opaque session
// ID to set as a cookie and its paired CSRF token.
func (m *MemorySessionStore) Create(ctx context.Context, userID string) (sessionID, csrfToken string, err error) {
	sessionID, err = randomToken(24)
	if err != nil {
		return "", "", err
	}
	csrfToken, err = randomToken(24)
	if err != nil {
		return "", "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = memSession{userID: userID, csrfToken: csrfToken, expiresAt: time.Now().Add(m.ttl)}
	return sessionID, csrfToken, nil
}

// Lookup implements SessionLookup, expiring stale sessions as it finds them.
func (m *MemorySessionStore) Lookup(sessionID string) (userID, csrfToken string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, found := m.sessions[sessionID]
	if !found {
		return "", "", false
	}
	if time.Now().After(sess.expiresAt) {
		delete(m.sessions, sessionID)
		return "", "", false
	}
	return sess.userID, sess.csrfToken, true
}

// End terminates a session immediately, e.g. on logout.
func (m *MemorySessionStore) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}
