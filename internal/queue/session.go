package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefixLoginSession = "dubproc:session:"

// loginSession is the payload stored under a browser session cookie,
// pairing the authenticated user with the CSRF token issued alongside it.
type loginSession struct {
	UserID    string    `json:"user_id"`
	CSRFToken string    `json:"csrf_token"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore is a Redis-backed implementation of auth.SessionLookup,
// grounded on stream_gateway's session.Manager TTL-keyed pattern but
// storing login identity instead of playback admission state.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionStore builds a session store sharing the queue's Redis client.
func NewSessionStore(q *Queue, ttl time.Duration) *SessionStore {
	return &SessionStore{client: q.client, ttl: ttl}
}

// Create starts a new browser session for userID, returning the opaque
// session ID to set as a cookie and the CSRF token to echo back to the
// client for embedding in subsequent unsafe requests.
func (s *SessionStore) Create(ctx context.Context, userID string) (sessionID, csrfToken string, err error) {
	sessionID, err = randomHex(24)
	if err != nil {
		return "", "", err
	}
	csrfToken, err = randomHex(24)
	if err != nil {
		return "", "", err
	}

	payload, err := json.Marshal(loginSession{UserID: userID, CSRFToken: csrfToken, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", "", fmt.Errorf("marshaling session: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefixLoginSession+sessionID, payload, s.ttl).Err(); err != nil {
		return "", "", fmt.Errorf("storing session: %w", err)
	}
	return sessionID, csrfToken, nil
}

// Lookup implements auth.SessionLookup.
func (s *SessionStore) Lookup(sessionID string) (userID, csrfToken string, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := s.client.Get(ctx, keyPrefixLoginSession+sessionID).Bytes()
	if err != nil {
		return "", "", false
	}
	var sess loginSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return "", "", false
	}
	return sess.UserID, sess.CSRFToken, true
}

// Heartbeat extends a session's TTL, keeping an active browser tab logged in.
func (s *SessionStore) Heartbeat(ctx context.Context, sessionID string) error {
	return s.client.Expire(ctx, keyPrefixLoginSession+sessionID, s.ttl).Err()
}

// End terminates a session immediately, e.g. on logout.
func (s *SessionStore) End(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, keyPrefixLoginSession+sessionID).Err()
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
