package auth

import (
	"fmt"
	"time"

	"dubproc/internal/store"
)

// RefreshService validates and rotates refresh tokens against the durable
// store, implementing the replay-detection contract of §I7: presenting a
// token that has already been rotated away revokes the user's entire chain.
type RefreshService struct {
	store  *store.Store
	tokens *TokenIssuer
}

// NewRefreshService builds a refresh service bound to a store and issuer.
func NewRefreshService(st *store.Store, tokens *TokenIssuer) *RefreshService {
	return &RefreshService{store: st, tokens: tokens}
}

// Rotate validates a presented refresh token reference and, if it's the
// live end of its chain, issues a fresh access token and refresh token,
// revoking the presented one. If the token was already revoked (meaning
// it was previously rotated, or an attacker replayed an old value), the
// entire chain for that user is revoked and ErrReplayDetected is returned.
func (r *RefreshService) Rotate(ref, deviceID, remoteIP, userAgent string) (accessToken string, accessExpiresAt time.Time, newRef string, err error) {
	jti, raw, err := decodeTokenRef(ref)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	rec, err := r.store.GetRefreshToken(jti)
	if err == store.ErrNotFound {
		return "", time.Time{}, "", ErrUnauthenticated
	}
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("looking up refresh token: %w", err)
	}

	if hashToken(raw) != rec.TokenHash {
		// The jti matches a known record but the presented secret doesn't
		// hash to what we stored: the token was forged or leaked from a
		// stale copy of the store. Treat it the same as a detected replay
		// and burn the whole chain for this user (invariant I7).
		_ = r.store.RevokeAllRefreshTokensForUser(rec.UserID)
		return "", time.Time{}, "", ErrUnauthenticated
	}

	if rec.Revoked {
		// This exact chain link was already consumed by a legitimate
		// rotation (or is being replayed). Either way the chain is
		// compromised from this point forward: burn it all.
		_ = r.store.RevokeAllRefreshTokensForUser(rec.UserID)
		return "", time.Time{}, "", ErrReplayDetected
	}

	if time.Now().UTC().After(rec.ExpiresAt) {
		return "", time.Time{}, "", ErrTokenExpired
	}

	issued, err := r.tokens.IssueRefreshToken(rec.UserID, deviceID, remoteIP, userAgent)
	if err != nil {
		return "", time.Time{}, "", err
	}
	if err := r.store.RotateRefreshToken(jti, issued.Record); err != nil {
		return "", time.Time{}, "", fmt.Errorf("rotating refresh token: %w", err)
	}

	user, err := r.store.GetUser(rec.UserID)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("loading user for rotation: %w", err)
	}

	access, expiresAt, err := r.tokens.IssueAccessToken(user.ID, user.Role)
	if err != nil {
		return "", time.Time{}, "", err
	}
	return access, expiresAt, issued.Raw, nil
}

// IssueInitial mints the first access/refresh pair for a freshly
// authenticated user (login or invite redemption).
func (r *RefreshService) IssueInitial(user *store.User, deviceID, remoteIP, userAgent string) (accessToken string, accessExpiresAt time.Time, refreshRef string, err error) {
	issued, err := r.tokens.IssueRefreshToken(user.ID, deviceID, remoteIP, userAgent)
	if err != nil {
		return "", time.Time{}, "", err
	}
	if err := r.store.PutRefreshToken(issued.Record); err != nil {
		return "", time.Time{}, "", fmt.Errorf("persisting refresh token: %w", err)
	}
	access, expiresAt, err := r.tokens.IssueAccessToken(user.ID, user.Role)
	if err != nil {
		return "", time.Time{}, "", err
	}
	return access, expiresAt, issued.Raw, nil
}
