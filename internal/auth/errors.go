// Package auth implements identity and authorization (§4.B): credential
// resolution across API keys, bearer JWTs and cookie sessions, refresh
// rotation with replay detection, role-based access control, visibility
// policy and request rate limiting.
package auth

import "errors"

// Sentinel errors returned by this package, mapped to HTTP status codes by
// the gateway layer: ErrUnauthenticated -> 401, ErrForbidden -> 403,
// ErrReplayDetected -> 401 (and burns the refresh chain), ErrRateLimited -> 429.
var (
	ErrUnauthenticated = errors.New("auth: missing or invalid credentials")
	ErrForbidden        = errors.New("auth: insufficient role or visibility")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrReplayDetected   = errors.New("auth: refresh token replay detected")
	ErrRateLimited      = errors.New("auth: rate limit exceeded")
	ErrInviteInvalid    = errors.New("auth: invite token invalid, expired or consumed")
)
