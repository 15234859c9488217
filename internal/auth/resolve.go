package auth

import (
	"net/http"
	"strings"

	"dubproc/internal/store"
)

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	UserID string
	Role   store.Role
	// KeyScopes is non-nil when the request was authenticated via API key,
	// and constrains which operations the caller may perform regardless
	// of the underlying user's role.
	KeyScopes []store.Scope
}

// HasScope reports whether the identity may perform an operation
// requiring s. A session/bearer-authenticated identity (KeyScopes nil)
// is unconstrained by scope and relies on role checks instead.
func (id Identity) HasScope(s store.Scope) bool {
	if id.KeyScopes == nil {
		return true
	}
	for _, have := range id.KeyScopes {
		if have == s || have == store.ScopeAdminAll {
			return true
		}
	}
	return false
}

// Resolver authenticates an inbound request against, in order: an API key
// in the X-Api-Key header or as "Bearer dp_…" in the Authorization header,
// a bearer JWT in the Authorization header,
// then a session cookie paired with a CSRF header. The order matches the
// precedence machine callers (automation, then browsers) actually use.
type Resolver struct {
	store       *store.Store
	tokens      *TokenIssuer
	sessionCookieName string
	csrfHeaderName    string
	sessions    SessionLookup
}

// SessionLookup resolves a session cookie value to a user ID and its
// paired CSRF token, as issued at login. Implemented by internal/queue's
// Redis-backed session store when QUEUE_MODE is redis or auto and Redis
// is reachable at startup, or an in-process equivalent otherwise.
type SessionLookup interface {
	Lookup(sessionID string) (userID, csrfToken string, ok bool)
}

// NewResolver builds a credential resolver.
func NewResolver(st *store.Store, tokens *TokenIssuer, sessions SessionLookup) *Resolver {
	return &Resolver{
		store:             st,
		tokens:            tokens,
		sessionCookieName: "session",
		csrfHeaderName:    "X-CSRF-Token",
		sessions:          sessions,
	}
}

// Resolve authenticates r and returns the caller's identity. API keys
// are accepted via either the X-Api-Key header or a "Bearer dp_…"
// Authorization header; API-key requests bypass the CSRF check since
// they never ride ambient browser credentials.
func (res *Resolver) Resolve(r *http.Request) (Identity, error) {
	if raw := r.Header.Get("X-Api-Key"); raw != "" {
		return res.resolveApiKey(raw)
	}

	authz := r.Header.Get("Authorization")

	if strings.HasPrefix(authz, "Bearer ") {
		raw := strings.TrimPrefix(authz, "Bearer ")
		if strings.HasPrefix(raw, "dp_") {
			return res.resolveApiKey(raw)
		}
		claims, err := res.tokens.ParseAccessToken(raw)
		if err != nil {
			return Identity{}, err
		}
		return Identity{UserID: claims.Subject, Role: claims.Role}, nil
	}

	if res.sessions != nil {
		cookie, err := r.Cookie(res.sessionCookieName)
		if err == nil {
			userID, csrfToken, ok := res.sessions.Lookup(cookie.Value)
			if !ok {
				return Identity{}, ErrUnauthenticated
			}
			if isUnsafeMethod(r.Method) && r.Header.Get(res.csrfHeaderName) != csrfToken {
				return Identity{}, ErrForbidden
			}
			user, err := res.store.GetUser(userID)
			if err != nil {
				return Identity{}, ErrUnauthenticated
			}
			return Identity{UserID: user.ID, Role: user.Role}, nil
		}
	}

	return Identity{}, ErrUnauthenticated
}

func (res *Resolver) resolveApiKey(raw string) (Identity, error) {
	key, err := VerifyApiKey(res.store, raw)
	if err != nil {
		return Identity{}, err
	}
	if key.Revoked {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: key.UserID, Role: store.RoleOperator, KeyScopes: key.Scopes}, nil
}

func isUnsafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
