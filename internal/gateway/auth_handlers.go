package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dubproc/internal/auth"
	"dubproc/internal/obs"
	"dubproc/internal/store"
)

// LoginRequest is the JSON body for POST /auth/login. Session opts the
// browser flow in: alongside the token pair, the server starts a
// cookie session and sets the session/refresh/csrf cookies.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Session  bool   `json:"session"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresAt    string `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
}

// Login handles POST /auth/login.
func (g *Gateway) Login(c *gin.Context) {
	if !g.loginLimiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: auth.ErrRateLimited.Error()})
		return
	}
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	user, err := g.store.GetUserByUsername(req.Username)
	if err != nil || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		g.auditEmit(obs.AuditEvent{Event: obs.EventAuthLoginFailed, Outcome: obs.OutcomeFailure, UserID: req.Username}, "")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: auth.ErrUnauthenticated.Error()})
		return
	}

	deviceID := c.GetHeader("X-Device-Id")
	access, expiresAt, refreshRef, err := g.refresh.IssueInitial(user, deviceID, c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	if req.Session {
		if err := g.startSession(c, user.ID, refreshRef); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
			return
		}
	}

	g.auditEmit(obs.AuditEvent{Event: obs.EventAuthLoginOK, Outcome: obs.OutcomeSuccess, UserID: user.ID}, "")
	c.JSON(http.StatusOK, TokenResponse{
		AccessToken:  access,
		ExpiresAt:    expiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		RefreshToken: refreshRef,
	})
}

// startSession opens a cookie session for userID and sets the three
// browser cookies: session and refresh are HttpOnly; csrf is readable
// so the client can echo it back in X-CSRF-Token on unsafe requests.
func (g *Gateway) startSession(c *gin.Context, userID, refreshRef string) error {
	if g.sessions == nil {
		return errors.New("session store not configured")
	}
	sessionID, csrfToken, err := g.sessions.Create(c.Request.Context(), userID)
	if err != nil {
		return err
	}
	maxAge := int(g.tokens.RefreshTTL().Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie("session", sessionID, maxAge, "/", "", g.cookieSecure, true)
	c.SetCookie("refresh", refreshRef, maxAge, "/", "", g.cookieSecure, true)
	c.SetCookie("csrf", csrfToken, maxAge, "/", "", g.cookieSecure, false)
	return nil
}

func (g *Gateway) clearSessionCookies(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie("session", "", -1, "/", "", g.cookieSecure, true)
	c.SetCookie("refresh", "", -1, "/", "", g.cookieSecure, true)
	c.SetCookie("csrf", "", -1, "/", "", g.cookieSecure, false)
}

// RefreshRequest is the JSON body for POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh handles POST /auth/refresh, rotating the presented refresh
// token and returning a fresh access/refresh pair.
func (g *Gateway) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	deviceID := c.GetHeader("X-Device-Id")
	access, expiresAt, newRef, err := g.refresh.Rotate(req.RefreshToken, deviceID, c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		c.JSON(statusForAuthErr(err), ErrorResponse{Error: err.Error()})
		return
	}

	g.auditEmit(obs.AuditEvent{Event: obs.EventAuthRefreshOK, Outcome: obs.OutcomeSuccess}, "")
	c.JSON(http.StatusOK, TokenResponse{
		AccessToken:  access,
		ExpiresAt:    expiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		RefreshToken: newRef,
	})
}

// Logout handles POST /auth/logout: it ends the browser session (if
// one rode in on the session cookie), clears the auth cookies, and
// revokes every refresh token for the user whose valid refresh token
// is supplied in the request body (the API-first path).
func (g *Gateway) Logout(c *gin.Context) {
	if g.sessions != nil {
		if cookie, err := c.Request.Cookie("session"); err == nil {
			if userID, _, ok := g.sessions.Lookup(cookie.Value); ok {
				_ = g.store.RevokeAllRefreshTokensForUser(userID)
			}
			_ = g.sessions.End(c.Request.Context(), cookie.Value)
		}
	}
	g.clearSessionCookies(c)

	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.RefreshToken != "" {
		// Refresh tokens are opaque "jti.secret" references; only a
		// presented secret that hashes to the stored record revokes.
		if jti, raw, ok := strings.Cut(req.RefreshToken, "."); ok {
			if rec, err := g.store.GetRefreshToken(jti); err == nil && sha256Hex(raw) == rec.TokenHash {
				_ = g.store.RevokeAllRefreshTokensForUser(rec.UserID)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RedeemInviteRequest is the JSON body for POST /auth/invite/redeem.
type RedeemInviteRequest struct {
	Token    string `json:"token" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Session  bool   `json:"session"`
}

// RedeemInvite handles POST /auth/invite/redeem: it consumes a
// single-use invite token and creates the account it was issued for.
func (g *Gateway) RedeemInvite(c *gin.Context) {
	if !g.inviteLimiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: auth.ErrRateLimited.Error()})
		return
	}
	var req RedeemInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	sum := sha256Hex(req.Token)
	inv, err := g.store.GetInvite(sum)
	if err != nil || inv.UsedBy != "" || time.Now().After(inv.ExpiresAt) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: auth.ErrInviteInvalid.Error()})
		return
	}

	newUserID := uuid.NewString()
	if err := g.store.ConsumeInvite(sum, newUserID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: auth.ErrInviteInvalid.Error()})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	user := &store.User{ID: newUserID, Username: req.Username, PasswordHash: hash, Role: store.RoleViewer}
	if err := g.store.PutUser(user); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	access, expiresAt, refreshRef, err := g.refresh.IssueInitial(user, c.GetHeader("X-Device-Id"), c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if req.Session {
		if err := g.startSession(c, user.ID, refreshRef); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
			return
		}
	}
	c.JSON(http.StatusCreated, TokenResponse{
		AccessToken:  access,
		ExpiresAt:    expiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		RefreshToken: refreshRef,
	})
}

// IssueAPIKeyRequest is the JSON body for POST /apikeys.
type IssueAPIKeyRequest struct {
	Scopes []store.Scope `json:"scopes" binding:"required"`
}

// IssueAPIKey handles POST /apikeys: the caller mints a new key carrying
// the requested scopes, for CI/automation use. The requested scopes are
// not checked against the caller's role or current scopes.
func (g *Gateway) IssueAPIKey(c *gin.Context) {
	id := identityFrom(c)
	var req IssueAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	issued, err := auth.IssueApiKey(id.UserID, req.Scopes)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if err := g.store.PutApiKey(issued.Record); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"api_key": issued.Secret, "prefix": issued.Record.Prefix})
}
