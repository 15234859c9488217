package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dubproc/internal/auth"
	"dubproc/internal/store"
)

const identityKey = "dubproc.identity"

// AuthMiddleware resolves the caller's identity and aborts the request
// with the status the error taxonomy maps to (§7) if it can't.
func (g *Gateway) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := g.resolver.Resolve(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(statusForAuthErr(err), ErrorResponse{Error: err.Error()})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RateLimitMiddleware throttles authenticated requests per user ID.
func (g *Gateway) RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.limiter == nil {
			c.Next()
			return
		}
		id := identityFrom(c)
		if !g.limiter.Allow(id.UserID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: auth.ErrRateLimited.Error()})
			return
		}
		c.Next()
	}
}

// AdminRequireRole aborts with 403 unless the caller's role meets min.
func (g *Gateway) AdminRequireRole(min store.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identityFrom(c)
		if err := auth.RequireRole(id.Role, min); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: err.Error()})
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) auth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}
	}
	return v.(auth.Identity)
}

func statusForAuthErr(err error) int {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrReplayDetected):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	default:
		return http.StatusUnauthorized
	}
}

func statusForStoreErr(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
