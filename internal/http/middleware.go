// Package http wires the service's gin routes and middleware.
package http

import (
	"net/http"
	"strings"

	"github.com/borisigal/towerofbabel-sub003/internal/ratelimit"
	"github.com/borisigal/towerofbabel-sub003/internal/security"
	"github.com/gin-gonic/gin"
)

// accountIDKey is the gin context key the session middleware sets.
const accountIDKey = "account_id"

// jobsSecretHeader authenticates external scheduler triggers.
const jobsSecretHeader = "X-Jobs-Secret"

// AccountID returns the authenticated account ID set by the session
// middleware.
func AccountID(c *gin.Context) (uint64, bool) {
	value, exists := c.Get(accountIDKey)
	if !exists {
		return 0, false
	}
	accountID, ok := value.(uint64)
	return accountID, ok
}

// sessionAuthMiddleware validates the bearer session token and stores the
// account ID on the request context.
func sessionAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errParse := security.ParseSessionToken(secret, token)
		if errParse != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(accountIDKey, claims.AccountID)
		c.Next()
	}
}

// jobsAuthMiddleware authenticates scheduled-job triggers against the shared
// secret header.
func jobsAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(jobsSecretHeader)
		if provided == "" || !security.SecretsEqual(provided, secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid jobs secret"})
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware counts the request against the client address window
// before any paid work starts.
func rateLimitMiddleware(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		result := limiter.Allow(c.Request.Context(), c.ClientIP())
		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"limit": result.Limit,
			})
			return
		}
		c.Next()
	}
}
