package middleware

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pumpup-backend/internal/apperr"
	"pumpup-backend/internal/services"
)

const (
	HeaderUserID     = "X-User-Id"
	HeaderAdminToken = "X-Admin-Token"

	// ContextUserID is the gin context key holding the caller's user id.
	ContextUserID = "user_id"
)

// AuthMiddleware resolves the caller from X-User-Id, or from a bearer token
// (header or ?token=) issued by /auth/login.
func AuthMiddleware(jwtService *services.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := strings.TrimSpace(c.GetHeader(HeaderUserID)); userID != "" {
			c.Set(ContextUserID, userID)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				abort(c, apperr.CodeUnauthorized, "Invalid authorization format")
				return
			}
			tokenString = parts[1]
		} else {
			tokenString = c.Query("token")
			if tokenString == "" {
				abort(c, apperr.CodeUnauthorized, "missing X-User-Id header")
				return
			}
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			abort(c, apperr.CodeUnauthorized, "Invalid or expired token")
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set("session_id", claims.SessionID)

		c.Next()
	}
}

// AdminMiddleware admits requests carrying the configured admin token. With
// no token configured every request is refused.
func AdminMiddleware(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminToken)
		if adminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(adminToken)) != 1 {
			abort(c, apperr.CodeForbidden, "admin only")
			return
		}
		c.Next()
	}
}

// RateLimiter counts requests per user and action.
type RateLimiter interface {
	Allow(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error)
}

type rateRule struct {
	action string
	limit  int
	window time.Duration
}

var rateRules = map[string]rateRule{
	"/rounds/start":   {action: "start", limit: 30, window: time.Minute},
	"/rounds/step":    {action: "step", limit: 120, window: time.Minute},
	"/rounds/cashout": {action: "cashout", limit: 60, window: time.Minute},
}

func RateLimitMiddleware(limiter RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ContextUserID)
		if userID == "" {
			c.Next()
			return
		}

		rule, ok := rateRules[c.FullPath()]
		if !ok {
			c.Next()
			return
		}

		allowed, err := limiter.Allow(c.Request.Context(), userID, rule.action, rule.limit, rule.window)
		if err != nil {
			// fail open: the limiter is advisory, storage keeps the invariants
			log.Printf("rate limit check failed: %v", err)
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"code":        apperr.CodeRateLimited,
				"retry_after": rule.window.Seconds(),
			})
			return
		}

		c.Next()
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-Id, X-Admin-Token")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func abort(c *gin.Context, code apperr.Code, message string) {
	c.AbortWithStatusJSON(code.HTTPStatus(), gin.H{"error": message, "code": code})
}
