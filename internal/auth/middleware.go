package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// Context keys for operator data
	ContextKeyUsername = "operator_username"
	ContextKeyClaims   = "operator_claims"
)

// Middleware creates a JWT authentication middleware. When auth is
// disabled every request passes through.
func Middleware(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !service.Enabled() {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, ErrUnauthorized.Code, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			abort(c, ErrUnauthorized.Code, "invalid authorization header format")
			return
		}

		claims, err := service.JWT().ValidateAccessToken(parts[1])
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			abort(c, authErr.Code, authErr.Message)
			return
		}

		c.Set(ContextKeyUsername, claims.Username)
		c.Set(ContextKeyClaims, claims)

		c.Next()
	}
}

func abort(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   true,
		"kind":    "Unauthorized",
		"code":    code,
		"message": message,
	})
}

// GetUsername extracts the operator name from the Gin context
func GetUsername(c *gin.Context) string {
	if v, exists := c.Get(ContextKeyUsername); exists {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
