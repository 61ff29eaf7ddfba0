package auth

import (
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"lastwill/internal/utils"

	"github.com/gin-gonic/gin"
)

var adminToken string

// InitAdminAuth loads the operator token the admin surface is gated on.
// The dead-letter endpoints can retrigger real email sends, so they are
// never exposed without it.
func InitAdminAuth() error {
	adminToken = os.Getenv("ADMIN_API_TOKEN")
	if adminToken == "" {
		return fmt.Errorf("required environment variable ADMIN_API_TOKEN is not set")
	}
	if len(adminToken) < 32 {
		return fmt.Errorf("ADMIN_API_TOKEN must be at least 32 characters")
	}
	return nil
}

// AdminAuthMiddleware guards operator endpoints with a bearer token check.
// Comparison is constant-time; failures are logged with the caller's real
// IP for audit.
func AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			log.Printf("Admin auth rejected: missing bearer token from %s", utils.GetRealClientIP(c))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Operator token required"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			log.Printf("Admin auth rejected: invalid token from %s", utils.GetRealClientIP(c))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid operator token"})
			return
		}

		c.Next()
	}
}
