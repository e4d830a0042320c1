package middleware

import (
	"strings"

	"guild-portal-service/utils"

	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware validates the admin bearer token. Every failure is a
// 403 with the same body so callers learn nothing about why.
func AdminAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			utils.ForbiddenResponse(c, "Unauthorized")
			c.Abort()
			return
		}

		if _, err := utils.ValidateAdminToken(parts[1], secret); err != nil {
			utils.ForbiddenResponse(c, "Unauthorized")
			c.Abort()
			return
		}

		c.Next()
	}
}
