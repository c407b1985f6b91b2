package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ContextAgentID is the gin context key the middleware stores the
// authenticated agent identity under.
const ContextAgentID = "agentId"

// Middleware rejects requests without a valid bearer token. A nil service
// disables auth and lets every request through.
func Middleware(s *Service, logger *zap.Logger) gin.HandlerFunc {
	if s == nil {
		return func(c *gin.Context) { c.Next() }
	}
	logger = logger.Named("auth")

	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := s.ValidateToken(token)
		if err != nil {
			logger.Warn("rejected request",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ContextAgentID, claims.AgentID)
		c.Next()
	}
}

// bearerToken extracts the token from an "Authorization: Bearer x" header.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
