package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/common/config"
)

func newProtectedRouter(t *testing.T, s *Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", Middleware(s, zap.NewNop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"agentId": c.GetString(ContextAgentID)})
	})
	return r
}

func TestMiddleware_AllowsValidToken(t *testing.T) {
	s := newTestService(t)
	r := newProtectedRouter(t, s)

	token, err := s.GenerateToken("agent-42")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agent-42")
}

func TestMiddleware_RejectsMissingHeader(t *testing.T) {
	r := newProtectedRouter(t, newTestService(t))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "missing bearer token")
}

func TestMiddleware_RejectsBadToken(t *testing.T) {
	r := newProtectedRouter(t, newTestService(t))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_RejectsExpiredToken(t *testing.T) {
	short, err := NewService(&config.AuthConfig{JWTSecret: testSecret, JWTExpiry: time.Millisecond})
	require.NoError(t, err)
	r := newProtectedRouter(t, short)

	token, err := short.GenerateToken("agent-42")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "expired")
}

func TestMiddleware_NilServicePassesThrough(t *testing.T) {
	r := newProtectedRouter(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}
