// Package server hosts the chess platform's MCP side: the websocket RPC
// endpoint agents connect to, the prekey directory backing the signal
// encryption backend, and the health/metrics surfaces around them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/atrest"
	"github.com/castlelab/gambit/internal/atrest/store"
	"github.com/castlelab/gambit/internal/auth"
	"github.com/castlelab/gambit/internal/chess"
	"github.com/castlelab/gambit/internal/common/config"
	"github.com/castlelab/gambit/internal/ratchet"
	"github.com/castlelab/gambit/pkg/mcp"
	"github.com/castlelab/gambit/pkg/metrics"
	"github.com/castlelab/gambit/pkg/version"
)

const serverName = "gambit-server"

// Server wires the full stack: blob store, at-rest encryption, game
// manager, key registry, ratchet service and the gin router in front.
type Server struct {
	cfg      *config.ServerConfig
	logger   *zap.Logger
	router   *gin.Engine
	httpSrv  *http.Server
	metrics  *metrics.Metrics
	crypto   ratchet.Service
	registry *ratchet.KeyRegistry
	rest     *atrest.Service
	games    *chess.Manager
	auth     *auth.Service
	tools    []mcp.ToolSchema
	conns    sync.Map // ws session id -> *wsSession
}

// NewServer builds the server from configuration. Agents listed under
// `agents` get their prekey bundles provisioned up front so the directory
// can serve them before any connection exists.
func NewServer(cfg *config.ServerConfig, logger *zap.Logger) (*Server, error) {
	logger = logger.Named("server")

	blobs, err := store.NewStore(logger, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("build blob store: %w", err)
	}
	rest := atrest.NewService(blobs, logger)
	registry := ratchet.NewKeyRegistry(logger)
	crypto, err := ratchet.NewService(&cfg.Encryption, registry, "", logger)
	if err != nil {
		return nil, err
	}
	for _, agentID := range cfg.Agents {
		if err := registry.Provision(agentID); err != nil {
			return nil, fmt.Errorf("provision agent %s: %w", agentID, err)
		}
	}

	var authSvc *auth.Service
	if cfg.Auth.JWTSecret != "" {
		authSvc, err = auth.NewService(&cfg.Auth)
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.New(cfg.Metrics),
		crypto:   crypto,
		registry: registry,
		rest:     rest,
		games:    chess.NewManager(rest, logger),
		auth:     authSvc,
		tools:    toolSchemas(),
	}
	s.router = s.buildRouter()
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.router,
	}
	return s, nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(s.loggerMiddleware(), s.recoveryMiddleware(), s.metrics.Middleware())
	if s.cfg.Tracing.Enabled {
		name := s.cfg.Tracing.ServiceName
		if name == "" {
			name = serverName
		}
		router.Use(otelgin.Middleware(name))
	}

	authMW := auth.Middleware(s.auth, s.logger)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	router.GET("/keys/prekey", authMW, s.handlePreKey)
	router.GET("/mcp/ws", authMW, s.handleWS)
	return router
}

// Handler exposes the HTTP surface for callers that mount the server into
// their own listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. Serve errors
// after a successful bind are logged, not returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}
	s.logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("encryption_backend", s.cfg.Encryption.Backend),
		zap.String("storage", s.cfg.Storage.Type))

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown closes every live websocket, stops the HTTP listener and ends
// whatever game sessions outlived their connections. Each dying
// connection tears down its own agent's state; the explicit game-manager
// shutdown covers sessions no connection claimed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.conns.Range(func(_, v any) bool {
		_ = v.(*wsSession).ws.Close()
		return true
	})

	var firstErr error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.games.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.rest.Close()
	return firstErr
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Get()})
}

// handlePreKey serves the public bundle for one agent. Misses are real
// 404s: bundles exist only for preprovisioned agents and agents whose
// responder session is already up.
func (s *Server) handlePreKey(c *gin.Context) {
	agentID := c.Query("agentId")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}
	bundle, ok := s.registry.Bundle(agentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent: " + agentID})
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// mintAgentID returns the configured fixed identity, or a fresh one per
// connection.
func (s *Server) mintAgentID() string {
	if s.cfg.AgentID != "" {
		return s.cfg.AgentID
	}
	return "agent-" + uuid.NewString()[:8]
}
