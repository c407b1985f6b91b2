// Package transport implements the client side of the MCP websocket
// protocol: dialing, the initialize handshake, request/response
// correlation and the hand-off to the encryption layer. One Manager owns
// every connection of a process, keyed by the caller's session id.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/castlelab/gambit/internal/common/config"
	"github.com/castlelab/gambit/internal/ratchet"
	"github.com/castlelab/gambit/pkg/errs"
	"github.com/castlelab/gambit/pkg/mcp"
	"github.com/castlelab/gambit/pkg/metrics"
	"github.com/castlelab/gambit/pkg/version"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	clientName            = "gambit-agent"
	defaultRequestTimeout = 30 * time.Second
)

// Manager owns every client connection. One id generator spans all of
// them, so request ids are unique across the process no matter which
// connection issued them.
type Manager struct {
	cfg     *config.TransportConfig
	crypto  ratchet.Service
	ids     *mcp.IDGenerator
	bearer  string
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewManager validates the transport configuration and builds the manager.
// Only the websocket transport exists; any other kind fails here rather
// than on first use.
func NewManager(cfg *config.TransportConfig, crypto ratchet.Service, m *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	if cfg.Kind != "websocket" {
		return nil, fmt.Errorf("transport kind %q not implemented", cfg.Kind)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Manager{
		cfg:     cfg,
		crypto:  crypto,
		ids:     &mcp.IDGenerator{},
		timeout: timeout,
		logger:  logger.Named("transport"),
		metrics: m,
		conns:   make(map[string]*Connection),
	}, nil
}

// WithBearer attaches a bearer token to the websocket upgrade request,
// for servers that gate the endpoint. An empty token leaves the upgrade
// unauthenticated.
func (m *Manager) WithBearer(token string) *Manager {
	m.bearer = token
	return m
}

// Open dials the configured endpoint, registers the connection under
// sessionID, then runs the initialize handshake and ratchet session
// establishment. A returned *errs.HandshakeWarning accompanies a usable
// connection: the server declared no agent identity and encryption is
// bound to the locally chosen sessionID. Any other non-nil error means no
// connection exists.
func (m *Manager) Open(ctx context.Context, sessionID string) (*Connection, error) {
	var header http.Header
	if m.bearer != "" {
		header = http.Header{"Authorization": []string{"Bearer " + m.bearer}}
	}
	dialer := &websocket.Dialer{HandshakeTimeout: m.timeout}
	ws, resp, err := dialer.DialContext(ctx, m.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errs.NewConnectionError(sessionID, "dial", err)
	}

	conn := &Connection{
		sessionID: sessionID,
		ws:        ws,
		crypto:    m.crypto,
		pending:   newPendingTable(),
		ids:       m.ids,
		timeout:   m.timeout,
		logger:    m.logger.With(zap.String("session_id", sessionID)),
		metrics:   m.metrics,
		onClose:   m.unregister,
		done:      make(chan struct{}),
	}
	if err := m.register(conn); err != nil {
		_ = ws.Close()
		return nil, err
	}
	m.metrics.ConnOpened()
	go conn.readLoop()

	warn, err := m.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if warn != nil {
		return conn, warn
	}
	return conn, nil
}

// handshake sends the plaintext initialize request and binds a ratchet
// session to the identity the server declares. The warning return is
// non-nil in degraded mode: the server answered without serverInfo.agentId
// and encryption is keyed by the session id instead of a peer-confirmed
// identity.
func (m *Manager) handshake(ctx context.Context, conn *Connection) (*errs.HandshakeWarning, error) {
	params := mcp.InitializeRequestParams{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo: mcp.ImplementationSchema{
			Name:    clientName,
			Version: version.Get(),
		},
	}
	p, err := conn.SendRequest(ctx, mcp.Initialize, params)
	if err != nil {
		return nil, errs.NewHandshakeError(conn.sessionID, "initialize send failed", err)
	}
	// Peer rejections surface here as a wrapped ProtocolError, timeouts as a
	// wrapped RequestTimeout.
	resp, err := p.Await(ctx, 0)
	if err != nil {
		return nil, errs.NewHandshakeError(conn.sessionID, "initialize failed", err)
	}

	agentID := gjson.GetBytes(resp.Result, "serverInfo.agentId").String()
	var warn *errs.HandshakeWarning
	if agentID == "" {
		agentID = conn.sessionID
		warn = errs.NewHandshakeWarning(conn.sessionID, agentID)
		m.logger.Warn("server declared no agent identity, binding encryption to session id",
			zap.String("session_id", conn.sessionID))
	}

	if err := m.crypto.Establish(ctx, agentID, true); err != nil {
		return nil, err
	}
	conn.agentID = agentID
	conn.secured.Store(true)
	conn.logger.Info("handshake complete",
		zap.String("agent_id", agentID),
		zap.Bool("degraded", warn != nil))
	return warn, nil
}

func (m *Manager) register(c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c.sessionID]; ok {
		return errs.NewConnectionError(c.sessionID, "open", fmt.Errorf("session already registered"))
	}
	m.conns[c.sessionID] = c
	return nil
}

func (m *Manager) unregister(sessionID string) {
	m.mu.Lock()
	delete(m.conns, sessionID)
	m.mu.Unlock()
	m.metrics.ConnClosed()
}

// Get returns the connection registered under sessionID.
func (m *Manager) Get(sessionID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[sessionID]
	return c, ok
}

// Healthy reports whether sessionID has a live connection.
func (m *Manager) Healthy(sessionID string) bool {
	conn, ok := m.Get(sessionID)
	return ok && conn.Healthy()
}

// SendRequest issues method on the connection registered under sessionID.
func (m *Manager) SendRequest(ctx context.Context, sessionID, method string, params any) (*Pending, error) {
	conn, ok := m.Get(sessionID)
	if !ok {
		return nil, errs.NewConnectionError(sessionID, "send", fmt.Errorf("no connection for session"))
	}
	return conn.SendRequest(ctx, method, params)
}

// Call is SendRequest plus Await with the default timeout.
func (m *Manager) Call(ctx context.Context, sessionID, method string, params any) (*mcp.JSONRPCResponse, error) {
	conn, ok := m.Get(sessionID)
	if !ok {
		return nil, errs.NewConnectionError(sessionID, "send", fmt.Errorf("no connection for session"))
	}
	return conn.Call(ctx, method, params)
}

// Close tears down the connection registered under sessionID. Closing an
// unknown session is a no-op.
func (m *Manager) Close(sessionID string) error {
	conn, ok := m.Get(sessionID)
	if !ok {
		return nil
	}
	return conn.Close()
}

// Shutdown closes every connection and reports the first failure.
func (m *Manager) Shutdown() error {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
