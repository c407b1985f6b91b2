package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/auth"
	"github.com/castlelab/gambit/internal/chess"
	"github.com/castlelab/gambit/pkg/mcp"
	"github.com/castlelab/gambit/pkg/version"
)

// Agents are headless processes, not browsers; origin checks add nothing.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSession is one agent connection. A single goroutine owns the socket:
// it reads a frame, handles it and writes the response before reading the
// next, so no field needs locking. Close may be called from Shutdown.
type wsSession struct {
	id      string
	agentID string
	ws      *websocket.Conn
	srv     *Server
	logger  *zap.Logger
	secured bool
}

// handleWS upgrades the connection and runs the session loop until the
// peer disconnects or the server shuts down.
func (s *Server) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &wsSession{
		id:  uuid.NewString(),
		ws:  ws,
		srv: s,
	}
	sess.logger = s.logger.With(zap.String("ws_session_id", sess.id))

	// When the upgrade came through the auth middleware the token already
	// names the agent; initialize keeps that identity instead of minting.
	if agentID := c.GetString(auth.ContextAgentID); agentID != "" {
		sess.agentID = agentID
		sess.logger = sess.logger.With(zap.String("agent_id", agentID))
	}

	s.conns.Store(sess.id, sess)
	s.metrics.ConnOpened()
	defer func() {
		s.conns.Delete(sess.id)
		s.metrics.ConnClosed()
		sess.teardown()
	}()

	sess.logger.Info("agent connected", zap.String("remote_addr", c.Request.RemoteAddr))
	sess.run(c.Request.Context())
}

// run pumps frames until the socket dies.
func (sess *wsSession) run(ctx context.Context) {
	for {
		_, raw, err := sess.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Warn("connection dropped", zap.Error(err))
			} else {
				sess.logger.Info("agent disconnected")
			}
			return
		}
		sess.handleFrame(ctx, raw)
	}
}

// teardown releases everything the session accumulated: its ratchet state,
// and any game sessions its agent left behind.
func (sess *wsSession) teardown() {
	_ = sess.ws.Close()

	if sess.agentID == "" {
		return
	}
	for _, game := range sess.srv.games.AgentSessions(sess.agentID) {
		err := sess.srv.games.End(context.Background(), game.ID())
		if err != nil && !errors.Is(err, chess.ErrSessionNotFound) {
			sess.logger.Error("ending game session failed",
				zap.String("game_session_id", game.ID()),
				zap.Error(err))
		}
	}
	if sess.secured {
		if err := sess.srv.crypto.Remove(sess.agentID); err != nil {
			sess.logger.Error("scrubbing ratchet session failed",
				zap.String("agent_id", sess.agentID),
				zap.Error(err))
		}
		sess.srv.metrics.SessionRemoved(sess.srv.cfg.Encryption.Backend)
	}
	sess.logger.Info("session torn down", zap.String("agent_id", sess.agentID))
}

// handleFrame decrypts (when applicable) and dispatches one inbound frame.
// Undecryptable frames are counted and dropped, never answered: a tampering
// peer learns nothing and a legitimate caller times out.
func (sess *wsSession) handleFrame(ctx context.Context, raw []byte) {
	encrypted := mcp.IsEncryptedFrame(raw)
	if encrypted {
		if !sess.secured {
			sess.logger.Warn("encrypted frame before session establishment")
			sess.srv.metrics.DecryptFailure("no_session")
			return
		}
		env, err := mcp.ParseEncryptedEnvelope(raw)
		if err != nil {
			sess.logger.Warn("malformed encrypted envelope", zap.Error(err))
			sess.srv.metrics.DecryptFailure("malformed")
			return
		}
		raw, err = sess.srv.crypto.Decrypt(sess.agentID, env)
		if err != nil {
			sess.logger.Warn("frame failed decryption",
				zap.String("agent_id", sess.agentID),
				zap.Error(err))
			sess.srv.metrics.DecryptFailure("auth")
			return
		}
	}

	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		if encrypted {
			// Decrypted garbage is a peer bug; stay silent like any other
			// post-decryption failure.
			sess.logger.Warn("decrypted frame is not a request", zap.Error(err))
			return
		}
		sess.respond(mcp.NewErrorResponse(nil, mcp.ErrorCodeParseError, "parse error"), false)
		return
	}

	if req.Id == nil {
		sess.handleNotification(req)
		return
	}
	sess.respond(sess.handleRequest(ctx, req), encrypted)
}

func (sess *wsSession) handleNotification(req mcp.JSONRPCRequest) {
	switch req.Method {
	case mcp.NotificationInitialized:
		sess.logger.Debug("agent reported initialized")
	default:
		sess.logger.Debug("ignoring notification", zap.String("method", req.Method))
	}
}

// handleRequest dispatches one request to its handler and returns the
// response envelope to send back.
func (sess *wsSession) handleRequest(ctx context.Context, req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	sess.logger.Debug("request",
		zap.String("method", req.Method),
		zap.Any("id", req.Id))
	start := time.Now()
	sess.srv.metrics.RPCStart(req.Method)

	resp := sess.dispatch(ctx, req)

	status := "ok"
	if resp.Error != nil {
		status = "error"
	}
	sess.srv.metrics.RPCDone(req.Method, status, start)
	return resp
}

func (sess *wsSession) dispatch(ctx context.Context, req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	switch req.Method {
	case mcp.Initialize:
		return sess.handleInitialize(ctx, req)
	case mcp.Ping:
		return mustSuccess(req.Id, struct{}{})
	case mcp.ToolsList:
		return mustSuccess(req.Id, mcp.ListToolsResult{Tools: sess.srv.tools})
	case mcp.ToolsCall:
		return sess.handleToolCall(ctx, req)
	default:
		return mcp.NewErrorResponse(req.Id, mcp.ErrorCodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method))
	}
}

// handleInitialize binds an agent identity to the connection, answers in
// plaintext, and stands up the responder side of the ratchet so the
// agent's establish step finds its prekey bundle already published.
func (sess *wsSession) handleInitialize(ctx context.Context, req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	var params mcp.InitializeRequestParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return mcp.NewErrorResponse(req.Id, mcp.ErrorCodeInvalidParams, "malformed initialize params")
		}
	}

	if sess.agentID == "" {
		sess.agentID = sess.srv.mintAgentID()
		sess.logger = sess.logger.With(zap.String("agent_id", sess.agentID))
	}

	if err := sess.srv.crypto.Establish(ctx, sess.agentID, false); err != nil {
		sess.logger.Error("responder establish failed", zap.Error(err))
		return mcp.NewErrorResponse(req.Id, mcp.ErrorCodeInternalError, "session establishment failed")
	}
	sess.secured = true
	sess.srv.metrics.SessionEstablished(sess.srv.cfg.Encryption.Backend)

	sess.logger.Info("agent initialized",
		zap.String("client", params.ClientInfo.Name),
		zap.String("client_version", params.ClientInfo.Version),
		zap.String("protocol_version", params.ProtocolVersion))

	return mustSuccess(req.Id, mcp.InitializedResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities: mcp.ServerCapabilitiesSchema{
			Tools: mcp.ToolsCapabilitySchema{ListChanged: false},
		},
		ServerInfo: mcp.ServerInfoSchema{
			Name:    serverName,
			Version: version.Get(),
			AgentID: sess.agentID,
		},
	})
}

// respond writes one response frame, encrypting it when the request came
// in encrypted.
func (sess *wsSession) respond(resp mcp.JSONRPCResponse, encrypted bool) {
	raw, err := json.Marshal(resp)
	if err != nil {
		sess.logger.Error("marshalling response failed", zap.Error(err))
		return
	}
	if encrypted {
		env, err := sess.srv.crypto.Encrypt(sess.agentID, raw)
		if err != nil {
			sess.logger.Error("encrypting response failed",
				zap.String("agent_id", sess.agentID),
				zap.Error(err))
			return
		}
		if raw, err = json.Marshal(env); err != nil {
			sess.logger.Error("marshalling envelope failed", zap.Error(err))
			return
		}
	}
	if err := sess.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		sess.logger.Warn("writing response failed", zap.Error(err))
	}
}

// mustSuccess wraps a result the server itself constructed; marshalling it
// cannot fail at runtime.
func mustSuccess(id any, result any) mcp.JSONRPCResponse {
	resp, err := mcp.NewSuccessResponse(id, result)
	if err != nil {
		panic(err)
	}
	return resp
}
