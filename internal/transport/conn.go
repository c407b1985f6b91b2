package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castlelab/gambit/internal/ratchet"
	"github.com/castlelab/gambit/pkg/errs"
	"github.com/castlelab/gambit/pkg/mcp"
	"github.com/castlelab/gambit/pkg/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Connection is one live socket to the server. A single reader goroutine
// owns the inbound side and resolves pending slots by response id, so
// responses may arrive in any order; callers go through SendRequest and
// never touch the socket.
type Connection struct {
	sessionID string

	ws      *websocket.Conn
	crypto  ratchet.Service
	pending *pendingTable
	ids     *mcp.IDGenerator
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	onClose func(sessionID string)

	// agentID is written once by the handshake before secured flips true;
	// readers must observe secured first.
	agentID string
	secured atomic.Bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// SessionID returns the locally chosen id this connection is registered
// under.
func (c *Connection) SessionID() string { return c.sessionID }

// AgentID returns the identity encryption is bound to, empty until the
// handshake completes.
func (c *Connection) AgentID() string {
	if !c.secured.Load() {
		return ""
	}
	return c.agentID
}

// Secured reports whether the ratchet session is established. Once true,
// every outbound request is encrypted.
func (c *Connection) Secured() bool { return c.secured.Load() }

// Healthy reports whether the connection is still open.
func (c *Connection) Healthy() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// SendRequest allocates the next request id, registers a pending slot and
// writes the frame, encrypted once the ratchet session is up. The returned
// handle must be awaited; SendRequest itself never waits for the response.
func (c *Connection) SendRequest(ctx context.Context, method string, params any) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := c.ids.Next()
	req, err := mcp.NewRequest(id, method, params)
	if err != nil {
		return nil, errs.NewSerializationError(c.sessionID, err)
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, errs.NewSerializationError(c.sessionID, err)
	}
	if c.secured.Load() {
		env, err := c.crypto.Encrypt(c.agentID, raw)
		if err != nil {
			return nil, err
		}
		if raw, err = json.Marshal(env); err != nil {
			return nil, errs.NewSerializationError(c.sessionID, err)
		}
	}

	p := &Pending{
		id:        id,
		method:    method,
		sessionID: c.sessionID,
		start:     time.Now(),
		ch:        c.pending.add(id),
		table:     c.pending,
		timeout:   c.timeout,
		metrics:   c.metrics,
	}
	c.metrics.RPCStart(method)

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.writeFrame(raw, deadline); err != nil {
		c.pending.remove(id)
		c.metrics.RPCDone(method, "error", p.start)
		return nil, errs.NewConnectionError(c.sessionID, "write", err)
	}
	return p, nil
}

// Call sends method and awaits its response with the connection default
// timeout.
func (c *Connection) Call(ctx context.Context, method string, params any) (*mcp.JSONRPCResponse, error) {
	p, err := c.SendRequest(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return p.Await(ctx, 0)
}

// writeFrame serializes socket writes; the websocket connection allows only
// one concurrent writer.
func (c *Connection) writeFrame(raw []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// readLoop owns the inbound side of the socket. ReadMessage joins
// continuation frames, so fragmented messages arrive here as one logical
// message.
func (c *Connection) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// local Close unblocked the read
			default:
				c.logger.Info("connection closed by peer", zap.Error(err))
				if cerr := c.Close(); cerr != nil {
					c.logger.Error("teardown after peer close failed", zap.Error(cerr))
				}
			}
			return
		}
		c.handleFrame(raw)
	}
}

// handleFrame turns one inbound message into a pending-slot resolution.
// Failures never propagate: a frame that cannot be decrypted or parsed is
// logged, counted and dropped, and its request surfaces as a timeout.
func (c *Connection) handleFrame(raw []byte) {
	if mcp.IsEncryptedFrame(raw) {
		if !c.secured.Load() {
			c.logger.Warn("dropping encrypted frame received before session establishment")
			c.metrics.DecryptFailure("no_session")
			return
		}
		env, err := mcp.ParseEncryptedEnvelope(raw)
		if err != nil {
			c.logger.Warn("dropping malformed encrypted frame", zap.Error(err))
			c.metrics.DecryptFailure("malformed")
			return
		}
		plain, err := c.crypto.Decrypt(c.agentID, env)
		if err != nil {
			c.logger.Warn("dropping frame that failed decryption",
				zap.String("agent_id", c.agentID), zap.Error(err))
			c.metrics.DecryptFailure("auth")
			return
		}
		raw = plain
	}

	var resp mcp.JSONRPCResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("dropping unparseable frame", zap.Error(err))
		return
	}
	id, ok := mcp.IDToInt64(resp.ID)
	if !ok {
		// notifications and other id-less frames are not responses
		c.logger.Debug("ignoring frame without a numeric id")
		return
	}
	if resp.Error != nil {
		perr := errs.NewProtocolError(id, resp.Error.Code, resp.Error.Message, resp.Error.Data)
		if !c.pending.fail(id, perr) {
			c.logger.Debug("dropping late error response", zap.Int64("id", id))
		}
		return
	}
	if !c.pending.resolve(id, &resp) {
		c.logger.Debug("dropping late response", zap.Int64("id", id))
	}
}

// Close tears the connection down: deregisters it, fails every pending
// request with a connection-closed error, closes the socket and removes the
// ratchet session for the bound identity. Safe to call more than once;
// later calls return the first result. A key-scrub failure from the
// encryption service is returned, not swallowed.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.teardown() })
	return c.closeErr
}

func (c *Connection) teardown() error {
	close(c.done)
	if c.onClose != nil {
		c.onClose(c.sessionID)
	}
	c.pending.failAll(errs.NewConnectionClosed(c.sessionID))

	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), deadline)
	closeErr := c.ws.Close()

	if c.secured.Load() {
		if err := c.crypto.Remove(c.agentID); err != nil {
			return err
		}
	}
	if closeErr != nil {
		return errs.NewConnectionError(c.sessionID, "close", closeErr)
	}
	c.logger.Info("connection closed")
	return nil
}
