// Package errs defines the error taxonomy shared by the transport,
// encryption and persistence layers. Every type is matchable with
// errors.As so callers can branch on failure class without string
// comparison.
package errs

import (
	"fmt"
	"time"
)

type (
	// ConnectionError reports a transport-level failure (dial, write,
	// socket close). Fatal to the owning connection, never to the process.
	ConnectionError struct {
		SessionID string
		Op        string // dial, write, close
		Err       error
	}

	// HandshakeError reports a failed initialize exchange.
	HandshakeError struct {
		SessionID string
		Reason    string
		Err       error
	}

	// HandshakeWarning reports a degraded handshake: the peer confirmed
	// the protocol but declared no agent identity, so encryption binds to
	// the locally chosen session id instead. The connection stays usable.
	HandshakeWarning struct {
		SessionID string
		AgentID   string // identity actually bound, the session id
	}

	// KeyExchangeError reports a prekey bundle fetch or verification
	// failure during session establishment.
	KeyExchangeError struct {
		AgentID string
		Reason  string
		Err     error
	}

	// EncryptionError reports a missing session, an authentication-tag
	// mismatch or an out-of-order counter that could not be resolved.
	EncryptionError struct {
		AgentID string
		Reason  string
		Err     error
	}

	// SerializationError reports malformed payload content after a
	// successful decryption.
	SerializationError struct {
		EntityID string
		Err      error
	}

	// RequestTimeout reports that no matching response arrived within the
	// configured window. The pending entry has already been removed.
	RequestTimeout struct {
		SessionID string
		RequestID int64
		Timeout   time.Duration
	}

	// ProtocolError carries an error object reported by the peer in a
	// response envelope.
	ProtocolError struct {
		RequestID int64
		Code      int
		Message   string
		Data      any
	}
)

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection %s: %s: %v", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("connection %s: %s", e.SessionID, e.Op)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed on %s: %s: %v", e.SessionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake failed on %s: %s", e.SessionID, e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeWarning) Error() string {
	return fmt.Sprintf("handshake on %s returned no agent identity, bound to %q", e.SessionID, e.AgentID)
}

func (e *KeyExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("key exchange for %s: %s: %v", e.AgentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("key exchange for %s: %s", e.AgentID, e.Reason)
}

func (e *KeyExchangeError) Unwrap() error { return e.Err }

func (e *EncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encryption for %s: %s: %v", e.AgentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("encryption for %s: %s", e.AgentID, e.Reason)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization for %s: %v", e.EntityID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *RequestTimeout) Error() string {
	return fmt.Sprintf("request %d on %s timed out after %s", e.RequestID, e.SessionID, e.Timeout)
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("peer error for request %d: %d %s", e.RequestID, e.Code, e.Message)
}

// NewConnectionError wraps a transport failure for session sessionID.
func NewConnectionError(sessionID, op string, err error) *ConnectionError {
	return &ConnectionError{SessionID: sessionID, Op: op, Err: err}
}

// NewConnectionClosed marks every pending request failed by a close.
func NewConnectionClosed(sessionID string) *ConnectionError {
	return &ConnectionError{SessionID: sessionID, Op: "closed"}
}

// NewHandshakeError wraps an initialize failure.
func NewHandshakeError(sessionID, reason string, err error) *HandshakeError {
	return &HandshakeError{SessionID: sessionID, Reason: reason, Err: err}
}

// NewHandshakeWarning records the session-id fallback of a degraded handshake.
func NewHandshakeWarning(sessionID, agentID string) *HandshakeWarning {
	return &HandshakeWarning{SessionID: sessionID, AgentID: agentID}
}

// NewKeyExchangeError wraps a prekey fetch/verify failure.
func NewKeyExchangeError(agentID, reason string, err error) *KeyExchangeError {
	return &KeyExchangeError{AgentID: agentID, Reason: reason, Err: err}
}

// NewEncryptionError wraps an encrypt/decrypt failure.
func NewEncryptionError(agentID, reason string, err error) *EncryptionError {
	return &EncryptionError{AgentID: agentID, Reason: reason, Err: err}
}

// NewSessionNotFound reports an operation against a missing or removed session.
func NewSessionNotFound(agentID string) *EncryptionError {
	return &EncryptionError{AgentID: agentID, Reason: "session not found"}
}

// NewSerializationError wraps a post-decryption schema failure.
func NewSerializationError(entityID string, err error) *SerializationError {
	return &SerializationError{EntityID: entityID, Err: err}
}

// NewRequestTimeout reports an expired pending request.
func NewRequestTimeout(sessionID string, requestID int64, timeout time.Duration) *RequestTimeout {
	return &RequestTimeout{SessionID: sessionID, RequestID: requestID, Timeout: timeout}
}

// NewProtocolError carries a peer-reported error object.
func NewProtocolError(requestID int64, code int, message string, data any) *ProtocolError {
	return &ProtocolError{RequestID: requestID, Code: code, Message: message, Data: data}
}
