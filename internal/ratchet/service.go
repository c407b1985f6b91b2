// Package ratchet provides the per-agent encryption layer for MCP frames.
// Two interchangeable backends implement the same contract: a counter-based
// symmetric ratchet seeded deterministically from the agent identity, and a
// prekey-based ratchet that runs an X3DH agreement before the double
// ratchet. Callers select the backend by configuration and depend only on
// the Service interface.
package ratchet

import (
	"context"
	"fmt"

	"github.com/castlelab/gambit/internal/common/config"
	"github.com/castlelab/gambit/pkg/mcp"

	"go.uber.org/zap"
)

// Service is the encryption contract the connection manager depends on.
// Implementations serialize all state mutation per agent id: concurrent
// calls for the same agent never derive the same message key twice or skip
// a counter value.
type Service interface {
	// Establish idempotently creates a session for agentID. A second call
	// for the same id observes the existing session untouched.
	Establish(ctx context.Context, agentID string, initiator bool) error

	// Encrypt advances the sending side exactly once and returns the wire
	// envelope. The nonce is fresh per call and never reused for a key.
	Encrypt(agentID string, plaintext []byte) (*mcp.EncryptedEnvelope, error)

	// Decrypt advances the receiving side and authenticates the ciphertext.
	// It fails rather than return corrupted plaintext.
	Decrypt(agentID string, env *mcp.EncryptedEnvelope) ([]byte, error)

	// Remove deletes the session and scrubs its key material before
	// returning.
	Remove(agentID string) error
}

// NewService builds the backend selected by configuration. The signal
// backend needs a prekey client on the initiator side or a key registry on
// the responder side; the counter backend needs neither. The bearer token
// authenticates prekey fetches when the directory requires it.
func NewService(cfg *config.EncryptionConfig, registry *KeyRegistry, bearer string, logger *zap.Logger) (Service, error) {
	switch cfg.Backend {
	case "counter":
		return NewCounterService(cfg.SkippedKeyLimit, logger), nil
	case "signal":
		var client *PreKeyClient
		if cfg.PreKeyURL != "" {
			client = NewPreKeyClient(cfg.PreKeyURL, logger).WithBearer(bearer)
		}
		return NewSignalService(client, registry, cfg.SkippedKeyLimit, logger), nil
	default:
		return nil, fmt.Errorf("unknown encryption backend: %s", cfg.Backend)
	}
}
