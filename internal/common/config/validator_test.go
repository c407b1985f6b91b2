package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_ErrorFormats(t *testing.T) {
	e := &ValidationError{Message: "oops", Locations: []Location{{Field: "a.b"}, {Field: "c.d"}}}
	s := e.Error()
	assert.Contains(t, s, "oops")
	assert.Contains(t, s, "--> a.b")
	assert.Contains(t, s, "--> c.d")
}

func TestValidateServerConfig_Errors(t *testing.T) {
	cfg := &ServerConfig{
		Agents: []string{"agent-1", "agent-1"}, // duplicate identity
		Encryption: EncryptionConfig{
			Backend: "rot13",
		},
		Storage: StorageConfig{
			Type: "redis", // addr missing
		},
	}

	err := ValidateServerConfig(cfg)
	if assert.Error(t, err) {
		s := err.Error()
		assert.Contains(t, s, "unknown encryption backend \"rot13\"")
		assert.Contains(t, s, "redis storage requires an address")
		assert.Contains(t, s, "duplicate agent identities")
	}
}

func TestValidateServerConfig_OK(t *testing.T) {
	cfg := &ServerConfig{
		Agents:     []string{"agent-1", "agent-2"},
		Encryption: EncryptionConfig{Backend: "counter"},
		Storage:    StorageConfig{Type: "memory"},
	}
	assert.NoError(t, ValidateServerConfig(cfg))
}

func TestValidateAgentConfig_TransportKind(t *testing.T) {
	// only the websocket transport exists; stdio must be rejected up front
	cfg := &AgentConfig{
		Transport:  TransportConfig{Kind: "stdio", URL: "ws://x"},
		Encryption: EncryptionConfig{Backend: "counter"},
	}
	err := ValidateAgentConfig(cfg)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "unsupported transport kind \"stdio\"")
	}
}

func TestValidateAgentConfig_SignalNeedsPreKeyURL(t *testing.T) {
	cfg := &AgentConfig{
		Transport:  TransportConfig{Kind: "websocket", URL: "ws://x"},
		Encryption: EncryptionConfig{Backend: "signal"},
	}
	err := ValidateAgentConfig(cfg)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "prekey distribution url")
	}

	cfg.Encryption.PreKeyURL = "http://127.0.0.1:5173"
	assert.NoError(t, ValidateAgentConfig(cfg))
}
