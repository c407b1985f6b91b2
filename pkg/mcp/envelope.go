package mcp

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

type (
	// EncryptedEnvelope replaces the plaintext request/response envelope on
	// the wire once a ratchet session is established. Ciphertext and IV are
	// base64. The ratchet header travels only for the counter backend; the
	// signal backend keeps all ratchet metadata in the synchronized state on
	// both ends and sends ciphertext alone.
	EncryptedEnvelope struct {
		JSONRPC       string         `json:"jsonrpc"`
		Encrypted     bool           `json:"encrypted"`
		Ciphertext    string         `json:"ciphertext"`
		IV            string         `json:"iv,omitempty"`
		RatchetHeader *RatchetHeader `json:"ratchet_header,omitempty"`
	}

	// RatchetHeader carries the counter state a receiver needs to locate the
	// right derivation step when frames arrive out of order
	RatchetHeader struct {
		DHPublicKey     string `json:"dh_public_key,omitempty"`
		PreviousCounter uint32 `json:"previous_counter"`
		MessageCounter  uint32 `json:"message_counter"`
	}
)

// NewEncryptedEnvelope builds the wire form around base64 ciphertext
func NewEncryptedEnvelope(ciphertext, iv string, header *RatchetHeader) *EncryptedEnvelope {
	return &EncryptedEnvelope{
		JSONRPC:       JSONRPCVersion,
		Encrypted:     true,
		Ciphertext:    ciphertext,
		IV:            iv,
		RatchetHeader: header,
	}
}

// IsEncryptedFrame reports whether a raw frame carries the encrypted marker
func IsEncryptedFrame(raw []byte) bool {
	return gjson.GetBytes(raw, "encrypted").Bool()
}

// ParseEncryptedEnvelope decodes the wire form of an encrypted frame
func ParseEncryptedEnvelope(raw []byte) (*EncryptedEnvelope, error) {
	var env EncryptedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
