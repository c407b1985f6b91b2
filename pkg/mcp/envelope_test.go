package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncryptedEnvelopeWireShape(t *testing.T) {
	env := NewEncryptedEnvelope("Y2lwaGVy", "bm9uY2U=", &RatchetHeader{
		PreviousCounter: 3,
		MessageCounter:  7,
	})
	raw, err := json.Marshal(env)
	assert.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, `"jsonrpc":"2.0"`)
	assert.Contains(t, s, `"encrypted":true`)
	assert.Contains(t, s, `"ciphertext":"Y2lwaGVy"`)
	assert.Contains(t, s, `"iv":"bm9uY2U="`)
	assert.Contains(t, s, `"previous_counter":3`)
	assert.Contains(t, s, `"message_counter":7`)
	// no DH key means the field stays off the wire
	assert.NotContains(t, s, "dh_public_key")
}

func TestEncryptedEnvelopeCiphertextOnly(t *testing.T) {
	env := NewEncryptedEnvelope("Y2lwaGVy", "", nil)
	raw, err := json.Marshal(env)
	assert.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, `"encrypted":true`)
	assert.NotContains(t, s, `"iv"`)
	assert.NotContains(t, s, "ratchet_header")
}

func TestIsEncryptedFrame(t *testing.T) {
	assert.True(t, IsEncryptedFrame([]byte(`{"jsonrpc":"2.0","encrypted":true,"ciphertext":"x"}`)))
	assert.False(t, IsEncryptedFrame([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	assert.False(t, IsEncryptedFrame([]byte(`{"encrypted":false}`)))
	assert.False(t, IsEncryptedFrame([]byte(`not json`)))
}

func TestParseEncryptedEnvelope(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","encrypted":true,"ciphertext":"Y3Q=","iv":"aXY=",` +
		`"ratchet_header":{"previous_counter":0,"message_counter":2}}`)
	env, err := ParseEncryptedEnvelope(raw)
	assert.NoError(t, err)
	assert.Equal(t, "Y3Q=", env.Ciphertext)
	assert.Equal(t, "aXY=", env.IV)
	if assert.NotNil(t, env.RatchetHeader) {
		assert.Equal(t, uint32(2), env.RatchetHeader.MessageCounter)
	}

	_, err = ParseEncryptedEnvelope([]byte("{"))
	assert.Error(t, err)
}
