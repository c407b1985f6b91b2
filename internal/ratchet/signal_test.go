package ratchet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/pkg/errs"
	"github.com/castlelab/gambit/pkg/mcp"
)

// bundleServer serves the registry's bundles the way the gateway does.
func bundleServer(t *testing.T, registry *KeyRegistry) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bundle, ok := registry.Bundle(r.URL.Query().Get("agentId"))
		if !ok {
			http.Error(w, "unknown agent", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(bundle)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// signalPair establishes both halves of a session for agentID.
func signalPair(t *testing.T, agentID string) (*SignalService, *SignalService) {
	t.Helper()
	registry := NewKeyRegistry(zap.NewNop())
	responder := NewSignalService(nil, registry, 0, zap.NewNop())
	require.NoError(t, responder.Establish(context.Background(), agentID, false))

	srv := bundleServer(t, registry)
	initiator := NewSignalService(NewPreKeyClient(srv.URL, zap.NewNop()), nil, 0, zap.NewNop())
	require.NoError(t, initiator.Establish(context.Background(), agentID, true))
	return initiator, responder
}

func TestSignalService_RoundTrip(t *testing.T) {
	initiator, responder := signalPair(t, "agent-42")

	env, err := initiator.Encrypt("agent-42", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)

	// the wire carries an opaque ciphertext and nothing else
	assert.True(t, env.Encrypted)
	assert.NotEmpty(t, env.Ciphertext)
	assert.Empty(t, env.IV)
	assert.Nil(t, env.RatchetHeader)

	pt, err := responder.Decrypt("agent-42", env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, string(pt))

	reply, err := responder.Encrypt("agent-42", []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	require.NoError(t, err)
	pt, err = initiator.Decrypt("agent-42", reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(pt))
}

func TestSignalService_HandshakeAttachmentDropsAfterReply(t *testing.T) {
	initiator, responder := signalPair(t, "agent-1")

	// before the first reply every outbound frame is a prekey message
	env, err := initiator.Encrypt("agent-1", []byte("first"))
	require.NoError(t, err)
	blob, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, blobTypePreKey, blob[0])

	_, err = responder.Decrypt("agent-1", env)
	require.NoError(t, err)
	reply, err := responder.Encrypt("agent-1", []byte("ack"))
	require.NoError(t, err)
	_, err = initiator.Decrypt("agent-1", reply)
	require.NoError(t, err)

	// once confirmed, frames shrink to plain ratchet messages
	env, err = initiator.Encrypt("agent-1", []byte("second"))
	require.NoError(t, err)
	blob, err = base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, blobTypeRatchet, blob[0])

	pt, err := responder.Decrypt("agent-1", env)
	require.NoError(t, err)
	assert.Equal(t, "second", string(pt))
}

func TestSignalService_PreKeyNotFound(t *testing.T) {
	registry := NewKeyRegistry(zap.NewNop())
	srv := bundleServer(t, registry)

	initiator := NewSignalService(NewPreKeyClient(srv.URL, zap.NewNop()), nil, 0, zap.NewNop())
	err := initiator.Establish(context.Background(), "agent-404", true)

	var keyErr *errs.KeyExchangeError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "agent-404", keyErr.AgentID)

	// no half-open session may remain behind the failure
	_, err = initiator.Encrypt("agent-404", []byte("x"))
	var encErr *errs.EncryptionError
	require.ErrorAs(t, err, &encErr)
	assert.Contains(t, encErr.Reason, "session not found")
}

func TestSignalService_BadSignatureRejected(t *testing.T) {
	registry := NewKeyRegistry(zap.NewNop())
	require.NoError(t, registry.Provision("agent-1"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bundle, _ := registry.Bundle(r.URL.Query().Get("agentId"))
		sig, _ := base64.StdEncoding.DecodeString(bundle.SignedPreKeySignature)
		sig[0] ^= 0xff
		bundle.SignedPreKeySignature = base64.StdEncoding.EncodeToString(sig)
		_ = json.NewEncoder(w).Encode(bundle)
	}))
	t.Cleanup(srv.Close)

	initiator := NewSignalService(NewPreKeyClient(srv.URL, zap.NewNop()), nil, 0, zap.NewNop())
	err := initiator.Establish(context.Background(), "agent-1", true)

	var keyErr *errs.KeyExchangeError
	require.ErrorAs(t, err, &keyErr)
	assert.Contains(t, keyErr.Reason, "signature")
}

func TestSignalService_TamperDetection(t *testing.T) {
	initiator, responder := signalPair(t, "agent-1")

	env, err := initiator.Encrypt("agent-1", []byte("genuine"))
	require.NoError(t, err)

	blob, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0x01
	tampered := *env
	tampered.Ciphertext = base64.StdEncoding.EncodeToString(blob)

	_, err = responder.Decrypt("agent-1", &tampered)
	var encErr *errs.EncryptionError
	require.ErrorAs(t, err, &encErr)

	// the forged frame must not burn the pending session
	pt, err := responder.Decrypt("agent-1", env)
	require.NoError(t, err)
	assert.Equal(t, "genuine", string(pt))
}

func TestSignalService_TamperMidSession(t *testing.T) {
	initiator, responder := signalPair(t, "agent-1")

	// confirm the session first
	env, err := initiator.Encrypt("agent-1", []byte("hello"))
	require.NoError(t, err)
	_, err = responder.Decrypt("agent-1", env)
	require.NoError(t, err)
	reply, err := responder.Encrypt("agent-1", []byte("hi"))
	require.NoError(t, err)
	_, err = initiator.Decrypt("agent-1", reply)
	require.NoError(t, err)

	env, err = initiator.Encrypt("agent-1", []byte("payload"))
	require.NoError(t, err)
	blob, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	blob[len(blob)-1] ^= 0xff
	tampered := *env
	tampered.Ciphertext = base64.StdEncoding.EncodeToString(blob)

	_, err = responder.Decrypt("agent-1", &tampered)
	require.Error(t, err)

	// state rolled back: the untampered frame still decrypts
	pt, err := responder.Decrypt("agent-1", env)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(pt))
}

func TestSignalService_OutOfOrderDelivery(t *testing.T) {
	initiator, responder := signalPair(t, "agent-1")

	var envs []*mcp.EncryptedEnvelope
	for _, msg := range []string{"zero", "one", "two"} {
		env, err := initiator.Encrypt("agent-1", []byte(msg))
		require.NoError(t, err)
		envs = append(envs, env)
	}

	pt, err := responder.Decrypt("agent-1", envs[2])
	require.NoError(t, err)
	assert.Equal(t, "two", string(pt))

	pt, err = responder.Decrypt("agent-1", envs[0])
	require.NoError(t, err)
	assert.Equal(t, "zero", string(pt))

	pt, err = responder.Decrypt("agent-1", envs[1])
	require.NoError(t, err)
	assert.Equal(t, "one", string(pt))
}

func TestSignalService_PingPongRatchetRotation(t *testing.T) {
	initiator, responder := signalPair(t, "agent-1")

	// several full turns force repeated DH ratchet steps on both ends
	for i := 0; i < 4; i++ {
		env, err := initiator.Encrypt("agent-1", []byte("ping"))
		require.NoError(t, err)
		pt, err := responder.Decrypt("agent-1", env)
		require.NoError(t, err)
		require.Equal(t, "ping", string(pt))

		env, err = responder.Encrypt("agent-1", []byte("pong"))
		require.NoError(t, err)
		pt, err = initiator.Decrypt("agent-1", env)
		require.NoError(t, err)
		require.Equal(t, "pong", string(pt))
	}
}

func TestSignalService_ResponderCannotSendFirst(t *testing.T) {
	registry := NewKeyRegistry(zap.NewNop())
	responder := NewSignalService(nil, registry, 0, zap.NewNop())
	require.NoError(t, responder.Establish(context.Background(), "agent-1", false))

	_, err := responder.Encrypt("agent-1", []byte("premature"))
	var encErr *errs.EncryptionError
	require.ErrorAs(t, err, &encErr)
	assert.Contains(t, encErr.Reason, "peer's first message")
}

func TestSignalService_OneTimePreKeyRetires(t *testing.T) {
	registry := NewKeyRegistry(zap.NewNop())
	responder := NewSignalService(nil, registry, 0, zap.NewNop())
	require.NoError(t, responder.Establish(context.Background(), "agent-1", false))

	srv := bundleServer(t, registry)
	initiator := NewSignalService(NewPreKeyClient(srv.URL, zap.NewNop()), nil, 0, zap.NewNop())
	require.NoError(t, initiator.Establish(context.Background(), "agent-1", true))

	bundle, ok := registry.Bundle("agent-1")
	require.True(t, ok)
	assert.NotZero(t, bundle.PreKeyID)

	env, err := initiator.Encrypt("agent-1", []byte("consume"))
	require.NoError(t, err)
	_, err = responder.Decrypt("agent-1", env)
	require.NoError(t, err)

	// the bundle stops offering the one-time prekey once it is used
	bundle, ok = registry.Bundle("agent-1")
	require.True(t, ok)
	assert.Zero(t, bundle.PreKeyID)
	assert.Empty(t, bundle.PreKeyPublic)
}

func TestSignalService_SessionIsolation(t *testing.T) {
	registry := NewKeyRegistry(zap.NewNop())
	responder := NewSignalService(nil, registry, 0, zap.NewNop())
	srv := bundleServer(t, registry)
	initiator := NewSignalService(NewPreKeyClient(srv.URL, zap.NewNop()), nil, 0, zap.NewNop())

	for _, id := range []string{"agent-a", "agent-b"} {
		require.NoError(t, responder.Establish(context.Background(), id, false))
		require.NoError(t, initiator.Establish(context.Background(), id, true))
	}

	env, err := initiator.Encrypt("agent-a", []byte("for a only"))
	require.NoError(t, err)

	_, err = responder.Decrypt("agent-b", env)
	require.Error(t, err)

	pt, err := responder.Decrypt("agent-a", env)
	require.NoError(t, err)
	assert.Equal(t, "for a only", string(pt))
}

func TestSignalService_Remove(t *testing.T) {
	initiator, responder := signalPair(t, "agent-1")

	env, err := initiator.Encrypt("agent-1", []byte("hello"))
	require.NoError(t, err)
	_, err = responder.Decrypt("agent-1", env)
	require.NoError(t, err)

	require.NoError(t, initiator.Remove("agent-1"))
	_, err = initiator.Encrypt("agent-1", []byte("after remove"))
	var encErr *errs.EncryptionError
	require.ErrorAs(t, err, &encErr)
	assert.Contains(t, encErr.Reason, "session not found")

	// removing twice stays a no-op
	assert.NoError(t, initiator.Remove("agent-1"))
}

func TestSignalService_EstablishIdempotent(t *testing.T) {
	initiator, responder := signalPair(t, "agent-1")

	env1, err := initiator.Encrypt("agent-1", []byte("one"))
	require.NoError(t, err)

	// re-establish must not reset the ratchet or refetch the bundle
	require.NoError(t, initiator.Establish(context.Background(), "agent-1", true))

	env2, err := initiator.Encrypt("agent-1", []byte("two"))
	require.NoError(t, err)

	pt, err := responder.Decrypt("agent-1", env1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(pt))
	pt, err = responder.Decrypt("agent-1", env2)
	require.NoError(t, err)
	assert.Equal(t, "two", string(pt))
}

func TestSignalService_NoDirectoryConfigured(t *testing.T) {
	svc := NewSignalService(nil, nil, 0, zap.NewNop())

	err := svc.Establish(context.Background(), "agent-1", true)
	var keyErr *errs.KeyExchangeError
	require.ErrorAs(t, err, &keyErr)
	assert.Contains(t, keyErr.Reason, "no prekey directory")

	err = svc.Establish(context.Background(), "agent-1", false)
	require.ErrorAs(t, err, &keyErr)
	assert.Contains(t, keyErr.Reason, "no key registry")
}
