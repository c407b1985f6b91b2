package atrest

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/atrest/store"
	"github.com/castlelab/gambit/internal/ratchet"
	"github.com/castlelab/gambit/pkg/errs"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := NewService(store.NewMemoryStore(zap.NewNop()), zap.NewNop())
	t.Cleanup(s.Close)
	return s
}

func TestService_SessionStateRoundTrip(t *testing.T) {
	s := newTestService(t)

	blob, err := s.EncryptSessionState("game-1", []byte(`{"board":"rnbqkbnr"}`))
	require.NoError(t, err)
	assert.NotContains(t, blob, "rnbqkbnr")

	pt, err := s.DecryptSessionState("game-1", blob)
	require.NoError(t, err)
	assert.JSONEq(t, `{"board":"rnbqkbnr"}`, string(pt))
}

func TestService_SaveAndLoadSessionState(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	type gameState struct {
		Board string   `json:"board"`
		Turn  string   `json:"turn"`
		Moves []string `json:"moves"`
	}
	in := gameState{Board: "fen-here", Turn: "white", Moves: []string{"e2e4", "e7e5"}}
	require.NoError(t, s.SaveSessionState(ctx, "game-1", in))

	var out gameState
	require.NoError(t, s.LoadSessionState(ctx, "game-1", &out))
	assert.Equal(t, in, out)

	// nothing persisted for an unknown session
	err := s.LoadSessionState(ctx, "game-404", &out)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_TamperDetection(t *testing.T) {
	s := newTestService(t)

	blob, err := s.EncryptSessionState("game-1", []byte("state"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)

	// flip one bit in the ciphertext
	raw[len(raw)-1] ^= 0x01
	_, err = s.DecryptSessionState("game-1", base64.StdEncoding.EncodeToString(raw))
	var encErr *errs.EncryptionError
	require.ErrorAs(t, err, &encErr)
	assert.Contains(t, encErr.Reason, "authentication failed")

	// flip one bit in the nonce
	raw[len(raw)-1] ^= 0x01
	raw[0] ^= 0x01
	_, err = s.DecryptSessionState("game-1", base64.StdEncoding.EncodeToString(raw))
	assert.ErrorAs(t, err, &encErr)
}

func TestService_MalformedBlob(t *testing.T) {
	s := newTestService(t)

	_, err := s.DecryptSessionState("game-1", "not base64!!")
	var encErr *errs.EncryptionError
	require.ErrorAs(t, err, &encErr)

	_, err = s.DecryptSessionState("game-1", base64.StdEncoding.EncodeToString([]byte("short")))
	require.ErrorAs(t, err, &encErr)
	assert.Contains(t, encErr.Reason, "too short")
}

func TestService_BlobsDifferPerCall(t *testing.T) {
	s := newTestService(t)

	a, err := s.EncryptSessionState("game-1", []byte("same"))
	require.NoError(t, err)
	b, err := s.EncryptSessionState("game-1", []byte("same"))
	require.NoError(t, err)

	// fresh nonce per call: same plaintext, same key, different blobs
	assert.NotEqual(t, a, b)
}

func TestService_KeysAreNotDerivedFromEntityID(t *testing.T) {
	a := newTestService(t)
	b := newTestService(t)

	blob, err := a.EncryptSessionState("game-1", []byte("state"))
	require.NoError(t, err)

	// a second service with the same entity id holds a different random
	// key, so the id alone buys an attacker nothing
	_, err = b.DecryptSessionState("game-1", blob)
	var encErr *errs.EncryptionError
	assert.ErrorAs(t, err, &encErr)
}

func TestService_SessionAndTrainingKeysIndependent(t *testing.T) {
	s := newTestService(t)

	blob, err := s.EncryptSessionState("game-1", []byte(`{"sessionId":"game-1"}`))
	require.NoError(t, err)

	// the training keyring holds a different key for the same entity
	_, err = s.DecryptTrainingRecord("game-1", blob)
	var encErr *errs.EncryptionError
	assert.ErrorAs(t, err, &encErr)
}

func TestService_IndependentFromTransportKeys(t *testing.T) {
	s := newTestService(t)

	transport := ratchet.NewCounterService(0, zap.NewNop())
	require.NoError(t, transport.Establish(context.Background(), "game-1", true))

	blob, err := s.EncryptSessionState("game-1", []byte("persisted"))
	require.NoError(t, err)

	// tearing down the transport session must not affect at-rest data
	require.NoError(t, transport.Remove("game-1"))

	pt, err := s.DecryptSessionState("game-1", blob)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(pt))
}

func TestService_EndSessionScrubsKeys(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSessionState(ctx, "game-1", map[string]string{"k": "v"}))
	blob, err := s.EncryptSessionState("game-1", []byte("still around"))
	require.NoError(t, err)

	require.NoError(t, s.EndSession(ctx, "game-1"))

	var out map[string]string
	assert.ErrorIs(t, s.LoadSessionState(ctx, "game-1", &out), store.ErrNotFound)

	// the key was scrubbed; a fresh random key cannot open the old blob
	_, err = s.DecryptSessionState("game-1", blob)
	var encErr *errs.EncryptionError
	assert.ErrorAs(t, err, &encErr)
}
