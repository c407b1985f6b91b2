package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drPair drives both ratchet halves over a shared root, the way a completed
// X3DH leaves them.
func drPair(t *testing.T, limit int) (*drState, *drState) {
	t.Helper()
	root := make([]byte, 32)
	for i := range root {
		root[i] = byte(i)
	}
	anchorPriv, anchorPub, err := generateX25519()
	require.NoError(t, err)

	a, err := drInitInitiator(append([]byte(nil), root...), anchorPub, limit)
	require.NoError(t, err)
	b, err := drInitResponder(append([]byte(nil), root...), anchorPriv, a.dhPub, limit)
	require.NoError(t, err)
	return a, b
}

func TestDRState_PingPong(t *testing.T) {
	a, b := drPair(t, 10)

	for i := 0; i < 3; i++ {
		h, nonce, ct, err := a.encrypt([]byte("ping"))
		require.NoError(t, err)
		pt, err := b.decrypt(h, nonce, ct)
		require.NoError(t, err)
		require.Equal(t, "ping", string(pt))

		h, nonce, ct, err = b.encrypt([]byte("pong"))
		require.NoError(t, err)
		pt, err = a.decrypt(h, nonce, ct)
		require.NoError(t, err)
		require.Equal(t, "pong", string(pt))
	}
}

func TestDRState_SkipBoundRefusesLargeGap(t *testing.T) {
	a, b := drPair(t, 3)

	type frame struct {
		h     drHeader
		nonce []byte
		ct    []byte
	}
	var frames []frame
	for i := 0; i < 6; i++ {
		h, nonce, ct, err := a.encrypt([]byte("m"))
		require.NoError(t, err)
		frames = append(frames, frame{h, nonce, ct})
	}

	// jumping straight to message 5 needs 5 skipped keys, above the bound
	_, err := b.decrypt(frames[5].h, frames[5].nonce, frames[5].ct)
	require.Error(t, err)
	assert.ErrorIs(t, err, errSkippedKeyBound)

	// the refusal must not have consumed chain state
	pt, err := b.decrypt(frames[0].h, frames[0].nonce, frames[0].ct)
	require.NoError(t, err)
	assert.Equal(t, "m", string(pt))
}

func TestDRState_FailedDecryptRestoresState(t *testing.T) {
	a, b := drPair(t, 10)

	h, nonce, ct, err := a.encrypt([]byte("genuine"))
	require.NoError(t, err)

	bad := append([]byte(nil), ct...)
	bad[0] ^= 0xff
	_, err = b.decrypt(h, nonce, bad)
	require.Error(t, err)

	pt, err := b.decrypt(h, nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, "genuine", string(pt))
}

func TestDRState_HeaderBoundAsAssociatedData(t *testing.T) {
	a, b := drPair(t, 10)

	h, nonce, ct, err := a.encrypt([]byte("payload"))
	require.NoError(t, err)

	forged := h
	forged.pn = h.pn + 7
	_, err = b.decrypt(forged, nonce, ct)
	require.Error(t, err)

	pt, err := b.decrypt(h, nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(pt))
}

func TestDRState_WipeClearsSecrets(t *testing.T) {
	a, _ := drPair(t, 10)

	_, _, _, err := a.encrypt([]byte("x"))
	require.NoError(t, err)

	a.wipe()
	assert.Empty(t, a.skipped)
	allZero := true
	for _, v := range a.rootKey {
		if v != 0 {
			allZero = false
		}
	}
	assert.True(t, allZero, "root key not scrubbed")
}
