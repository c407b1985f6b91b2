package atrest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castlelab/gambit/pkg/errs"
)

func TestTrainingRecord_RoundTrip(t *testing.T) {
	s := newTestService(t)

	in := &TrainingRecord{
		SessionID:   "game-1",
		MoveHistory: []string{"e2e4", "e7e5", "g1f3"},
		GameResult:  true,
		Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	blob, err := s.EncryptTrainingRecord(in)
	require.NoError(t, err)

	out, err := s.DecryptTrainingRecord("game-1", blob)
	require.NoError(t, err)
	assert.Equal(t, in.SessionID, out.SessionID)
	assert.Equal(t, in.MoveHistory, out.MoveHistory)
	assert.Equal(t, in.GameResult, out.GameResult)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
}

func TestTrainingRecord_SaveAndLoad(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	rec := &TrainingRecord{
		SessionID:   "game-1",
		MoveHistory: []string{"d2d4"},
		GameResult:  false,
	}
	require.NoError(t, s.SaveTrainingRecord(ctx, rec))
	// the capture time is stamped on save
	assert.False(t, rec.Timestamp.IsZero())

	out, err := s.LoadTrainingRecord(ctx, "game-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d2d4"}, out.MoveHistory)
}

func TestTrainingRecord_SerializationErrorDistinctFromEncryption(t *testing.T) {
	s := newTestService(t)

	// a blob that decrypts fine but carries junk is a serialization
	// failure, not an encryption one
	blob, err := seal(s.trainingKeys, "game-1", []byte("not json at all"))
	require.NoError(t, err)

	_, err = s.DecryptTrainingRecord("game-1", blob)
	var serErr *errs.SerializationError
	require.ErrorAs(t, err, &serErr)
	var encErr *errs.EncryptionError
	assert.False(t, errors.As(err, &encErr), "serialization failure must not read as encryption failure")
}

func TestTrainingRecord_MissingSessionIDIsMalformed(t *testing.T) {
	s := newTestService(t)

	blob, err := seal(s.trainingKeys, "game-1", []byte(`{"moveHistory":["e2e4"]}`))
	require.NoError(t, err)

	_, err = s.DecryptTrainingRecord("game-1", blob)
	var serErr *errs.SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, "game-1", serErr.EntityID)
}

func TestTrainingRecord_WireFieldNames(t *testing.T) {
	s := newTestService(t)

	blob, err := seal(s.trainingKeys, "game-1",
		[]byte(`{"sessionId":"game-1","moveHistory":["e2e4"],"gameResult":true,"timestamp":"2025-06-01T12:00:00Z"}`))
	require.NoError(t, err)

	rec, err := s.DecryptTrainingRecord("game-1", blob)
	require.NoError(t, err)
	assert.Equal(t, "game-1", rec.SessionID)
	assert.True(t, rec.GameResult)
	assert.Equal(t, 2025, rec.Timestamp.Year())
}
