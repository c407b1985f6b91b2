package atrest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/castlelab/gambit/pkg/errs"
)

// TrainingRecord is the aggregated learning sample persisted after a game:
// which session it came from, the ordered moves, who won, and when it was
// captured.
type TrainingRecord struct {
	SessionID   string    `json:"sessionId"`
	MoveHistory []string  `json:"moveHistory"`
	GameResult  bool      `json:"gameResult"`
	Timestamp   time.Time `json:"timestamp"`
}

// EncryptTrainingRecord serializes and seals a record under the training
// key for its session.
func (s *Service) EncryptTrainingRecord(rec *TrainingRecord) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", errs.NewSerializationError(rec.SessionID, err)
	}
	return seal(s.trainingKeys, rec.SessionID, payload)
}

// DecryptTrainingRecord opens a packed blob and deserializes the record.
// A blob that decrypts but does not parse into the schema is a
// serialization failure, not an encryption one.
func (s *Service) DecryptTrainingRecord(entityID string, blob string) (*TrainingRecord, error) {
	payload, err := open(s.trainingKeys, entityID, blob)
	if err != nil {
		return nil, err
	}
	var rec TrainingRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, errs.NewSerializationError(entityID, err)
	}
	if rec.SessionID == "" {
		return nil, errs.NewSerializationError(entityID, fmt.Errorf("record is missing sessionId"))
	}
	return &rec, nil
}

// SaveTrainingRecord encrypts and persists a record, stamping the capture
// time when the caller left it unset.
func (s *Service) SaveTrainingRecord(ctx context.Context, rec *TrainingRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	blob, err := s.EncryptTrainingRecord(rec)
	if err != nil {
		return err
	}
	return s.blobs.Put(ctx, trainingPrefix+rec.SessionID, blob)
}

// LoadTrainingRecord fetches and opens the record for a session. Returns
// store.ErrNotFound when none was persisted.
func (s *Service) LoadTrainingRecord(ctx context.Context, sessionID string) (*TrainingRecord, error) {
	blob, err := s.blobs.Get(ctx, trainingPrefix+sessionID)
	if err != nil {
		return nil, err
	}
	return s.DecryptTrainingRecord(sessionID, blob)
}
