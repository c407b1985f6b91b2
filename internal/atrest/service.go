package atrest

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/atrest/store"
	"github.com/castlelab/gambit/pkg/errs"
)

// Store key namespaces keep session state and training blobs apart.
const (
	sessionPrefix  = "session:"
	trainingPrefix = "training:"
)

// Service is the at-rest encryption layer. Session state and training
// records run through the same seal/open discipline but hold separate
// keyrings, so compromising one family reveals nothing about the other.
type Service struct {
	sessionKeys  *Keyring
	trainingKeys *Keyring
	blobs        store.Store
	logger       *zap.Logger
}

func NewService(blobs store.Store, logger *zap.Logger) *Service {
	logger = logger.Named("atrest")
	return &Service{
		sessionKeys:  NewKeyring(logger.Named("sessions")),
		trainingKeys: NewKeyring(logger.Named("training")),
		blobs:        blobs,
		logger:       logger,
	}
}

// EncryptSessionState seals opaque session state for entityID.
func (s *Service) EncryptSessionState(entityID string, plaintext []byte) (string, error) {
	return seal(s.sessionKeys, entityID, plaintext)
}

// DecryptSessionState opens a packed session-state blob.
func (s *Service) DecryptSessionState(entityID string, blob string) ([]byte, error) {
	return open(s.sessionKeys, entityID, blob)
}

// SaveSessionState serializes, encrypts and persists state for a game
// session.
func (s *Service) SaveSessionState(ctx context.Context, sessionID string, state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return errs.NewSerializationError(sessionID, err)
	}
	blob, err := s.EncryptSessionState(sessionID, payload)
	if err != nil {
		return err
	}
	return s.blobs.Put(ctx, sessionPrefix+sessionID, blob)
}

// LoadSessionState fetches, decrypts and deserializes state into out.
// Returns store.ErrNotFound when nothing was persisted for the session.
func (s *Service) LoadSessionState(ctx context.Context, sessionID string, out any) error {
	blob, err := s.blobs.Get(ctx, sessionPrefix+sessionID)
	if err != nil {
		return err
	}
	payload, err := s.DecryptSessionState(sessionID, blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errs.NewSerializationError(sessionID, err)
	}
	return nil
}

// EndSession deletes the session's persisted blobs and scrubs both of its
// cached keys. Store failures surface before any key is dropped so a
// half-finished shutdown never strands undecryptable data.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	if err := s.blobs.Delete(ctx, sessionPrefix+sessionID); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, trainingPrefix+sessionID); err != nil {
		return err
	}
	s.sessionKeys.Remove(sessionID)
	s.trainingKeys.Remove(sessionID)
	s.logger.Info("ended at-rest session", zap.String("session_id", sessionID))
	return nil
}

// Close scrubs every cached key.
func (s *Service) Close() {
	s.sessionKeys.Close()
	s.trainingKeys.Close()
}
