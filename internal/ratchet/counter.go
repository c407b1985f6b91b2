package ratchet

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"sync"

	"github.com/castlelab/gambit/pkg/errs"
	"github.com/castlelab/gambit/pkg/mcp"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultSkippedKeyLimit bounds how far ahead of the receive counter a
// frame may arrive before decryption is refused.
const DefaultSkippedKeyLimit = 1000

// counterSession holds one agent's chain state. All mutation happens under
// mu so overlapping calls can never reuse a counter position.
type counterSession struct {
	mu          sync.Mutex
	rootKey     []byte
	sendCK      []byte
	recvCK      []byte
	sendCounter uint32 // next position on the sending chain
	recvCounter uint32 // next position expected on the receiving chain
	prevCounter uint32 // final counter of the previous sending chain
	skipped     map[uint32][]byte
	removed     bool
}

// CounterService is the counter-based symmetric ratchet backend. Chain keys
// are seeded by hashing the agent identity with fixed labels, every message
// key derivation advances the chain one-way, and the wire header carries the
// counters a receiver needs to resolve reordering.
type CounterService struct {
	mu       sync.RWMutex
	sessions map[string]*counterSession
	limit    int
	logger   *zap.Logger
}

var _ Service = (*CounterService)(nil)

// NewCounterService creates the counter backend with the given skipped-key
// bound.
func NewCounterService(skippedKeyLimit int, logger *zap.Logger) *CounterService {
	if skippedKeyLimit <= 0 {
		skippedKeyLimit = DefaultSkippedKeyLimit
	}
	return &CounterService{
		sessions: make(map[string]*counterSession),
		limit:    skippedKeyLimit,
		logger:   logger.Named("ratchet.counter"),
	}
}

// Establish seeds the chains for agentID. The initiator's sending chain is
// the responder's receiving chain, so the two ends converge without any
// exchange beyond the identity string itself.
func (s *CounterService) Establish(_ context.Context, agentID string, initiator bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[agentID]; ok {
		s.logger.Debug("session already established",
			zap.String("agent_id", agentID))
		return nil
	}

	sendLabel, recvLabel := "send", "recv"
	if !initiator {
		sendLabel, recvLabel = recvLabel, sendLabel
	}
	s.sessions[agentID] = &counterSession{
		rootKey: seedKey(agentID, "root"),
		sendCK:  seedKey(agentID, sendLabel),
		recvCK:  seedKey(agentID, recvLabel),
		skipped: make(map[uint32][]byte),
	}
	s.logger.Info("established counter ratchet session",
		zap.String("agent_id", agentID),
		zap.Bool("initiator", initiator))
	return nil
}

// Encrypt derives the one-time key for the current send position, advances
// the sending chain, and seals the plaintext with a fresh random nonce.
func (s *CounterService) Encrypt(agentID string, plaintext []byte) (*mcp.EncryptedEnvelope, error) {
	sess, err := s.session(agentID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removed {
		return nil, errs.NewSessionNotFound(agentID)
	}

	counter := sess.sendCounter
	header := &mcp.RatchetHeader{
		PreviousCounter: sess.prevCounter,
		MessageCounter:  counter,
	}

	mk := messageKey(sess.sendCK, counter)
	defer memguard.WipeBytes(mk)

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.NewEncryptionError(agentID, "nonce generation", err)
	}

	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, errs.NewEncryptionError(agentID, "cipher init", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, counterAD(header))

	next := advanceChain(sess.sendCK)
	memguard.WipeBytes(sess.sendCK)
	sess.sendCK = next
	sess.sendCounter++

	return mcp.NewEncryptedEnvelope(
		base64.StdEncoding.EncodeToString(ct),
		base64.StdEncoding.EncodeToString(nonce),
		header,
	), nil
}

// Decrypt locates the derivation step named by the header, buffering up to
// the configured bound of skipped keys when frames arrive ahead of the
// chain position. Session state only advances when authentication succeeds.
func (s *CounterService) Decrypt(agentID string, env *mcp.EncryptedEnvelope) ([]byte, error) {
	sess, err := s.session(agentID)
	if err != nil {
		return nil, err
	}

	if env == nil || env.RatchetHeader == nil {
		return nil, errs.NewEncryptionError(agentID, "missing ratchet header", nil)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, errs.NewEncryptionError(agentID, "malformed ciphertext", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return nil, errs.NewEncryptionError(agentID, "malformed nonce", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removed {
		return nil, errs.NewSessionNotFound(agentID)
	}

	header := env.RatchetHeader
	n := header.MessageCounter

	// Behind the chain position: only a buffered skipped key can resolve it.
	if n < sess.recvCounter {
		mk, ok := sess.skipped[n]
		if !ok {
			return nil, errs.NewEncryptionError(agentID, "replayed or expired counter", nil)
		}
		pt, openErr := openAEAD(mk, nonce, ct, counterAD(header))
		if openErr != nil {
			return nil, errs.NewEncryptionError(agentID, "authentication failed", openErr)
		}
		memguard.WipeBytes(mk)
		delete(sess.skipped, n)
		return pt, nil
	}

	gap := n - sess.recvCounter
	if int(gap) > s.limit {
		return nil, errs.NewEncryptionError(agentID, "counter gap exceeds skipped-key bound", nil)
	}

	// Derive forward on locals so a tampered frame leaves the session
	// untouched and the genuine frame can still decrypt later.
	ck := sess.recvCK
	pending := make(map[uint32][]byte, gap)
	for pos := sess.recvCounter; pos < n; pos++ {
		pending[pos] = messageKey(ck, pos)
		ck = advanceChain(ck)
	}
	mk := messageKey(ck, n)

	pt, openErr := openAEAD(mk, nonce, ct, counterAD(header))
	if openErr != nil {
		memguard.WipeBytes(mk)
		for _, k := range pending {
			memguard.WipeBytes(k)
		}
		return nil, errs.NewEncryptionError(agentID, "authentication failed", openErr)
	}
	memguard.WipeBytes(mk)

	for pos, k := range pending {
		if len(sess.skipped) >= s.limit {
			s.evictOldestLocked(sess)
		}
		sess.skipped[pos] = k
	}
	next := advanceChain(ck)
	memguard.WipeBytes(sess.recvCK)
	sess.recvCK = next
	sess.recvCounter = n + 1
	return pt, nil
}

// Remove deletes the session and scrubs every key before returning, so a
// late concurrent call cannot derive anything from the removed state.
func (s *CounterService) Remove(agentID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[agentID]
	delete(s.sessions, agentID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.removed = true
	memguard.WipeBytes(sess.rootKey)
	memguard.WipeBytes(sess.sendCK)
	memguard.WipeBytes(sess.recvCK)
	for n, k := range sess.skipped {
		memguard.WipeBytes(k)
		delete(sess.skipped, n)
	}
	s.logger.Info("removed counter ratchet session", zap.String("agent_id", agentID))
	return nil
}

func (s *CounterService) session(agentID string) (*counterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[agentID]
	if !ok {
		return nil, errs.NewSessionNotFound(agentID)
	}
	return sess, nil
}

func (s *CounterService) evictOldestLocked(sess *counterSession) {
	var oldest uint32
	first := true
	for pos := range sess.skipped {
		if first || pos < oldest {
			oldest = pos
			first = false
		}
	}
	if !first {
		memguard.WipeBytes(sess.skipped[oldest])
		delete(sess.skipped, oldest)
	}
}

// counterAD binds the header counters into the AEAD so a relabelled header
// fails authentication.
func counterAD(h *mcp.RatchetHeader) []byte {
	ad := make([]byte, 8)
	binary.BigEndian.PutUint32(ad[:4], h.PreviousCounter)
	binary.BigEndian.PutUint32(ad[4:], h.MessageCounter)
	return ad
}

func openAEAD(mk, nonce, ct, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ct, ad)
}
