package ratchet

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/castlelab/gambit/pkg/errs"
	"github.com/castlelab/gambit/pkg/mcp"
)

// Wire blob types carried inside the envelope's ciphertext field. The
// first message of a session is a prekey message so the responder can run
// its half of the agreement; everything after is a plain ratchet message.
const (
	blobTypePreKey  byte = 0x01
	blobTypeRatchet byte = 0x02
)

const (
	drHeaderSize    = 32 + 4 + 4
	preKeyOverhead  = 1 + 32 + 32 + 4 + 4 + drHeaderSize + chacha20poly1305.NonceSize
	ratchetOverhead = 1 + drHeaderSize + chacha20poly1305.NonceSize
)

// handshakeAttachment is the X3DH material the initiator replays on every
// outbound message until the peer's first reply confirms the session.
type handshakeAttachment struct {
	identityPub  X25519Public
	ephemeralPub X25519Public
	spkID        uint32
	opkID        uint32
}

type signalSession struct {
	mu      sync.Mutex
	st      *drState
	attach  *handshakeAttachment
	pending *agentKeys
	removed bool
}

// SignalService negotiates sessions through published prekey bundles and
// runs a full double ratchet over them. The wire form carries an opaque
// ciphertext only; all ratchet metadata travels inside it.
type SignalService struct {
	mu       sync.RWMutex
	sessions map[string]*signalSession
	client   *PreKeyClient
	registry *KeyRegistry
	limit    int
	logger   *zap.Logger
}

var _ Service = (*SignalService)(nil)

func NewSignalService(client *PreKeyClient, registry *KeyRegistry, skippedKeyLimit int, logger *zap.Logger) *SignalService {
	if skippedKeyLimit <= 0 {
		skippedKeyLimit = DefaultSkippedKeyLimit
	}
	return &SignalService{
		sessions: make(map[string]*signalSession),
		client:   client,
		registry: registry,
		limit:    skippedKeyLimit,
		logger:   logger.Named("ratchet.signal"),
	}
}

// Establish creates session state for agentID. The initiator fetches and
// verifies the peer's bundle and runs its half of X3DH; no session is
// recorded if any of that fails. The responder parks its registry keys and
// completes the agreement when the first prekey message arrives.
func (s *SignalService) Establish(ctx context.Context, agentID string, initiator bool) error {
	s.mu.RLock()
	_, exists := s.sessions[agentID]
	s.mu.RUnlock()
	if exists {
		return nil
	}

	if !initiator {
		return s.establishResponder(agentID)
	}
	return s.establishInitiator(ctx, agentID)
}

func (s *SignalService) establishInitiator(ctx context.Context, agentID string) error {
	if s.client == nil {
		return errs.NewKeyExchangeError(agentID, "no prekey directory configured", nil)
	}

	bundle, err := s.client.Fetch(ctx, agentID)
	if err != nil {
		return err
	}

	peerDH, err := bundle.DHKey()
	if err != nil {
		return errs.NewKeyExchangeError(agentID, "invalid identity key in bundle", err)
	}
	verifyKey, err := bundle.VerifyKey()
	if err != nil {
		return errs.NewKeyExchangeError(agentID, "invalid identity key in bundle", err)
	}
	spkPub, spkSig, err := bundle.SignedPreKey()
	if err != nil {
		return errs.NewKeyExchangeError(agentID, "invalid signed prekey in bundle", err)
	}
	if !verifySPK(verifyKey, spkPub, spkSig) {
		return errs.NewKeyExchangeError(agentID, "signed prekey signature verification failed", nil)
	}
	opkPub, hasOPK, err := bundle.OneTimePreKey()
	if err != nil {
		return errs.NewKeyExchangeError(agentID, "invalid one-time prekey in bundle", err)
	}

	ikPriv, ikPub, err := generateX25519()
	if err != nil {
		return errs.NewKeyExchangeError(agentID, "generate identity key", err)
	}
	ekPriv, ekPub, err := generateX25519()
	if err != nil {
		return errs.NewKeyExchangeError(agentID, "generate ephemeral key", err)
	}

	var opk *X25519Public
	if hasOPK {
		opk = &opkPub
	}
	root, err := initiatorRootKey(ikPriv, ekPriv, peerDH, spkPub, opk)
	memguard.WipeBytes(ikPriv[:])
	memguard.WipeBytes(ekPriv[:])
	if err != nil {
		return errs.NewKeyExchangeError(agentID, "derive shared secret", err)
	}

	st, err := drInitInitiator(root, spkPub, s.limit)
	memguard.WipeBytes(root)
	if err != nil {
		return errs.NewKeyExchangeError(agentID, "initialise ratchet", err)
	}

	attach := &handshakeAttachment{
		identityPub:  ikPub,
		ephemeralPub: ekPub,
		spkID:        uint32(bundle.SignedPreKeyID),
	}
	if hasOPK {
		attach.opkID = uint32(bundle.PreKeyID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[agentID]; ok {
		st.wipe()
		return nil
	}
	s.sessions[agentID] = &signalSession{st: st, attach: attach}
	s.logger.Info("session established",
		zap.String("agent_id", agentID),
		zap.Bool("one_time_prekey", hasOPK))
	return nil
}

func (s *SignalService) establishResponder(agentID string) error {
	if s.registry == nil {
		return errs.NewKeyExchangeError(agentID, "no key registry configured", nil)
	}
	if err := s.registry.Provision(agentID); err != nil {
		return errs.NewKeyExchangeError(agentID, "provision agent keys", err)
	}
	keys, ok := s.registry.keysFor(agentID)
	if !ok {
		return errs.NewKeyExchangeError(agentID, "agent keys unavailable", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[agentID]; ok {
		return nil
	}
	s.sessions[agentID] = &signalSession{pending: keys}
	s.logger.Info("awaiting prekey message", zap.String("agent_id", agentID))
	return nil
}

func (s *SignalService) Encrypt(agentID string, plaintext []byte) (*mcp.EncryptedEnvelope, error) {
	s.mu.RLock()
	sess, ok := s.sessions[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NewSessionNotFound(agentID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removed {
		return nil, errs.NewSessionNotFound(agentID)
	}
	if sess.st == nil {
		return nil, errs.NewEncryptionError(agentID, "cannot send before the peer's first message", nil)
	}

	header, nonce, ct, err := sess.st.encrypt(plaintext)
	if err != nil {
		return nil, errs.NewEncryptionError(agentID, "encrypt message", err)
	}

	var blob []byte
	if sess.attach != nil {
		blob = packPreKeyBlob(sess.attach, header, nonce, ct)
	} else {
		blob = packRatchetBlob(header, nonce, ct)
	}
	return mcp.NewEncryptedEnvelope(base64.StdEncoding.EncodeToString(blob), "", nil), nil
}

func (s *SignalService) Decrypt(agentID string, env *mcp.EncryptedEnvelope) ([]byte, error) {
	if env == nil || env.Ciphertext == "" {
		return nil, errs.NewEncryptionError(agentID, "envelope has no ciphertext", nil)
	}
	blob, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, errs.NewEncryptionError(agentID, "decode ciphertext", err)
	}

	s.mu.RLock()
	sess, ok := s.sessions[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NewSessionNotFound(agentID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removed {
		return nil, errs.NewSessionNotFound(agentID)
	}

	typ, attach, header, nonce, ct, err := parseBlob(blob)
	if err != nil {
		return nil, errs.NewEncryptionError(agentID, "malformed message", err)
	}

	switch typ {
	case blobTypePreKey:
		if sess.st == nil {
			return s.acceptPreKeyMessage(agentID, sess, attach, header, nonce, ct)
		}
	case blobTypeRatchet:
		if sess.st == nil {
			return nil, errs.NewEncryptionError(agentID, "ratchet message before session establishment", nil)
		}
	}

	pt, err := sess.st.decrypt(header, nonce, ct)
	if err != nil {
		return nil, errs.NewEncryptionError(agentID, "decrypt message", err)
	}

	// A valid inbound frame proves the peer holds the session, so the
	// handshake material no longer needs to ride along.
	sess.attach = nil
	return pt, nil
}

// acceptPreKeyMessage runs the responder half of X3DH from the first prekey
// message. Nothing is committed until the message authenticates: a forged
// prekey message leaves the session pending and the one-time prekey
// available for the genuine peer.
func (s *SignalService) acceptPreKeyMessage(agentID string, sess *signalSession, attach *handshakeAttachment, header drHeader, nonce, ct []byte) ([]byte, error) {
	keys := sess.pending
	if keys == nil {
		return nil, errs.NewKeyExchangeError(agentID, "unexpected prekey message", nil)
	}
	if attach.spkID != uint32(keys.spkID) {
		return nil, errs.NewKeyExchangeError(agentID, "prekey message references an unknown signed prekey", nil)
	}

	var opkPriv *X25519Private
	if attach.opkID != 0 {
		priv, ok := s.registry.oneTimeKey(agentID, int(attach.opkID))
		if !ok {
			return nil, errs.NewKeyExchangeError(agentID, "one-time prekey already consumed", nil)
		}
		opkPriv = &priv
	}

	root, err := responderRootKey(keys.identityPriv, keys.spkPriv, opkPriv, attach.identityPub, attach.ephemeralPub)
	if err != nil {
		return nil, errs.NewKeyExchangeError(agentID, "derive shared secret", err)
	}
	st, err := drInitResponder(root, keys.spkPriv, header.dhPub, s.limit)
	memguard.WipeBytes(root)
	if err != nil {
		return nil, errs.NewKeyExchangeError(agentID, "initialise ratchet", err)
	}

	pt, err := st.decrypt(header, nonce, ct)
	if err != nil {
		st.wipe()
		return nil, errs.NewEncryptionError(agentID, "decrypt message", err)
	}

	if attach.opkID != 0 {
		s.registry.retireOneTime(agentID, int(attach.opkID))
	}
	sess.st = st
	sess.pending = nil
	s.logger.Info("session established", zap.String("agent_id", agentID))
	return pt, nil
}

// Remove drops the session and scrubs its ratchet state. Removing an
// unknown agent is a no-op.
func (s *SignalService) Remove(agentID string) error {
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
	if sess.st != nil {
		sess.st.wipe()
		sess.st = nil
	}
	sess.pending = nil
	sess.attach = nil
	s.logger.Info("session removed", zap.String("agent_id", agentID))
	return nil
}

func packPreKeyBlob(a *handshakeAttachment, h drHeader, nonce, ct []byte) []byte {
	blob := make([]byte, 0, preKeyOverhead+len(ct))
	blob = append(blob, blobTypePreKey)
	blob = append(blob, a.identityPub[:]...)
	blob = append(blob, a.ephemeralPub[:]...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], a.spkID)
	blob = append(blob, b[:]...)
	binary.BigEndian.PutUint32(b[:], a.opkID)
	blob = append(blob, b[:]...)
	blob = append(blob, headerBytes(h)...)
	blob = append(blob, nonce...)
	return append(blob, ct...)
}

func packRatchetBlob(h drHeader, nonce, ct []byte) []byte {
	blob := make([]byte, 0, ratchetOverhead+len(ct))
	blob = append(blob, blobTypeRatchet)
	blob = append(blob, headerBytes(h)...)
	blob = append(blob, nonce...)
	return append(blob, ct...)
}

func parseBlob(blob []byte) (byte, *handshakeAttachment, drHeader, []byte, []byte, error) {
	if len(blob) == 0 {
		return 0, nil, drHeader{}, nil, nil, fmt.Errorf("empty message")
	}
	switch blob[0] {
	case blobTypePreKey:
		if len(blob) < preKeyOverhead {
			return 0, nil, drHeader{}, nil, nil, fmt.Errorf("prekey message truncated at %d bytes", len(blob))
		}
		attach := &handshakeAttachment{}
		off := 1
		copy(attach.identityPub[:], blob[off:off+32])
		off += 32
		copy(attach.ephemeralPub[:], blob[off:off+32])
		off += 32
		attach.spkID = binary.BigEndian.Uint32(blob[off : off+4])
		off += 4
		attach.opkID = binary.BigEndian.Uint32(blob[off : off+4])
		off += 4
		header := parseHeader(blob[off : off+drHeaderSize])
		off += drHeaderSize
		nonce := blob[off : off+chacha20poly1305.NonceSize]
		off += chacha20poly1305.NonceSize
		return blobTypePreKey, attach, header, nonce, blob[off:], nil
	case blobTypeRatchet:
		if len(blob) < ratchetOverhead {
			return 0, nil, drHeader{}, nil, nil, fmt.Errorf("ratchet message truncated at %d bytes", len(blob))
		}
		off := 1
		header := parseHeader(blob[off : off+drHeaderSize])
		off += drHeaderSize
		nonce := blob[off : off+chacha20poly1305.NonceSize]
		off += chacha20poly1305.NonceSize
		return blobTypeRatchet, nil, header, nonce, blob[off:], nil
	default:
		return 0, nil, drHeader{}, nil, nil, fmt.Errorf("unknown message type 0x%02x", blob[0])
	}
}

func parseHeader(b []byte) drHeader {
	var h drHeader
	copy(h.dhPub[:], b[:32])
	h.pn = binary.BigEndian.Uint32(b[32:36])
	h.n = binary.BigEndian.Uint32(b[36:40])
	return h
}
