package ratchet

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/pkg/errs"
)

// identityKeySize is the decoded length of the bundle's identityKey field:
// the X25519 agreement half followed by the Ed25519 verification half.
const identityKeySize = 64

// PreKeyBundle is the JSON body served by the key directory for one agent.
type PreKeyBundle struct {
	RegistrationID        int    `json:"registrationId"`
	DeviceID              int    `json:"deviceId"`
	PreKeyID              int    `json:"preKeyId,omitempty"`
	PreKeyPublic          string `json:"preKeyPublic,omitempty"`
	SignedPreKeyID        int    `json:"signedPreKeyId"`
	SignedPreKeyPublic    string `json:"signedPreKeyPublic"`
	SignedPreKeySignature string `json:"signedPreKeySignature"`
	IdentityKey           string `json:"identityKey"`
}

// DHKey returns the X25519 half of the identity key.
func (b *PreKeyBundle) DHKey() (X25519Public, error) {
	raw, err := base64.StdEncoding.DecodeString(b.IdentityKey)
	if err != nil {
		return X25519Public{}, fmt.Errorf("decode identityKey: %w", err)
	}
	if len(raw) != identityKeySize {
		return X25519Public{}, fmt.Errorf("identityKey is %d bytes, want %d", len(raw), identityKeySize)
	}
	var pub X25519Public
	copy(pub[:], raw[:32])
	return pub, nil
}

// VerifyKey returns the Ed25519 half of the identity key.
func (b *PreKeyBundle) VerifyKey() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("decode identityKey: %w", err)
	}
	if len(raw) != identityKeySize {
		return nil, fmt.Errorf("identityKey is %d bytes, want %d", len(raw), identityKeySize)
	}
	return ed25519.PublicKey(raw[32:]), nil
}

// SignedPreKey returns the decoded signed prekey public and its signature.
func (b *PreKeyBundle) SignedPreKey() (X25519Public, []byte, error) {
	var pub X25519Public
	raw, err := base64.StdEncoding.DecodeString(b.SignedPreKeyPublic)
	if err != nil {
		return pub, nil, fmt.Errorf("decode signedPreKeyPublic: %w", err)
	}
	if len(raw) != 32 {
		return pub, nil, fmt.Errorf("signedPreKeyPublic is %d bytes, want 32", len(raw))
	}
	copy(pub[:], raw)
	sig, err := base64.StdEncoding.DecodeString(b.SignedPreKeySignature)
	if err != nil {
		return pub, nil, fmt.Errorf("decode signedPreKeySignature: %w", err)
	}
	return pub, sig, nil
}

// OneTimePreKey returns the decoded one-time prekey, or ok=false when the
// bundle carries none.
func (b *PreKeyBundle) OneTimePreKey() (X25519Public, bool, error) {
	var pub X25519Public
	if b.PreKeyID == 0 || b.PreKeyPublic == "" {
		return pub, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b.PreKeyPublic)
	if err != nil {
		return pub, false, fmt.Errorf("decode preKeyPublic: %w", err)
	}
	if len(raw) != 32 {
		return pub, false, fmt.Errorf("preKeyPublic is %d bytes, want 32", len(raw))
	}
	copy(pub[:], raw)
	return pub, true, nil
}

// PreKeyClient fetches prekey bundles from the key directory endpoint.
type PreKeyClient struct {
	baseURL string
	bearer  string
	client  *http.Client
	logger  *zap.Logger
}

// NewPreKeyClient builds a client for the directory at baseURL, e.g.
// "https://chess.example.com". Requests are traced.
func NewPreKeyClient(baseURL string, logger *zap.Logger) *PreKeyClient {
	return &PreKeyClient{
		baseURL: baseURL,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
		logger: logger.Named("ratchet.prekey"),
	}
}

// WithBearer attaches a bearer token to every fetch, for directories that
// sit behind auth. An empty token leaves requests unauthenticated.
func (c *PreKeyClient) WithBearer(token string) *PreKeyClient {
	c.bearer = token
	return c
}

// Fetch retrieves the bundle for agentID. Any transport failure, non-2xx
// status or malformed body is reported as a key exchange failure; no
// session state is created on any path here.
func (c *PreKeyClient) Fetch(ctx context.Context, agentID string) (*PreKeyBundle, error) {
	u := fmt.Sprintf("%s/keys/prekey?agentId=%s", c.baseURL, url.QueryEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errs.NewKeyExchangeError(agentID, "build prekey request", err)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.NewKeyExchangeError(agentID, "fetch prekey bundle", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("prekey fetch rejected",
			zap.String("agent_id", agentID),
			zap.Int("status", resp.StatusCode))
		return nil, errs.NewKeyExchangeError(agentID,
			fmt.Sprintf("prekey endpoint returned status %d: %s", resp.StatusCode, string(body)), nil)
	}

	var bundle PreKeyBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, errs.NewKeyExchangeError(agentID, "decode prekey bundle", err)
	}
	if bundle.IdentityKey == "" || bundle.SignedPreKeyPublic == "" || bundle.SignedPreKeySignature == "" {
		return nil, errs.NewKeyExchangeError(agentID, "prekey bundle is missing required fields", nil)
	}
	return &bundle, nil
}

// agentKeys holds the private halves backing one agent's published bundle.
type agentKeys struct {
	registrationID int
	deviceID       int

	identityPriv X25519Private
	identityPub  X25519Public
	signPriv     ed25519.PrivateKey
	signPub      ed25519.PublicKey

	spkID   int
	spkPriv X25519Private
	spkPub  X25519Public
	spkSig  []byte

	opkID   int
	opkPriv X25519Private
	opkPub  X25519Public
	opkUsed bool
}

// KeyRegistry mints and stores identity material for agents hosted by this
// process and renders the public bundle the directory endpoint serves.
type KeyRegistry struct {
	mu     sync.RWMutex
	agents map[string]*agentKeys
	nextID int
	logger *zap.Logger
}

func NewKeyRegistry(logger *zap.Logger) *KeyRegistry {
	return &KeyRegistry{
		agents: make(map[string]*agentKeys),
		nextID: 1,
		logger: logger.Named("ratchet.registry"),
	}
}

// Provision generates identity, signed prekey and one one-time prekey for
// agentID. Calling it again for a known agent is a no-op.
func (r *KeyRegistry) Provision(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; ok {
		return nil
	}

	idPriv, idPub, err := generateX25519()
	if err != nil {
		return fmt.Errorf("generate identity key: %w", err)
	}
	signPub, signPriv, err := generateSigningKey()
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	spkPriv, spkPub, err := generateX25519()
	if err != nil {
		return fmt.Errorf("generate signed prekey: %w", err)
	}
	opkPriv, opkPub, err := generateX25519()
	if err != nil {
		return fmt.Errorf("generate one-time prekey: %w", err)
	}

	keys := &agentKeys{
		registrationID: r.nextID,
		deviceID:       1,
		identityPriv:   idPriv,
		identityPub:    idPub,
		signPriv:       signPriv,
		signPub:        signPub,
		spkID:          1,
		spkPriv:        spkPriv,
		spkPub:         spkPub,
		spkSig:         signSPK(signPriv, spkPub),
		opkID:          1,
		opkPriv:        opkPriv,
		opkPub:         opkPub,
	}
	r.nextID++
	r.agents[agentID] = keys
	r.logger.Info("provisioned agent keys",
		zap.String("agent_id", agentID),
		zap.Int("registration_id", keys.registrationID))
	return nil
}

// Bundle renders the public bundle for agentID. The one-time prekey is
// included only while unconsumed.
func (r *KeyRegistry) Bundle(agentID string) (*PreKeyBundle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}

	identity := make([]byte, 0, identityKeySize)
	identity = append(identity, keys.identityPub[:]...)
	identity = append(identity, keys.signPub...)

	bundle := &PreKeyBundle{
		RegistrationID:        keys.registrationID,
		DeviceID:              keys.deviceID,
		SignedPreKeyID:        keys.spkID,
		SignedPreKeyPublic:    base64.StdEncoding.EncodeToString(keys.spkPub[:]),
		SignedPreKeySignature: base64.StdEncoding.EncodeToString(keys.spkSig),
		IdentityKey:           base64.StdEncoding.EncodeToString(identity),
	}
	if !keys.opkUsed {
		bundle.PreKeyID = keys.opkID
		bundle.PreKeyPublic = base64.StdEncoding.EncodeToString(keys.opkPub[:])
	}
	return bundle, true
}

// keysFor exposes the private halves to the responding session.
func (r *KeyRegistry) keysFor(agentID string) (*agentKeys, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys, ok := r.agents[agentID]
	return keys, ok
}

// oneTimeKey returns the unconsumed one-time prekey private half without
// retiring it; retirement waits until the first message authenticates.
func (r *KeyRegistry) oneTimeKey(agentID string, opkID int) (X25519Private, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys, ok := r.agents[agentID]
	if !ok || keys.opkUsed || keys.opkID != opkID {
		return X25519Private{}, false
	}
	return keys.opkPriv, true
}

// retireOneTime marks the one-time prekey consumed so the bundle stops
// offering it.
func (r *KeyRegistry) retireOneTime(agentID string, opkID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if keys, ok := r.agents[agentID]; ok && keys.opkID == opkID {
		keys.opkUsed = true
	}
}
