// Package atrest encrypts session state and training records that outlive
// the connection. Every persisted entity gets its own random symmetric key,
// generated lazily and held in locked memory; the keys are a family of
// their own, never derived from or shared with the transport ratchet.
package atrest

import (
	"sync"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

// Keyring caches one locked key buffer per entity id.
type Keyring struct {
	mu     sync.Mutex
	keys   map[string]*memguard.LockedBuffer
	logger *zap.Logger
}

func NewKeyring(logger *zap.Logger) *Keyring {
	return &Keyring{
		keys:   make(map[string]*memguard.LockedBuffer),
		logger: logger,
	}
}

// use runs fn with the entity's key, creating it on first use. The ring
// stays locked for the duration so Remove cannot scrub the key mid-call.
func (k *Keyring) use(entityID string, fn func(key []byte) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	buf, ok := k.keys[entityID]
	if !ok {
		buf = memguard.NewBufferRandom(chacha20poly1305.KeySize)
		k.keys[entityID] = buf
		k.logger.Debug("generated at-rest key", zap.String("entity_id", entityID))
	}
	return fn(buf.Bytes())
}

// Remove scrubs and drops the entity's key. Unknown entities are a no-op.
func (k *Keyring) Remove(entityID string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if buf, ok := k.keys[entityID]; ok {
		buf.Destroy()
		delete(k.keys, entityID)
	}
}

// Close scrubs every key in the ring.
func (k *Keyring) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	for id, buf := range k.keys {
		buf.Destroy()
		delete(k.keys, id)
	}
}
