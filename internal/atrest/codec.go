package atrest

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/castlelab/gambit/pkg/errs"
)

// seal AEAD-encrypts plaintext under the entity's key and packs the result
// as base64(nonce‖ciphertext).
func seal(ring *Keyring, entityID string, plaintext []byte) (string, error) {
	var blob string
	err := ring.use(entityID, func(key []byte) error {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return errs.NewEncryptionError(entityID, "cipher init", err)
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return errs.NewEncryptionError(entityID, "nonce generation", err)
		}
		packed := make([]byte, 0, len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
		packed = append(packed, nonce...)
		packed = aead.Seal(packed, nonce, plaintext, nil)
		blob = base64.StdEncoding.EncodeToString(packed)
		return nil
	})
	return blob, err
}

// open splits a packed blob and decrypts it under the entity's key.
func open(ring *Keyring, entityID string, blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, errs.NewEncryptionError(entityID, "malformed blob", err)
	}
	if len(raw) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, errs.NewEncryptionError(entityID, "blob too short", nil)
	}

	var plaintext []byte
	err = ring.use(entityID, func(key []byte) error {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return errs.NewEncryptionError(entityID, "cipher init", err)
		}
		pt, err := aead.Open(nil, raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:], nil)
		if err != nil {
			return errs.NewEncryptionError(entityID, "authentication failed", err)
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
