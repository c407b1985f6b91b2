package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

type (
	// X25519Public is a Curve25519 public key.
	X25519Public [32]byte

	// X25519Private is a Curve25519 private key.
	X25519Private [32]byte
)

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool {
	var zero X25519Public
	return p == zero
}

// generateX25519 returns a fresh clamped keypair.
func generateX25519() (X25519Private, X25519Public, error) {
	var priv X25519Private
	if _, err := rand.Read(priv[:]); err != nil {
		return X25519Private{}, X25519Public{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubBytes, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return X25519Private{}, X25519Public{}, err
	}
	var pub X25519Public
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// dh computes the shared secret between priv and pub.
func dh(priv X25519Private, pub X25519Public) ([32]byte, error) {
	res, err := curve25519.X25519(priv.Slice(), pub.Slice())
	var out [32]byte
	if err != nil {
		return out, err
	}
	copy(out[:], res)
	return out, nil
}

// generateSigningKey returns a fresh Ed25519 keypair for prekey signatures.
func generateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// equal32 compares two 32-byte values in constant time.
func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
