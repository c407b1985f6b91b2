package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	aeadKeySize = 32
	chainLabel  = "advance"
)

// kdfRK mixes a DH output into the root key, yielding the next root key and
// a fresh chain key.
func kdfRK(rk, dhOut []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dhOut, rk, []byte("DR|rk"))
	newRK = make([]byte, aeadKeySize)
	ck = make([]byte, aeadKeySize)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

// kdfCK steps a chain key, yielding the next chain key and a one-time
// message key.
func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("DR|ck"))
	nextCK = make([]byte, aeadKeySize)
	mk = make([]byte, aeadKeySize)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

// seedKey hashes an agent identity with a domain-separation label. The
// counter backend has no key agreement step: both ends converge on the same
// seeds from the identity string alone, which makes it an obfuscation layer
// rather than a confidentiality boundary against anyone who knows the id.
func seedKey(agentID, label string) []byte {
	sum := sha256.Sum256([]byte(agentID + label))
	return sum[:]
}

// messageKey derives the one-time key for one counter position from the
// current chain key.
func messageKey(ck []byte, counter uint32) []byte {
	buf := make([]byte, 0, len(ck)+4)
	buf = append(buf, ck...)
	buf = binary.BigEndian.AppendUint32(buf, counter)
	sum := sha256.Sum256(buf)
	return sum[:]
}

// advanceChain steps a chain key through a one-way function so a later
// compromise cannot recompute keys already consumed.
func advanceChain(ck []byte) []byte {
	buf := make([]byte, 0, len(ck)+len(chainLabel))
	buf = append(buf, ck...)
	buf = append(buf, chainLabel...)
	sum := sha256.Sum256(buf)
	return sum[:]
}
