package ratchet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	errChainUninitialised = errors.New("ratchet chain key is uninitialised")
	errSkippedKeyBound    = errors.New("counter gap exceeds skipped-key bound")
	errSkippedKeyMissing  = errors.New("skipped message key not found")
)

// drHeader accompanies every double-ratchet ciphertext inside the opaque
// wire blob; it never appears in the JSON envelope.
type drHeader struct {
	dhPub X25519Public
	pn    uint32
	n     uint32
}

// drState tracks one double-ratchet conversation. Callers serialize access;
// the state itself is not locked.
type drState struct {
	rootKey   []byte
	dhPriv    X25519Private
	dhPub     X25519Public
	peerDHPub X25519Public
	sendCK    []byte
	recvCK    []byte
	ns        uint32
	nr        uint32
	pn        uint32
	skipped   map[string][]byte
	limit     int
}

// drInitInitiator seeds the sending chain from the X3DH root using a fresh
// ratchet key against the peer's signed prekey.
func drInitInitiator(root []byte, peerRatchetPub X25519Public, limit int) (*drState, error) {
	priv, pub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	dhOut, err := dh(priv, peerRatchetPub)
	if err != nil {
		return nil, err
	}
	newRK, sendCK := kdfRK(root, dhOut[:])
	memguard.WipeBytes(dhOut[:])

	return &drState{
		rootKey:   newRK,
		dhPriv:    priv,
		dhPub:     pub,
		peerDHPub: peerRatchetPub,
		sendCK:    sendCK,
		skipped:   make(map[string][]byte),
		limit:     limit,
	}, nil
}

// drInitResponder seeds the receiving chain from the X3DH root when the
// first message arrives, using the ratchet private half the bundle owner
// holds and the sender's ratchet public from that message.
func drInitResponder(root []byte, ourRatchetPriv X25519Private, senderRatchetPub X25519Public, limit int) (*drState, error) {
	priv, pub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	dhOut, err := dh(ourRatchetPriv, senderRatchetPub)
	if err != nil {
		return nil, err
	}
	newRK, recvCK := kdfRK(root, dhOut[:])
	memguard.WipeBytes(dhOut[:])

	return &drState{
		rootKey:   newRK,
		dhPriv:    priv,
		dhPub:     pub,
		peerDHPub: senderRatchetPub,
		recvCK:    recvCK,
		skipped:   make(map[string][]byte),
		limit:     limit,
	}, nil
}

// encrypt produces a header, nonce and ciphertext, auto-stepping the DH
// ratchet on the first send after responding.
func (st *drState) encrypt(plaintext []byte) (drHeader, []byte, []byte, error) {
	if len(st.sendCK) == 0 {
		st.pn = st.ns
		st.ns = 0

		newPriv, newPub, err := generateX25519()
		if err != nil {
			return drHeader{}, nil, nil, err
		}
		dhOut, err := dh(newPriv, st.peerDHPub)
		if err != nil {
			return drHeader{}, nil, nil, err
		}
		rk2, sendCK := kdfRK(st.rootKey, dhOut[:])
		memguard.WipeBytes(dhOut[:])
		memguard.WipeBytes(st.rootKey)

		st.rootKey = rk2
		st.dhPriv, st.dhPub = newPriv, newPub
		st.sendCK = sendCK
	}

	nextCK, mk := kdfCK(st.sendCK)
	h := drHeader{dhPub: st.dhPub, pn: st.pn, n: st.ns}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		memguard.WipeBytes(mk)
		memguard.WipeBytes(nextCK)
		return drHeader{}, nil, nil, err
	}
	ct, err := sealDR(mk, nonce, h, plaintext)
	memguard.WipeBytes(mk)
	if err != nil {
		memguard.WipeBytes(nextCK)
		return drHeader{}, nil, nil, err
	}

	memguard.WipeBytes(st.sendCK)
	st.sendCK = nextCK
	st.ns++
	return h, nonce, ct, nil
}

// decrypt resolves skipped keys, steps the DH ratchet on a new remote pub,
// then opens the message. A failure restores the state captured before any
// mutation so the genuine frame can still be processed later.
func (st *drState) decrypt(header drHeader, nonce, ciphertext []byte) ([]byte, error) {
	snapshot := st.clone()

	pt, err := st.decryptInner(header, nonce, ciphertext)
	if err != nil {
		st.restore(snapshot)
		return nil, err
	}
	snapshot.wipe()
	return pt, nil
}

func (st *drState) decryptInner(header drHeader, nonce, ciphertext []byte) ([]byte, error) {
	// Late arrivals from any chain epoch resolve through the skipped-key
	// buffer first, keyed by the epoch's DH pub.
	keyID := skippedKeyID(header.dhPub, header.n)
	if mk, ok := st.skipped[keyID]; ok {
		pt, err := openDR(mk, nonce, header, ciphertext)
		if err != nil {
			return nil, err
		}
		memguard.WipeBytes(mk)
		delete(st.skipped, keyID)
		return pt, nil
	}

	if !equal32(st.peerDHPub[:], header.dhPub[:]) {
		// New DH pub: close out the old receiving chain, then advance the
		// root for the receiving and sending sides.
		if err := st.skipUntil(header.pn); err != nil {
			return nil, err
		}

		dhOut, err := dh(st.dhPriv, header.dhPub)
		if err != nil {
			return nil, err
		}
		rk2, recvCK := kdfRK(st.rootKey, dhOut[:])
		memguard.WipeBytes(dhOut[:])

		newPriv, newPub, err := generateX25519()
		if err != nil {
			return nil, err
		}
		dh2, err := dh(newPriv, header.dhPub)
		if err != nil {
			return nil, err
		}
		rk3, sendCK := kdfRK(rk2, dh2[:])
		memguard.WipeBytes(dh2[:])
		memguard.WipeBytes(rk2)

		st.pn = st.ns
		st.ns, st.nr = 0, 0
		st.rootKey = rk3
		st.dhPriv, st.dhPub = newPriv, newPub
		st.peerDHPub = header.dhPub
		st.sendCK, st.recvCK = sendCK, recvCK
	} else if header.n < st.nr {
		// Behind the chain with no buffered key: consumed or never sent.
		return nil, errSkippedKeyMissing
	}

	if err := st.skipUntil(header.n); err != nil {
		return nil, err
	}

	if len(st.recvCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.recvCK)
	pt, err := openDR(mk, nonce, header, ciphertext)
	memguard.WipeBytes(mk)
	if err != nil {
		memguard.WipeBytes(nextCK)
		return nil, err
	}
	memguard.WipeBytes(st.recvCK)
	st.recvCK = nextCK
	st.nr++
	return pt, nil
}

// skipUntil derives and stores message keys up to pn, refusing gaps beyond
// the configured bound.
func (st *drState) skipUntil(pn uint32) error {
	if pn > st.nr && int(pn-st.nr) > st.limit {
		return errSkippedKeyBound
	}
	for st.nr < pn {
		if len(st.recvCK) == 0 {
			return errChainUninitialised
		}
		nextCK, mk := kdfCK(st.recvCK)
		if len(st.skipped) >= st.limit {
			return errSkippedKeyBound
		}
		st.skipped[skippedKeyID(st.peerDHPub, st.nr)] = mk
		memguard.WipeBytes(st.recvCK)
		st.recvCK = nextCK
		st.nr++
	}
	return nil
}

// wipe scrubs every secret the state holds.
func (st *drState) wipe() {
	memguard.WipeBytes(st.rootKey)
	memguard.WipeBytes(st.sendCK)
	memguard.WipeBytes(st.recvCK)
	memguard.WipeBytes(st.dhPriv[:])
	for id, mk := range st.skipped {
		memguard.WipeBytes(mk)
		delete(st.skipped, id)
	}
}

func (st *drState) clone() *drState {
	c := &drState{
		rootKey:   append([]byte(nil), st.rootKey...),
		dhPriv:    st.dhPriv,
		dhPub:     st.dhPub,
		peerDHPub: st.peerDHPub,
		sendCK:    append([]byte(nil), st.sendCK...),
		recvCK:    append([]byte(nil), st.recvCK...),
		ns:        st.ns,
		nr:        st.nr,
		pn:        st.pn,
		skipped:   make(map[string][]byte, len(st.skipped)),
		limit:     st.limit,
	}
	for id, mk := range st.skipped {
		c.skipped[id] = append([]byte(nil), mk...)
	}
	return c
}

func (st *drState) restore(from *drState) {
	st.wipe()
	*st = *from
}

func sealDR(mk, nonce []byte, header drHeader, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, headerBytes(header)), nil
}

func openDR(mk, nonce []byte, header drHeader, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, headerBytes(header))
}

// headerBytes binds the header into the AEAD as associated data.
func headerBytes(h drHeader) []byte {
	out := make([]byte, 0, 32+8)
	out = append(out, h.dhPub[:]...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.pn)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.n)
	out = append(out, b[:]...)
	return out
}

func skippedKeyID(peer X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return string(b)
}
