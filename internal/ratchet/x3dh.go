package ratchet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

const x3dhInfo = "gambit-x3dh"

// initiatorRootKey derives the shared root key on the side that fetched the
// prekey bundle. The one-time prekey term is mixed in only when the bundle
// carried one.
func initiatorRootKey(idPriv, ephPriv X25519Private, peerID, peerSPK X25519Public, peerOPK *X25519Public) ([]byte, error) {
	dh1, err := dh(idPriv, peerSPK) // DH(IK_A, SPK_B)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ephPriv, peerID) // DH(EK_A, IK_B)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ephPriv, peerSPK) // DH(EK_A, SPK_B)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if peerOPK != nil {
		dh4, err := dh(ephPriv, *peerOPK) // DH(EK_A, OPK_B)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4[:]...)
	}

	root := deriveRoot(concat)
	memguard.WipeBytes(concat)
	return root, nil
}

// responderRootKey mirrors initiatorRootKey with the private halves the
// bundle owner holds. Both ends must produce byte-identical roots.
func responderRootKey(idPriv, spkPriv X25519Private, opkPriv *X25519Private, peerID, peerEph X25519Public) ([]byte, error) {
	dh1, err := dh(spkPriv, peerID) // DH(SPK_B, IK_A)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(idPriv, peerEph) // DH(IK_B, EK_A)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(spkPriv, peerEph) // DH(SPK_B, EK_A)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if opkPriv != nil {
		dh4, err := dh(*opkPriv, peerEph) // DH(OPK_B, EK_A)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4[:]...)
	}

	root := deriveRoot(concat)
	memguard.WipeBytes(concat)
	return root, nil
}

func deriveRoot(concat []byte) []byte {
	r := hkdf.New(sha256.New, concat, nil, []byte(x3dhInfo))
	root := make([]byte, aeadKeySize)
	_, _ = io.ReadFull(r, root)
	return root
}

// signSPK signs a signed prekey with the identity's signing key.
func signSPK(signKey ed25519.PrivateKey, spk X25519Public) []byte {
	return ed25519.Sign(signKey, spk.Slice())
}

// verifySPK checks the signed prekey signature against the identity's
// verification key.
func verifySPK(verifyKey ed25519.PublicKey, spk X25519Public, sig []byte) bool {
	if len(verifyKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(verifyKey, spk.Slice(), sig)
}
