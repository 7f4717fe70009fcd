package omemo

import (
	"crypto/ed25519"
	"fmt"
)

// x3dhSalt is the fixed zero salt X3DH's key-derivation uses, matching
// the reference OMEMO construction so interop partners derive the same
// shared secret shape.
var x3dhSalt = make([]byte, 32)

// x3dhPad is prepended to the DH concatenation, a fixed 32 0xFF bytes, so
// that a future downgrade to fewer DH steps can't collide with this ikm.
var x3dhPad = func() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}()

// X3DHResult is the output of the initial key-agreement: the derived
// shared secret plus the ephemeral public key and (if used) the one-time
// pre-key id the initiator must advertise in its pre-key message.
type X3DHResult struct {
	SharedSecret    []byte
	EphemeralPubKey []byte
	UsedPreKeyID    *uint32
}

// x3dhInitiate runs the initiator ("Alice") side of X3DH against a
// fetched bundle descriptor: verifies the signed pre-key's signature,
// generates a fresh ephemeral key pair, and computes DH1..DH4 (DH4 only
// when the bundle offered a one-time pre-key).
func x3dhInitiate(localIdentity *IdentityKeyPair, remote *Bundle) (*X3DHResult, error) {
	if !ed25519.Verify(remote.IdentityKey, remote.SignedPreKey, remote.SignedPreKeySignature) {
		return nil, ErrInvalidBundle
	}

	ephemeral, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	localIKx, err := identityToX25519(localIdentity)
	if err != nil {
		return nil, err
	}
	remoteIKx, err := ed25519PublicToX25519(remote.IdentityKey)
	if err != nil {
		return nil, err
	}

	dh1, err := x25519DH(localIKx.PrivateKey, remote.SignedPreKey)
	if err != nil {
		return nil, err
	}
	dh2, err := x25519DH(ephemeral.PrivateKey, remoteIKx)
	if err != nil {
		return nil, err
	}
	dh3, err := x25519DH(ephemeral.PrivateKey, remote.SignedPreKey)
	if err != nil {
		return nil, err
	}

	ikm := make([]byte, 0, 32+32*4)
	ikm = append(ikm, x3dhPad...)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	var usedID *uint32
	if len(remote.PreKeys) > 0 {
		pk := remote.PreKeys[0]
		dh4, err := x25519DH(ephemeral.PrivateKey, pk.PublicKey)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4...)
		id := pk.ID
		usedID = &id
	}

	sk, err := hkdfSHA256(x3dhSalt, ikm, "OMEMO X3DH", 32)
	if err != nil {
		return nil, err
	}

	return &X3DHResult{SharedSecret: sk, EphemeralPubKey: ephemeral.PublicKey, UsedPreKeyID: usedID}, nil
}

// x3dhRespond runs the responder ("Bob") side: mirrors the same DH
// computations using the local long-term/signed/one-time private keys
// and the initiator's identity key and ephemeral public key.
func x3dhRespond(localIdentity *IdentityKeyPair, localSPK *X25519KeyPair, localOPK *X25519KeyPair, remoteIdentityKey ed25519.PublicKey, remoteEphemeral []byte) ([]byte, error) {
	localIKx, err := identityToX25519(localIdentity)
	if err != nil {
		return nil, err
	}
	remoteIKx, err := ed25519PublicToX25519(remoteIdentityKey)
	if err != nil {
		return nil, err
	}

	dh1, err := x25519DH(localSPK.PrivateKey, remoteIKx)
	if err != nil {
		return nil, err
	}
	dh2, err := x25519DH(localIKx.PrivateKey, remoteEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := x25519DH(localSPK.PrivateKey, remoteEphemeral)
	if err != nil {
		return nil, err
	}

	ikm := make([]byte, 0, 32+32*4)
	ikm = append(ikm, x3dhPad...)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	if localOPK != nil {
		dh4, err := x25519DH(localOPK.PrivateKey, remoteEphemeral)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4...)
	}

	return hkdfSHA256(x3dhSalt, ikm, "OMEMO X3DH", 32)
}

func identityToX25519(ikp *IdentityKeyPair) (*X25519KeyPair, error) {
	priv := ed25519PrivateToX25519(ikp.PrivateKey)
	pub, err := ed25519PublicToX25519(ikp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("omemo: identity key conversion: %w", err)
	}
	return &X25519KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}
