package omemo

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
)

// messageVariant distinguishes the two Signal message shapes: pre-key
// messages carry key-agreement material and advance a peer to an
// established session; regular messages use ratchet state
// that already exists on both ends.
type messageVariant int

const (
	variantRegular messageVariant = iota
	variantPreKey
)

// Wire framing: a single type byte whose low 4 bits disambiguate variant.
// When the low 4 bits of the ciphertext's first byte equal 3 the
// pre-key variant is probable.
const (
	preKeyTypeByte  byte = 0x33
	regularTypeByte byte = 0x11
)

func variantFromTypeByte(b byte) messageVariant {
	if b&0x0F == 0x03 {
		return variantPreKey
	}
	return variantRegular
}

// PendingPreKey records the X3DH material a session initiator must keep
// attaching to outgoing messages until the peer's reply proves the
// session was established. The outgoing variant is determined by
// whether the session is still in this pre-key phase.
type PendingPreKey struct {
	PreKeyID        *uint32
	SignedPreKeyID  uint32
	EphemeralPubKey []byte
	IdentityKey     ed25519.PublicKey
}

// Session is the per-(peer-jid, peer-device-id) Signal session cipher:
// the Double-Ratchet state plus whatever pre-key bookkeeping is still
// outstanding while we wait for the peer's first reply.
type Session struct {
	Ratchet        *RatchetState
	RemoteIdentity ed25519.PublicKey
	PendingPreKey  *PendingPreKey
}

// buildSessionAsInitiator runs X3DH + ratchet init against a freshly
// fetched bundle and returns a session still carrying pending pre-key
// material.
func buildSessionAsInitiator(localIdentity *IdentityKeyPair, bundle *Bundle) (*Session, error) {
	result, err := x3dhInitiate(localIdentity, bundle)
	if err != nil {
		return nil, err
	}
	ratchet, err := initRatchetAsAlice(result.SharedSecret, bundle.SignedPreKey)
	if err != nil {
		return nil, err
	}
	return &Session{
		Ratchet:        ratchet,
		RemoteIdentity: bundle.IdentityKey,
		PendingPreKey: &PendingPreKey{
			PreKeyID:        result.UsedPreKeyID,
			SignedPreKeyID:  bundle.SignedPreKeyID,
			EphemeralPubKey: result.EphemeralPubKey,
			IdentityKey:     localIdentity.PublicKey,
		},
	}, nil
}

// buildSessionAsResponder constructs the responder-side session the
// first time a pre-key message from a given peer device arrives.
func buildSessionAsResponder(localIdentity *IdentityKeyPair, localSPK, localOPK *X25519KeyPair, remoteIdentityKey ed25519.PublicKey, remoteEphemeral []byte) (*Session, error) {
	sk, err := x3dhRespond(localIdentity, localSPK, localOPK, remoteIdentityKey, remoteEphemeral)
	if err != nil {
		return nil, err
	}
	ratchet := initRatchetAsBob(sk, localSPK)
	return &Session{Ratchet: ratchet, RemoteIdentity: remoteIdentityKey}, nil
}

// Encrypt produces the wire bytes for plaintext (the 32-byte key-material
// in this engine's only caller) and reports which variant was emitted.
func (s *Session) Encrypt(plaintext []byte) ([]byte, messageVariant, error) {
	header, ciphertext, err := s.Ratchet.Encrypt(plaintext)
	if err != nil {
		return nil, 0, err
	}
	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return nil, 0, err
	}

	if s.PendingPreKey != nil {
		var buf bytes.Buffer
		buf.WriteByte(preKeyTypeByte)
		if s.PendingPreKey.PreKeyID != nil {
			buf.WriteByte(1)
			var tmp [4]byte
			binary.BigEndian.PutUint32(tmp[:], *s.PendingPreKey.PreKeyID)
			buf.Write(tmp[:])
		} else {
			buf.WriteByte(0)
		}
		var spkID [4]byte
		binary.BigEndian.PutUint32(spkID[:], s.PendingPreKey.SignedPreKeyID)
		buf.Write(spkID[:])
		buf.Write(s.PendingPreKey.EphemeralPubKey)
		buf.Write(s.PendingPreKey.IdentityKey)
		buf.Write(headerBytes)
		buf.Write(ciphertext)
		return buf.Bytes(), variantPreKey, nil
	}

	var buf bytes.Buffer
	buf.WriteByte(regularTypeByte)
	buf.Write(headerBytes)
	buf.Write(ciphertext)
	return buf.Bytes(), variantRegular, nil
}

// Decrypt parses wire bytes per hint and falls back to the other variant
// on failure. On any successful decryption the pending pre-key material
// is cleared: a message from the peer proves the session is established,
// so later outgoing messages use the regular variant, and the record is
// mutated on every message thereafter.
func (s *Session) Decrypt(data []byte, hint messageVariant) ([]byte, error) {
	if len(data) < 1 {
		return nil, errors.New("omemo: empty session message")
	}

	try := []messageVariant{hint}
	if hint == variantPreKey {
		try = append(try, variantRegular)
	} else {
		try = append(try, variantPreKey)
	}

	var firstErr error
	for _, v := range try {
		plaintext, err := s.decryptVariant(data, v)
		if err == nil {
			s.PendingPreKey = nil
			return plaintext, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func (s *Session) decryptVariant(data []byte, v messageVariant) ([]byte, error) {
	switch v {
	case variantPreKey:
		if len(data) < 1+1+4+32+32+ratchetHeaderSize {
			return nil, errors.New("omemo: pre-key message too short")
		}
		off := 1
		hasPreKey := data[off] == 1
		off++
		if hasPreKey {
			off += 4 // one-time pre-key id, already folded into session init
		}
		off += 4  // signed pre-key id, not needed once ratchet state exists
		off += 32 // ephemeral pub key, already folded into session init
		off += 32 // identity key, already bound at session creation
		if len(data) < off+ratchetHeaderSize {
			return nil, errors.New("omemo: pre-key message too short")
		}
		var header RatchetHeader
		if err := header.UnmarshalBinary(data[off : off+ratchetHeaderSize]); err != nil {
			return nil, err
		}
		off += ratchetHeaderSize
		return s.Ratchet.Decrypt(header, data[off:])
	default:
		if len(data) < 1+ratchetHeaderSize {
			return nil, errors.New("omemo: regular message too short")
		}
		var header RatchetHeader
		if err := header.UnmarshalBinary(data[1 : 1+ratchetHeaderSize]); err != nil {
			return nil, err
		}
		return s.Ratchet.Decrypt(header, data[1+ratchetHeaderSize:])
	}
}

// MarshalBinary serializes a session for Identity Store persistence:
// remote identity (32) + pending-pre-key-present flag (+ fields) +
// ratchet bytes.
func (s *Session) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(s.RemoteIdentity)

	if s.PendingPreKey == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		p := s.PendingPreKey
		if p.PreKeyID != nil {
			buf.WriteByte(1)
			appendUint32(&buf, *p.PreKeyID)
		} else {
			buf.WriteByte(0)
		}
		appendUint32(&buf, p.SignedPreKeyID)
		buf.Write(p.EphemeralPubKey)
		buf.Write(p.IdentityKey)
	}

	ratchetBytes, err := s.Ratchet.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf.Write(ratchetBytes)
	return buf.Bytes(), nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (s *Session) UnmarshalBinary(data []byte) error {
	if len(data) < ed25519.PublicKeySize+1 {
		return errors.New("omemo: session blob too short")
	}
	r := bytes.NewReader(data)
	remoteIdentity := make([]byte, ed25519.PublicKeySize)
	if _, err := readFull(r, remoteIdentity); err != nil {
		return err
	}
	s.RemoteIdentity = remoteIdentity

	flag, err := r.ReadByte()
	if err != nil {
		return err
	}
	if flag == 1 {
		p := &PendingPreKey{}
		pkFlag, err := r.ReadByte()
		if err != nil {
			return err
		}
		if pkFlag == 1 {
			id, err := readUint32(r)
			if err != nil {
				return err
			}
			p.PreKeyID = &id
		}
		if p.SignedPreKeyID, err = readUint32(r); err != nil {
			return err
		}
		p.EphemeralPubKey = make([]byte, 32)
		if _, err := readFull(r, p.EphemeralPubKey); err != nil {
			return err
		}
		p.IdentityKey = make([]byte, ed25519.PublicKeySize)
		if _, err := readFull(r, p.IdentityKey); err != nil {
			return err
		}
		s.PendingPreKey = p
	}

	rest := make([]byte, r.Len())
	if _, err := readFull(r, rest); err != nil {
		return err
	}
	s.Ratchet = &RatchetState{}
	return s.Ratchet.UnmarshalBinary(rest)
}
