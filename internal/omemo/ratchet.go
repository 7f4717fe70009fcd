package omemo

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// maxSkippedKeys bounds the out-of-order message key cache per ratchet
// (the invariant lives in this Signal-engine layer, not the identity
// store, since it's scoped to a single session, not the whole pool).
const maxSkippedKeys = 1000

type skippedKey struct {
	dhPub [32]byte
	n     uint32
}

// RatchetState is the per-session Double-Ratchet state: root key, send
// and receive chain keys, the current DH ratchet key pair and the peer's
// last-seen DH public key, message counters, and skipped-message cache.
type RatchetState struct {
	DHsPriv []byte // our current ratchet private key
	DHsPub  []byte
	DHr     []byte // peer's last known ratchet public key

	RK  []byte
	CKs []byte
	CKr []byte

	Ns, Nr, PN uint32

	MKSkipped map[skippedKey][]byte
}

// initRatchetAsAlice initializes ratchet state for the session initiator:
// a fresh DH pair is generated, DH'd against the peer's signed pre-key,
// and the result advances the shared secret into RK/CKs.
func initRatchetAsAlice(sharedSecret, remoteSPKPub []byte) (*RatchetState, error) {
	dhs, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	dhOut, err := x25519DH(dhs.PrivateKey, remoteSPKPub)
	if err != nil {
		return nil, err
	}
	rk, cks, err := rootKDF(sharedSecret, dhOut)
	if err != nil {
		return nil, err
	}
	return &RatchetState{
		DHsPriv:   dhs.PrivateKey,
		DHsPub:    dhs.PublicKey,
		DHr:       remoteSPKPub,
		RK:        rk,
		CKs:       cks,
		MKSkipped: make(map[skippedKey][]byte),
	}, nil
}

// initRatchetAsBob initializes ratchet state for the session responder:
// our signed pre-key pair becomes the initial DH ratchet key, the root
// key is the X3DH shared secret directly, and neither chain key exists
// until the first message in either direction.
func initRatchetAsBob(sharedSecret []byte, localSPK *X25519KeyPair) *RatchetState {
	return &RatchetState{
		DHsPriv:   localSPK.PrivateKey,
		DHsPub:    localSPK.PublicKey,
		RK:        sharedSecret,
		MKSkipped: make(map[skippedKey][]byte),
	}
}

// Encrypt advances the sending chain and AES-GCM-encrypts plaintext under
// the derived message key, returning the header the receiver needs and
// the nonce-prefixed ciphertext.
func (r *RatchetState) Encrypt(plaintext []byte) (RatchetHeader, []byte, error) {
	if r.CKs == nil {
		return RatchetHeader{}, nil, errors.New("omemo: ratchet has no sending chain yet")
	}
	mk, nextCK := chainKDF(r.CKs)
	header := RatchetHeader{DHPub: r.DHsPub, N: r.Ns, PN: r.PN}
	r.CKs = nextCK
	r.Ns++

	nonce, ciphertext, err := sealGCM(mk, plaintext)
	if err != nil {
		return RatchetHeader{}, nil, err
	}
	return header, append(nonce, ciphertext...), nil
}

// Decrypt recovers plaintext for an incoming message: it first checks the
// skipped-key cache (out-of-order delivery), then performs a DH ratchet
// step if the sender announced a new DH public key, then advances the
// receiving chain to the announced message number.
func (r *RatchetState) Decrypt(header RatchetHeader, ciphertext []byte) ([]byte, error) {
	if plaintext, ok, err := r.trySkippedKeys(header, ciphertext); ok {
		return plaintext, err
	}

	if r.DHr == nil || !bytes.Equal(header.DHPub, r.DHr) {
		if r.DHr != nil {
			if err := r.skipMessageKeys(header.PN); err != nil {
				return nil, err
			}
		}
		if err := r.dhRatchetStep(header.DHPub); err != nil {
			return nil, err
		}
	}

	if err := r.skipMessageKeys(header.N); err != nil {
		return nil, err
	}

	mk, nextCK := chainKDF(r.CKr)
	r.CKr = nextCK
	r.Nr++

	return r.decryptWithNonce(mk, ciphertext)
}

func (r *RatchetState) trySkippedKeys(header RatchetHeader, ciphertext []byte) ([]byte, bool, error) {
	var dhKey [32]byte
	copy(dhKey[:], header.DHPub)
	key := skippedKey{dhPub: dhKey, n: header.N}
	mk, ok := r.MKSkipped[key]
	if !ok {
		return nil, false, nil
	}
	delete(r.MKSkipped, key)
	plaintext, err := r.decryptWithNonce(mk, ciphertext)
	return plaintext, true, err
}

func (r *RatchetState) skipMessageKeys(until uint32) error {
	if r.CKr == nil {
		return nil
	}
	if until < r.Nr {
		return nil
	}
	if int(until-r.Nr) > maxSkippedKeys || len(r.MKSkipped) > maxSkippedKeys {
		return ErrSkippedKeyLimit
	}
	for r.Nr < until {
		mk, nextCK := chainKDF(r.CKr)
		var dhKey [32]byte
		copy(dhKey[:], r.DHr)
		r.MKSkipped[skippedKey{dhPub: dhKey, n: r.Nr}] = mk
		r.CKr = nextCK
		r.Nr++
	}
	return nil
}

func (r *RatchetState) dhRatchetStep(newDHr []byte) error {
	r.PN = r.Ns
	r.Ns = 0
	r.Nr = 0
	r.DHr = newDHr

	dhOut, err := x25519DH(r.DHsPriv, r.DHr)
	if err != nil {
		return err
	}
	rk, ckr, err := rootKDF(r.RK, dhOut)
	if err != nil {
		return err
	}
	r.RK, r.CKr = rk, ckr

	dhs, err := GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	r.DHsPriv, r.DHsPub = dhs.PrivateKey, dhs.PublicKey

	dhOut2, err := x25519DH(r.DHsPriv, r.DHr)
	if err != nil {
		return err
	}
	rk2, cks, err := rootKDF(r.RK, dhOut2)
	if err != nil {
		return err
	}
	r.RK, r.CKs = rk2, cks
	return nil
}

func (r *RatchetState) decryptWithNonce(mk, combined []byte) ([]byte, error) {
	if len(combined) < gcmNonceSize {
		return nil, errors.New("omemo: ratchet ciphertext too short")
	}
	nonce := combined[:gcmNonceSize]
	ciphertext := combined[gcmNonceSize:]
	return openGCM(mk, nonce, ciphertext)
}

// MarshalBinary serializes ratchet state for the Identity Store's
// session persistence. Layout: DHsPriv(32) DHsPub(32) DHr(flag+opt32)
// RK(32) CKs(flag+opt32) CKr(flag+opt32) Ns(4) Nr(4) PN(4)
// skippedCount(4) then [dhPub(32) n(4) mk(32)] * count.
func (r *RatchetState) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(r.DHsPriv)
	buf.Write(r.DHsPub)
	writeOptionalKey(&buf, r.DHr)
	buf.Write(r.RK)
	writeOptionalKey(&buf, r.CKs)
	writeOptionalKey(&buf, r.CKr)
	appendUint32(&buf, r.Ns)
	appendUint32(&buf, r.Nr)
	appendUint32(&buf, r.PN)
	appendUint32(&buf, uint32(len(r.MKSkipped)))
	for k, mk := range r.MKSkipped {
		buf.Write(k.dhPub[:])
		appendUint32(&buf, k.n)
		buf.Write(mk)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (r *RatchetState) UnmarshalBinary(data []byte) error {
	b := bytes.NewReader(data)
	r.DHsPriv = make([]byte, 32)
	if _, err := readFull(b, r.DHsPriv); err != nil {
		return err
	}
	r.DHsPub = make([]byte, 32)
	if _, err := readFull(b, r.DHsPub); err != nil {
		return err
	}
	var err error
	if r.DHr, err = readOptionalKey(b); err != nil {
		return err
	}
	r.RK = make([]byte, 32)
	if _, err := readFull(b, r.RK); err != nil {
		return err
	}
	if r.CKs, err = readOptionalKey(b); err != nil {
		return err
	}
	if r.CKr, err = readOptionalKey(b); err != nil {
		return err
	}
	if r.Ns, err = readUint32(b); err != nil {
		return err
	}
	if r.Nr, err = readUint32(b); err != nil {
		return err
	}
	if r.PN, err = readUint32(b); err != nil {
		return err
	}
	count, err := readUint32(b)
	if err != nil {
		return err
	}
	r.MKSkipped = make(map[skippedKey][]byte, count)
	for i := uint32(0); i < count; i++ {
		var dhPub [32]byte
		if _, err := readFull(b, dhPub[:]); err != nil {
			return err
		}
		n, err := readUint32(b)
		if err != nil {
			return err
		}
		mk := make([]byte, 32)
		if _, err := readFull(b, mk); err != nil {
			return err
		}
		r.MKSkipped[skippedKey{dhPub: dhPub, n: n}] = mk
	}
	return nil
}

func writeOptionalKey(buf *bytes.Buffer, key []byte) {
	if key == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	buf.Write(key)
}

func readOptionalKey(b *bytes.Reader) ([]byte, error) {
	flag, err := b.ReadByte()
	if err != nil {
		return nil, err
	}
	if flag == 0 {
		return nil, nil
	}
	key := make([]byte, 32)
	if _, err := readFull(b, key); err != nil {
		return nil, err
	}
	return key, nil
}

func appendUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readUint32(b *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := readFull(b, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func readFull(b *bytes.Reader, dst []byte) (int, error) {
	n := 0
	for n < len(dst) {
		m, err := b.Read(dst[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
