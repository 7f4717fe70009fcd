package omemo

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
)

// Engine is the Signal Session Engine: it computes Signal protocol
// encryption/decryption using an IdentityStore as backing storage,
// serializing operations per-(peer-jid, peer-device-id) since a ratchet
// step must never interleave with another on the same session.
type Engine struct {
	identity *IdentityStore

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine constructs a Signal Session Engine over identity.
func NewEngine(identity *IdentityStore) *Engine {
	return &Engine{identity: identity, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) lockFor(addr Address) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[addr.String()]
	if !ok {
		l = &sync.Mutex{}
		e.locks[addr.String()] = l
	}
	return l
}

// BuildSession consumes a fetched bundle, choosing one random one-time
// pre-key uniformly from the bundle's pool, and writes the initialized
// session for addr.
func (e *Engine) BuildSession(addr Address, bundle *Bundle) error {
	l := e.lockFor(addr)
	l.Lock()
	defer l.Unlock()

	narrowed := pickOnePreKey(bundle)
	sess, err := buildSessionAsInitiator(e.identity.IdentityKeyPair(), narrowed)
	if err != nil {
		return err
	}
	return e.identity.StoreSession(addr, sess)
}

// pickOnePreKey returns a shallow copy of bundle whose PreKeys slice has
// been narrowed to a single, uniformly-chosen entry.
func pickOnePreKey(bundle *Bundle) *Bundle {
	if len(bundle.PreKeys) == 0 {
		cp := *bundle
		cp.PreKeys = nil
		return &cp
	}
	idx, err := randomIndex(len(bundle.PreKeys))
	if err != nil {
		idx = 0
	}
	cp := *bundle
	cp.PreKeys = []BundlePreKey{bundle.PreKeys[idx]}
	return &cp
}

func randomIndex(n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b[:]) % uint32(n)), nil
}

// Encrypt encrypts contentKey (the 32-byte key-material) for addr,
// reporting whether the emitted message is the pre-key variant.
func (e *Engine) Encrypt(addr Address, contentKey []byte) ([]byte, bool, error) {
	l := e.lockFor(addr)
	l.Lock()
	defer l.Unlock()

	sess, ok := e.identity.LoadSession(addr)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNoSession, addr)
	}
	ciphertext, variant, err := sess.Encrypt(contentKey)
	if err != nil {
		return nil, false, err
	}
	if err := e.identity.StoreSession(addr, sess); err != nil {
		return nil, false, err
	}
	return ciphertext, variant == variantPreKey, nil
}

// Decrypt recovers the content key from data, trying the variant hint
// indicates first and falling back to the other. If no session exists
// yet and the message is a pre-key message, a responder session is
// established from the embedded X3DH material.
func (e *Engine) Decrypt(addr Address, data []byte, preKeyHint bool) ([]byte, error) {
	l := e.lockFor(addr)
	l.Lock()
	defer l.Unlock()

	hint := variantRegular
	if preKeyHint {
		hint = variantPreKey
	}
	if len(data) > 0 {
		hint = variantFromTypeByte(data[0])
	}

	sess, ok := e.identity.LoadSession(addr)
	if !ok {
		if hint != variantPreKey {
			return nil, fmt.Errorf("%w: %s", ErrNoSession, addr)
		}
		var err error
		sess, err = e.establishResponderSession(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignalFailure, err)
		}
	}

	plaintext, err := sess.Decrypt(data, hint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalFailure, err)
	}
	if err := e.identity.StoreSession(addr, sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// preKeyEnvelope is the parsed form of a pre-key message's key-agreement
// prefix, the fields session.go's Encrypt writes ahead of the ratchet
// header: type byte, one-time pre-key flag (+ 4-byte id), signed pre-key
// id (4), ephemeral key (32), identity key (32).
type preKeyEnvelope struct {
	PreKeyID       *uint32
	SignedPreKeyID uint32
	Ephemeral      []byte
	IdentityKey    ed25519.PublicKey
}

func parsePreKeyEnvelope(data []byte) (*preKeyEnvelope, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("omemo: empty pre-key message")
	}
	r := bytes.NewReader(data[1:])

	hasPreKey, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	env := &preKeyEnvelope{}
	if hasPreKey == 1 {
		var id uint32
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return nil, err
		}
		env.PreKeyID = &id
	}
	if err := binary.Read(r, binary.BigEndian, &env.SignedPreKeyID); err != nil {
		return nil, err
	}
	env.Ephemeral = make([]byte, 32)
	if _, err := readFullReader(r, env.Ephemeral); err != nil {
		return nil, err
	}
	env.IdentityKey = make([]byte, ed25519.PublicKeySize)
	if _, err := readFullReader(r, env.IdentityKey); err != nil {
		return nil, err
	}
	return env, nil
}

func readFullReader(r *bytes.Reader, dst []byte) (int, error) {
	n := 0
	for n < len(dst) {
		m, err := r.Read(dst[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// establishResponderSession parses the pre-key envelope's key-agreement
// fields and builds the responder side of the session, consuming our
// matching local one-time pre-key.
func (e *Engine) establishResponderSession(data []byte) (*Session, error) {
	env, err := parsePreKeyEnvelope(data)
	if err != nil {
		return nil, err
	}

	spk, ok := e.identity.SignedPreKeyByID(env.SignedPreKeyID)
	if !ok {
		return nil, fmt.Errorf("omemo: unknown signed pre-key id %d", env.SignedPreKeyID)
	}
	localSPK := &X25519KeyPair{PrivateKey: spk.PrivateKey, PublicKey: spk.PublicKey}

	var localOPK *X25519KeyPair
	if env.PreKeyID != nil {
		if pk, ok := e.identity.LoadPreKey(*env.PreKeyID); ok {
			localOPK = &X25519KeyPair{PrivateKey: pk.PrivateKey, PublicKey: pk.PublicKey}
		}
	}

	sess, err := buildSessionAsResponder(e.identity.IdentityKeyPair(), localSPK, localOPK, env.IdentityKey, env.Ephemeral)
	if err != nil {
		return nil, err
	}

	if env.PreKeyID != nil {
		if err := e.identity.RemovePreKey(*env.PreKeyID); err != nil {
			return nil, err
		}
	}
	return sess, nil
}
