package omemo

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// preKeyPoolSize is the target count of one-time pre-keys kept published
// at all times; preKeyRefillThreshold is the low-water mark that triggers
// a refill back up to preKeyPoolSize.
const (
	preKeyPoolSize        = 100
	preKeyRefillThreshold = 20
)

// PreKeyRecord is one one-time pre-key pair held by the Identity Store.
type PreKeyRecord struct {
	ID         uint32
	PrivateKey []byte
	PublicKey  []byte
}

// SignedPreKeyRecord is the account's single current signed pre-key.
type SignedPreKeyRecord struct {
	ID         uint32
	PrivateKey []byte
	PublicKey  []byte
	Signature  []byte
	CreatedAt  time.Time
}

// IdentityStore holds all persistent key material for one local account:
// the long-term identity key pair, the signed pre-key, the one-time
// pre-key pool, per-peer-device Signal sessions, and per-peer-device
// identity keys. It is the exclusive owner of this state;
// every other component reaches it through the accessors below.
type IdentityStore struct {
	mu sync.Mutex

	accountID string
	persist   Persister

	deviceID       uint32
	registrationID uint32
	identityKeys   *IdentityKeyPair
	signedPreKey   SignedPreKeyRecord
	preKeys        map[uint32]PreKeyRecord
	sessions       map[string]*Session
	peerIdentities map[string]ed25519.PublicKey
}

// NewIdentityStore constructs a store for accountID backed by persist.
// Call Initialize before using it.
func NewIdentityStore(accountID string, persist Persister) *IdentityStore {
	return &IdentityStore{
		accountID:      accountID,
		persist:        persist,
		preKeys:        make(map[uint32]PreKeyRecord),
		sessions:       make(map[string]*Session),
		peerIdentities: make(map[string]ed25519.PublicKey),
	}
}

// Initialize restores a previously persisted snapshot, or — if none
// exists — generates fresh identity material and persists it
// synchronously before returning.
func (s *IdentityStore) Initialize() error {
	snap, err := s.persist.Load(s.accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if snap != nil {
		return s.Restore(snap)
	}
	return s.generateFresh()
}

func (s *IdentityStore) generateFresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceID, err := randomUint31()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	registrationID, err := randomUint31()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	ikp, err := GenerateIdentityKeyPair()
	if err != nil {
		return err
	}
	spk, err := generateSignedPreKey(ikp, 1)
	if err != nil {
		return err
	}
	startID, err := randomUint24()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	s.deviceID = deviceID
	s.registrationID = registrationID
	s.identityKeys = ikp
	s.signedPreKey = *spk
	s.preKeys = make(map[uint32]PreKeyRecord, preKeyPoolSize)
	if err := s.generatePreKeysLocked(startID, preKeyPoolSize); err != nil {
		return err
	}

	return s.persistLocked()
}

func generateSignedPreKey(ikp *IdentityKeyPair, id uint32) (*SignedPreKeyRecord, error) {
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(ikp.PrivateKey, kp.PublicKey)
	return &SignedPreKeyRecord{
		ID:         id,
		PrivateKey: kp.PrivateKey,
		PublicKey:  kp.PublicKey,
		Signature:  sig,
		CreatedAt:  time.Now(),
	}, nil
}

// generatePreKeysLocked adds count sequential pre-keys starting at id,
// must be called with s.mu held.
func (s *IdentityStore) generatePreKeysLocked(startID uint32, count int) error {
	for i := 0; i < count; i++ {
		kp, err := GenerateX25519KeyPair()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}
		id := startID + uint32(i)
		s.preKeys[id] = PreKeyRecord{ID: id, PrivateKey: kp.PrivateKey, PublicKey: kp.PublicKey}
	}
	return nil
}

// DeviceID returns the account's stable device identifier.
func (s *IdentityStore) DeviceID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// RegistrationID returns the account's registration identifier.
func (s *IdentityStore) RegistrationID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrationID
}

// IdentityKeyPair returns the account's long-term identity key pair.
func (s *IdentityStore) IdentityKeyPair() *IdentityKeyPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identityKeys
}

// Bundle builds the publishable bundle descriptor for this account's
// current key material, consumed by the Bundle Manager.
func (s *IdentityStore) Bundle() *Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &Bundle{
		IdentityKey:           s.identityKeys.PublicKey,
		SignedPreKeyID:        s.signedPreKey.ID,
		SignedPreKey:          s.signedPreKey.PublicKey,
		SignedPreKeySignature: s.signedPreKey.Signature,
	}
	for _, pk := range s.preKeys {
		b.PreKeys = append(b.PreKeys, BundlePreKey{ID: pk.ID, PublicKey: pk.PublicKey})
	}
	return b
}

// SignedPreKeyByID returns the signed pre-key record if id matches the
// account's current signed pre-key; there is always exactly one current.
func (s *IdentityStore) SignedPreKeyByID(id uint32) (*SignedPreKeyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signedPreKey.ID != id {
		return nil, false
	}
	rec := s.signedPreKey
	return &rec, true
}

// LoadSession returns the session for addr, if one exists.
func (s *IdentityStore) LoadSession(addr Address) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[addr.String()]
	return sess, ok
}

// StoreSession persists a session mutation. A nil session, or one whose
// serialized form is empty, is silently rejected: some underlying
// libraries emit spurious empty writes, and persisting them would
// corrupt future loads.
func (s *IdentityStore) StoreSession(addr Address, sess *Session) error {
	if sess == nil || sess.Ratchet == nil {
		return nil
	}
	if raw, err := sess.MarshalBinary(); err != nil || len(raw) == 0 {
		return nil
	}

	s.mu.Lock()
	s.sessions[addr.String()] = sess
	s.mu.Unlock()

	return s.Persist()
}

// DeleteSession removes a session, destroyed only on explicit removal of
// the peer JID.
func (s *IdentityStore) DeleteSession(addr Address) error {
	s.mu.Lock()
	delete(s.sessions, addr.String())
	s.mu.Unlock()
	return s.Persist()
}

// LoadPreKey returns the pre-key record with id, if present.
func (s *IdentityStore) LoadPreKey(id uint32) (*PreKeyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.preKeys[id]
	if !ok {
		return nil, false
	}
	return &rec, true
}

// RemovePreKey deletes the one-time pre-key with id (its single use is
// now spent) and refills the pool if it fell below the low-water mark.
func (s *IdentityStore) RemovePreKey(id uint32) error {
	s.mu.Lock()
	delete(s.preKeys, id)
	if len(s.preKeys) < preKeyRefillThreshold {
		nextID := s.nextPreKeyIDLocked()
		if err := s.generatePreKeysLocked(nextID, preKeyPoolSize-len(s.preKeys)); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()
	return s.Persist()
}

func (s *IdentityStore) nextPreKeyIDLocked() uint32 {
	var max uint32
	for id := range s.preKeys {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// SaveIdentity overwrites the stored identity key for peer and reports
// whether it differs from any previously stored key.
func (s *IdentityStore) SaveIdentity(peer Address, key ed25519.PublicKey) (changed bool, err error) {
	s.mu.Lock()
	prev, existed := s.peerIdentities[peer.String()]
	changed = !existed || !ed25519PublicKeysEqual(prev, key)
	s.peerIdentities[peer.String()] = key
	s.mu.Unlock()
	return changed, s.Persist()
}

// IsTrustedIdentity implements the blind-trust policy: the key is always
// trusted, unconditionally. This is a deliberate divergence from the
// usual trust-on-first-use scheme since there is no human operator to
// answer a verification prompt.
func (s *IdentityStore) IsTrustedIdentity(peer Address, key ed25519.PublicKey) bool {
	_, _ = s.SaveIdentity(peer, key)
	return true
}

func ed25519PublicKeysEqual(a, b ed25519.PublicKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Persist snapshots and writes the current state, per the "every
// mutating operation must persist before reporting success" invariant.
func (s *IdentityStore) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *IdentityStore) persistLocked() error {
	snap := s.snapshotLocked()
	if err := s.persist.Save(s.accountID, snap); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func randomUint31() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]) & 0x7FFFFFFF, nil
}

func randomUint24() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]) & 0x00FFFFFF, nil
}
