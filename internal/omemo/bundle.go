package omemo

import "crypto/ed25519"

// BundlePreKey is one published one-time pre-key: its id and public
// component (the private half never leaves the Identity Store).
type BundlePreKey struct {
	ID        uint32
	PublicKey []byte
}

// Bundle is the transient descriptor fetched from a peer's bundle node:
// never persisted, consumed once to build a session, then discarded.
type Bundle struct {
	IdentityKey           ed25519.PublicKey
	SignedPreKeyID        uint32
	SignedPreKey          []byte // X25519 public component
	SignedPreKeySignature []byte
	PreKeys               []BundlePreKey
}
