package omemo

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// IdentityKeyPair is the long-term Ed25519 identity key pair that roots
// trust for an account: generated exactly once per account.
type IdentityKeyPair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// GenerateIdentityKeyPair creates a fresh Ed25519 identity key pair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return &IdentityKeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// X25519KeyPair is a Diffie-Hellman key pair used for signed and one-time
// pre-keys, and for X3DH ephemeral keys.
type X25519KeyPair struct {
	PrivateKey []byte // 32 bytes
	PublicKey  []byte // 32 bytes
}

// GenerateX25519KeyPair creates a fresh Curve25519 DH key pair.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return &X25519KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// fieldPrime is 2^255 - 19, the order of the field curve25519 operates in.
var fieldPrime, _ = new(big.Int).SetString("7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffed", 16)

// ed25519PrivateToX25519 converts an Ed25519 seed-based private key to its
// birationally-equivalent X25519 scalar (clamped), the standard OMEMO
// trick for deriving a single DH-capable key pair from the identity key.
func ed25519PrivateToX25519(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	out := make([]byte, curve25519.ScalarSize)
	copy(out, h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

// ed25519PublicToX25519 converts an Ed25519 public key (the Edwards-curve
// y-coordinate, sign bit in the top bit) to its Montgomery-curve u
// coordinate via u = (1+y)/(1-y) mod p.
func ed25519PublicToX25519(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeyLength
	}
	yBytes := make([]byte, len(pub))
	copy(yBytes, pub)
	yBytes[31] &= 0x7f // strip sign bit

	y := leBytesToBigInt(yBytes)
	one := big.NewInt(1)

	num := new(big.Int).Add(one, y)
	num.Mod(num, fieldPrime)

	den := new(big.Int).Sub(one, y)
	den.Mod(den, fieldPrime)
	den.ModInverse(den, fieldPrime)

	u := new(big.Int).Mul(num, den)
	u.Mod(u, fieldPrime)

	return bigIntToLEBytes(u, 32), nil
}

func leBytesToBigInt(b []byte) *big.Int {
	rev := make([]byte, len(b))
	for i, v := range b {
		rev[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(rev)
}

func bigIntToLEBytes(n *big.Int, size int) []byte {
	be := n.Bytes() // big-endian, minimal length
	out := make([]byte, size)
	for i := 0; i < len(be) && i < size; i++ {
		out[i] = be[len(be)-1-i]
	}
	return out
}

// x25519DH performs a Diffie-Hellman operation given a raw 32-byte X25519
// private scalar and a 32-byte public key.
func x25519DH(priv, pub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("omemo: x25519 dh failed: %w", err)
	}
	return shared, nil
}

// ErrInvalidKeyLength signals a key of the wrong byte length was supplied
// to a conversion or DH routine.
var ErrInvalidKeyLength = errors.New("omemo: invalid key length")
