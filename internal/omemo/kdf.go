package omemo

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfSHA256 derives length bytes from ikm using HKDF-SHA256 with the
// given salt and info string (X3DH and the root KDF both use this).
func hkdfSHA256(salt, ikm []byte, info string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// chainKDF advances a Double-Ratchet chain key, returning the message key
// derived from it and the next chain key. Per-byte HMAC inputs 0x01/0x02
// are the standard Signal chain-key KDF constants.
func chainKDF(chainKey []byte) (messageKey, nextChainKey []byte) {
	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte{0x01})
	messageKey = mac.Sum(nil)

	mac = hmac.New(sha256.New, chainKey)
	mac.Write([]byte{0x02})
	nextChainKey = mac.Sum(nil)
	return
}

// rootKDF advances the Double-Ratchet root key given a fresh DH output,
// producing a new root key and a new chain key.
func rootKDF(rootKey, dhOutput []byte) (newRootKey, newChainKey []byte, err error) {
	out, err := hkdfSHA256(rootKey, dhOutput, "OMEMO Root Chain", 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}
