package omemo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16

	// contentKeySize and gcmTagSize are the legacy OMEMO payload sizes: a
	// 16-byte AES key and a 16-byte GCM tag packed into the 32-byte
	// Signal-encrypted blob, as opposed to the newer 32-byte-key with
	// tag appended to the ciphertext.
	contentKeySize  = 16
	keyMaterialSize = contentKeySize + gcmTagSize // 32
)

// sealGCM encrypts plaintext under key (any valid AES key length) with a
// freshly generated random nonce, returning the nonce and ciphertext with
// the GCM tag appended. Used internally by the ratchet to encrypt message
// keys/key-material as Double-Ratchet payloads.
func sealGCM(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("omemo: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("omemo: gcm init: %w", err)
	}
	nonce = make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// openGCM decrypts ciphertext (with trailing tag) under key and nonce.
func openGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("omemo: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("omemo: gcm init: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAESFailure, err)
	}
	return plaintext, nil
}

// encryptPayload AES-128-GCM-encrypts plaintext under a 16-byte content
// key and a 12-byte nonce, splitting the 16-byte authentication tag off
// the ciphertext so it travels separately from the payload on the wire.
func encryptPayload(contentKey, nonce, plaintext []byte) (ciphertext, tag []byte, err error) {
	if len(contentKey) != contentKeySize {
		return nil, nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("omemo: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("omemo: gcm init: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext = sealed[:len(sealed)-gcmTagSize]
	tag = sealed[len(sealed)-gcmTagSize:]
	return ciphertext, tag, nil
}

// decryptPayload is the inverse of encryptPayload: it reassembles
// ciphertext||tag and AES-128-GCM-decrypts it.
func decryptPayload(contentKey, nonce, ciphertext, tag []byte) ([]byte, error) {
	if len(contentKey) != contentKeySize {
		return nil, ErrInvalidKeyLength
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	return openGCM(contentKey, nonce, sealed)
}
