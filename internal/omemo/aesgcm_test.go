package omemo

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecryptPayloadRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, contentKeySize)
	nonce := bytes.Repeat([]byte{0x01}, gcmNonceSize)
	plaintext := []byte("hello room")

	ciphertext, tag, err := encryptPayload(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("encryptPayload returned error: %v", err)
	}
	if len(tag) != gcmTagSize {
		t.Fatalf("expected tag length %d, got %d", gcmTagSize, len(tag))
	}

	got, err := decryptPayload(key, nonce, ciphertext, tag)
	if err != nil {
		t.Fatalf("decryptPayload returned error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("expected plaintext %q, got %q", plaintext, got)
	}
}

func TestDecryptPayloadRejectsTamperedTag(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, contentKeySize)
	nonce := bytes.Repeat([]byte{0x01}, gcmNonceSize)

	ciphertext, tag, err := encryptPayload(key, nonce, []byte("hello"))
	if err != nil {
		t.Fatalf("encryptPayload returned error: %v", err)
	}
	tag[0] ^= 0xFF

	if _, err := decryptPayload(key, nonce, ciphertext, tag); !errors.Is(err, ErrAESFailure) {
		t.Fatalf("expected ErrAESFailure, got %v", err)
	}
}

func TestEncryptPayloadRejectsWrongKeyLength(t *testing.T) {
	key := []byte("too-short")
	nonce := bytes.Repeat([]byte{0x01}, gcmNonceSize)

	if _, _, err := encryptPayload(key, nonce, []byte("hi")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("expected ErrInvalidKeyLength, got %v", err)
	}
}
