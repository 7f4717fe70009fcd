package omemo

import (
	"bytes"
	"testing"
)

func TestEngineEncryptDecryptRoundTrip(t *testing.T) {
	alice := newTestIdentityStore(t, t.TempDir(), "alice@example.com")
	bob := newTestIdentityStore(t, t.TempDir(), "bob@example.com")

	aliceEngine := NewEngine(alice)
	bobEngine := NewEngine(bob)

	bobAddr := Address{JID: "bob@example.com", DeviceID: bob.DeviceID()}
	aliceAddr := Address{JID: "alice@example.com", DeviceID: alice.DeviceID()}

	if err := aliceEngine.BuildSession(bobAddr, bob.Bundle()); err != nil {
		t.Fatalf("BuildSession returned error: %v", err)
	}

	first := bytes.Repeat([]byte{0xAB}, keyMaterialSize)
	wrapped, isPreKey, err := aliceEngine.Encrypt(bobAddr, first)
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	if !isPreKey {
		t.Fatalf("expected the session-establishing message to be a pre-key message")
	}

	got, err := bobEngine.Decrypt(aliceAddr, wrapped, isPreKey)
	if err != nil {
		t.Fatalf("Decrypt returned error: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Fatalf("expected decrypted key material %x, got %x", first, got)
	}

	// A second message round-trips through the now-established sessions
	// on both ends, regardless of what hint the caller passes (the engine
	// re-derives the real variant from the wire type byte).
	second := bytes.Repeat([]byte{0xCD}, keyMaterialSize)
	wrapped2, _, err := aliceEngine.Encrypt(bobAddr, second)
	if err != nil {
		t.Fatalf("second Encrypt returned error: %v", err)
	}
	got2, err := bobEngine.Decrypt(aliceAddr, wrapped2, false)
	if err != nil {
		t.Fatalf("second Decrypt returned error: %v", err)
	}
	if !bytes.Equal(got2, second) {
		t.Fatalf("expected decrypted key material %x, got %x", second, got2)
	}
}

func TestEngineDecryptWithNoSessionAndNonPreKeyMessageFails(t *testing.T) {
	bob := newTestIdentityStore(t, t.TempDir(), "bob@example.com")
	bobEngine := NewEngine(bob)

	ghostAddr := Address{JID: "ghost@example.com", DeviceID: 99}
	regular := []byte{regularTypeByte, 0x00, 0x00, 0x00}
	if _, err := bobEngine.Decrypt(ghostAddr, regular, false); err == nil {
		t.Fatalf("expected an error when no session exists and the message is not a pre-key message")
	}
}
