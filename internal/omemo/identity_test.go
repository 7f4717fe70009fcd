package omemo

import (
	"bytes"
	"testing"
)

func newTestIdentityStore(t *testing.T, dir, accountID string) *IdentityStore {
	t.Helper()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	id := NewIdentityStore(accountID, store)
	if err := id.Initialize(); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	return id
}

func TestRemovePreKeyRefillsPoolBelowThreshold(t *testing.T) {
	id := newTestIdentityStore(t, t.TempDir(), "alice@example.com")

	initial := id.Bundle().PreKeys
	if len(initial) != preKeyPoolSize {
		t.Fatalf("expected initial pool size %d, got %d", preKeyPoolSize, len(initial))
	}

	// Remove keys down past the refill threshold; the last removal should
	// trigger a refill back up to the full pool size.
	toRemove := preKeyPoolSize - preKeyRefillThreshold + 1
	for i := 0; i < toRemove; i++ {
		if err := id.RemovePreKey(initial[i].ID); err != nil {
			t.Fatalf("RemovePreKey returned error: %v", err)
		}
	}

	refilled := id.Bundle().PreKeys
	if len(refilled) != preKeyPoolSize {
		t.Fatalf("expected pool refilled to %d, got %d", preKeyPoolSize, len(refilled))
	}
	if _, ok := id.LoadPreKey(initial[0].ID); ok {
		t.Fatalf("expected spent pre-key %d to no longer be loadable", initial[0].ID)
	}
}

func TestRemovePreKeyIsSingleUse(t *testing.T) {
	id := newTestIdentityStore(t, t.TempDir(), "alice@example.com")

	targetID := id.Bundle().PreKeys[0].ID
	if _, ok := id.LoadPreKey(targetID); !ok {
		t.Fatalf("expected pre-key %d to be present before removal", targetID)
	}
	if err := id.RemovePreKey(targetID); err != nil {
		t.Fatalf("RemovePreKey returned error: %v", err)
	}
	if _, ok := id.LoadPreKey(targetID); ok {
		t.Fatalf("expected pre-key %d to be gone after removal", targetID)
	}
}

func TestDeviceIDStableAcrossSnapshotRestore(t *testing.T) {
	dir := t.TempDir()

	first := newTestIdentityStore(t, dir, "alice@example.com")
	deviceID := first.DeviceID()
	regID := first.RegistrationID()
	identityPub := first.IdentityKeyPair().PublicKey

	// A second store over the same persisted directory and account id
	// must restore the identical identity instead of generating fresh.
	second := newTestIdentityStore(t, dir, "alice@example.com")
	if second.DeviceID() != deviceID {
		t.Fatalf("expected device id %d to survive restore, got %d", deviceID, second.DeviceID())
	}
	if second.RegistrationID() != regID {
		t.Fatalf("expected registration id %d to survive restore, got %d", regID, second.RegistrationID())
	}
	if !bytes.Equal(second.IdentityKeyPair().PublicKey, identityPub) {
		t.Fatalf("expected identity public key to survive restore")
	}
}

func TestIsTrustedIdentityAlwaysTrustsAndRecordsKey(t *testing.T) {
	id := newTestIdentityStore(t, t.TempDir(), "alice@example.com")
	peer := Address{JID: "bob@example.com", DeviceID: 7}

	first := bytes.Repeat([]byte{0x01}, 32)
	if !id.IsTrustedIdentity(peer, first) {
		t.Fatalf("expected blind-trust policy to trust every identity key")
	}

	// A later, different key for the same peer device is still trusted
	// unconditionally (no TOFU pin), but the stored key changes.
	second := bytes.Repeat([]byte{0x02}, 32)
	if !id.IsTrustedIdentity(peer, second) {
		t.Fatalf("expected blind-trust policy to trust a rotated identity key")
	}
	changed, err := id.SaveIdentity(peer, second)
	if err != nil {
		t.Fatalf("SaveIdentity returned error: %v", err)
	}
	if changed {
		t.Fatalf("expected no further change after IsTrustedIdentity already recorded the rotated key")
	}
}
