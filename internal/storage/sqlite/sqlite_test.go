package sqlite

import (
	"testing"
	"time"
)

func TestLogAndQueryDecrypts(t *testing.T) {
	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0)
	if err := db.LogDecrypt(DecryptOutcome{
		Account: "alice@example.com", PeerJID: "bob@example.com", PeerDevice: 5,
		Outcome: "ok", Timestamp: now,
	}); err != nil {
		t.Fatalf("LogDecrypt returned error: %v", err)
	}
	if err := db.LogDecrypt(DecryptOutcome{
		Account: "alice@example.com", PeerJID: "carol@example.com", PeerDevice: 9,
		Outcome: "signal-failure", Timestamp: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("LogDecrypt returned error: %v", err)
	}

	recent, err := db.RecentDecrypts("alice@example.com", 10)
	if err != nil {
		t.Fatalf("RecentDecrypts returned error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].PeerJID != "carol@example.com" {
		t.Fatalf("expected most recent record first, got %s", recent[0].PeerJID)
	}
}

func TestDeviceListTransitionsTrackLatestPerPeer(t *testing.T) {
	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer db.Close()

	base := time.Unix(1700000000, 0)
	if err := db.LogDeviceListTransition(DeviceListTransition{
		Account: "alice@example.com", PeerJID: "bob@example.com", DeviceCount: 2, Source: "fetch", Timestamp: base,
	}); err != nil {
		t.Fatalf("LogDeviceListTransition returned error: %v", err)
	}
	if err := db.LogDeviceListTransition(DeviceListTransition{
		Account: "alice@example.com", PeerJID: "bob@example.com", DeviceCount: 3, Source: "push", Timestamp: base.Add(time.Hour),
	}); err != nil {
		t.Fatalf("LogDeviceListTransition returned error: %v", err)
	}

	states, err := db.LatestDeviceListState("alice@example.com")
	if err != nil {
		t.Fatalf("LatestDeviceListState returned error: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(states))
	}
	if states[0].DeviceCount != 3 {
		t.Fatalf("expected latest device count 3, got %d", states[0].DeviceCount)
	}
}

func TestDeleteOldDecrypts(t *testing.T) {
	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer db.Close()

	old := time.Now().AddDate(0, 0, -40)
	if err := db.LogDecrypt(DecryptOutcome{Account: "alice@example.com", PeerJID: "bob@example.com", Outcome: "ok", Timestamp: old}); err != nil {
		t.Fatalf("LogDecrypt returned error: %v", err)
	}

	deleted, err := db.DeleteOldDecrypts(30)
	if err != nil {
		t.Fatalf("DeleteOldDecrypts returned error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted row, got %d", deleted)
	}
}
