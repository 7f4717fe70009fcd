package omemo

import "testing"

func nonAnonymousPresence(from, realJID string) RoomPresence {
	ext := `<x xmlns="http://jabber.org/protocol/muc#user">` +
		`<item affiliation="member" role="participant" jid="` + realJID + `"/>` +
		`<status code="100"/>` +
		`</x>`
	return RoomPresence{From: from, Extension: []byte(ext)}
}

func TestOccupantTrackerClassifiesNonAnonymousRoom(t *testing.T) {
	tracker := NewOccupantTracker()
	tracker.HandlePresence(nonAnonymousPresence("room@conference.example.com/alice", "alice@example.com/phone"))

	if !tracker.RoomOMEMOCapable("room@conference.example.com") {
		t.Fatalf("expected room to be omemo-capable after non-anonymous presence")
	}

	real, ok := tracker.OccupantRealJIDByNick("room@conference.example.com", "alice")
	if !ok {
		t.Fatalf("expected to resolve alice's real JID")
	}
	if real != "alice@example.com" {
		t.Fatalf("expected real JID alice@example.com, got %q", real)
	}
}

func TestOccupantTrackerIgnoresPresenceWithoutMUCExtension(t *testing.T) {
	tracker := NewOccupantTracker()
	tracker.HandlePresence(RoomPresence{From: "room@conference.example.com/bob"})

	if tracker.RoomOMEMOCapable("room@conference.example.com") {
		t.Fatalf("expected room with no tracked presence to not be omemo-capable")
	}
}

func TestOccupantTrackerDropsOccupantOnUnavailable(t *testing.T) {
	tracker := NewOccupantTracker()
	tracker.HandlePresence(nonAnonymousPresence("room@conference.example.com/alice", "alice@example.com"))

	leave := nonAnonymousPresence("room@conference.example.com/alice", "alice@example.com")
	leave.Type = "unavailable"
	tracker.HandlePresence(leave)

	if _, ok := tracker.OccupantRealJIDByNick("room@conference.example.com", "alice"); ok {
		t.Fatalf("expected alice to no longer be tracked after leaving")
	}
}

func TestOccupantTrackerForgetRoom(t *testing.T) {
	tracker := NewOccupantTracker()
	tracker.HandlePresence(nonAnonymousPresence("room@conference.example.com/alice", "alice@example.com"))
	tracker.ForgetRoom("room@conference.example.com")

	if tracker.RoomOMEMOCapable("room@conference.example.com") {
		t.Fatalf("expected room state to be discarded")
	}
}

func TestOccupantTrackerRoomsSummary(t *testing.T) {
	tracker := NewOccupantTracker()
	tracker.HandlePresence(nonAnonymousPresence("room@conference.example.com/alice", "alice@example.com"))

	rooms := tracker.Rooms()
	if len(rooms) != 1 {
		t.Fatalf("expected 1 tracked room, got %d", len(rooms))
	}
	if rooms[0].JID != "room@conference.example.com" {
		t.Fatalf("unexpected room JID: %s", rooms[0].JID)
	}
	if rooms[0].Anonymous {
		t.Fatalf("expected room to be classified non-anonymous")
	}
	if !rooms[0].OMEMOReady {
		t.Fatalf("expected room to be omemo-ready")
	}
	if rooms[0].OccupantCnt != 1 {
		t.Fatalf("expected 1 occupant, got %d", rooms[0].OccupantCnt)
	}
}
