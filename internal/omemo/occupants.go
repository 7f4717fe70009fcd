package omemo

import (
	"encoding/xml"
	"strings"
	"sync"
)

// mucUserNamespace is the multi-user-chat "user information" extension
// namespace carried on room presence stanzas.
const mucUserNamespace = "http://jabber.org/protocol/muc#user"

// Affiliation and Role mirror the attributes of a MUC presence's <item>.
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
)

type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// Anonymity classifies a room's real-JID visibility.
type Anonymity int

const (
	AnonymityUnknown Anonymity = iota
	AnonymityNonAnonymous
	AnonymitySemiAnonymous
)

// Occupant is one tracked room member, keyed by nickname.
type Occupant struct {
	FullJID     string
	RealJID     string
	Affiliation Affiliation
	Role        Role
}

// roomState is the per-room record the Room Occupant Tracker maintains.
type roomState struct {
	anonymity   Anonymity
	occupants   map[string]Occupant
	ownNickname string
}

// mucPresenceExtension is the <x xmlns="...muc#user"> child of a room
// presence stanza.
type mucPresenceExtension struct {
	XMLName xml.Name    `xml:"http://jabber.org/protocol/muc#user x"`
	Item    *mucItem    `xml:"item"`
	Status  []mucStatus `xml:"status"`
}

type mucItem struct {
	Affiliation string `xml:"affiliation,attr"`
	Role        string `xml:"role,attr"`
	JID         string `xml:"jid,attr,omitempty"`
}

type mucStatus struct {
	Code int `xml:"code,attr"`
}

// RoomPresence is the subset of an inbound presence stanza the tracker
// needs, already parsed by the transport layer; this package stays
// decoupled from any concrete XMPP library's stanza types.
type RoomPresence struct {
	From      string // full JID: room@service/nick
	Type      string // "" (available) or "unavailable"
	Extension []byte // raw <x xmlns="...muc#user"> child, if present
}

// OccupantTracker consumes presence stanzas for rooms and answers
// real-JID / capability queries used for room-message encryption
// targeting.
type OccupantTracker struct {
	mu    sync.Mutex
	rooms map[string]*roomState
}

// NewOccupantTracker constructs an empty tracker.
func NewOccupantTracker() *OccupantTracker {
	return &OccupantTracker{rooms: make(map[string]*roomState)}
}

func splitRoomNick(fullJID string) (room, nick string, ok bool) {
	idx := strings.IndexByte(fullJID, '/')
	if idx < 0 {
		return "", "", false
	}
	return fullJID[:idx], fullJID[idx+1:], true
}

func bareJID(jid string) string {
	if idx := strings.IndexByte(jid, '/'); idx >= 0 {
		return jid[:idx]
	}
	return jid
}

// HandlePresence consumes one presence stanza, updating room state.
// Presences with no resource portion, or lacking the muc#user extension,
// are ignored.
func (t *OccupantTracker) HandlePresence(p RoomPresence) {
	room, nick, ok := splitRoomNick(p.From)
	if !ok {
		return
	}
	if len(p.Extension) == 0 {
		return
	}
	var ext mucPresenceExtension
	if err := xml.Unmarshal(p.Extension, &ext); err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rs, ok := t.rooms[room]
	if !ok {
		rs = &roomState{occupants: make(map[string]Occupant)}
		t.rooms[room] = rs
	}

	selfPresence := false
	for _, st := range ext.Status {
		switch st.Code {
		case 100, 172:
			rs.anonymity = AnonymityNonAnonymous
		case 110:
			selfPresence = true
		}
	}
	if selfPresence {
		rs.ownNickname = nick
	}

	if p.Type == "unavailable" {
		delete(rs.occupants, nick)
		return
	}

	if ext.Item == nil {
		return
	}
	rs.occupants[nick] = Occupant{
		FullJID:     p.From,
		RealJID:     bareJID(ext.Item.JID),
		Affiliation: Affiliation(ext.Item.Affiliation),
		Role:        Role(ext.Item.Role),
	}
}

// OccupantRealJIDs returns the de-duplicated real bare JIDs currently
// tracked for room, or nil if the room is not classified non-anonymous
// or has no occupants with a known real JID. excludeSelf drops the
// tracker's own nickname from the result.
func (t *OccupantTracker) OccupantRealJIDs(room string, excludeSelf bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, ok := t.rooms[room]
	if !ok || rs.anonymity != AnonymityNonAnonymous {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for nick, occ := range rs.occupants {
		if excludeSelf && nick == rs.ownNickname {
			continue
		}
		if occ.RealJID == "" || seen[occ.RealJID] {
			continue
		}
		seen[occ.RealJID] = true
		out = append(out, occ.RealJID)
	}
	return out
}

// RoomOMEMOCapable reports whether room is non-anonymous and has at
// least one tracked occupant.
func (t *OccupantTracker) RoomOMEMOCapable(room string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[room]
	if !ok {
		return false
	}
	return rs.anonymity == AnonymityNonAnonymous && len(rs.occupants) > 0
}

// OccupantRealJIDByNick resolves a room/nick sender to its real bare JID,
// for inbound group-chat decryption.
func (t *OccupantTracker) OccupantRealJIDByNick(room, nick string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[room]
	if !ok {
		return "", false
	}
	occ, ok := rs.occupants[nick]
	if !ok || occ.RealJID == "" {
		return "", false
	}
	return occ.RealJID, true
}

// ForgetRoom discards all state for room, e.g. on leave or account
// shutdown.
func (t *OccupantTracker) ForgetRoom(room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, room)
}

// RoomSummary is a snapshot of one tracked room's classification and
// occupancy, for the status view.
type RoomSummary struct {
	JID         string
	Anonymous   bool
	OMEMOReady  bool
	OccupantCnt int
}

// Rooms returns a summary of every currently tracked room.
func (t *OccupantTracker) Rooms() []RoomSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RoomSummary, 0, len(t.rooms))
	for jid, rs := range t.rooms {
		out = append(out, RoomSummary{
			JID:         jid,
			Anonymous:   rs.anonymity != AnonymityNonAnonymous,
			OMEMOReady:  rs.anonymity == AnonymityNonAnonymous && len(rs.occupants) > 0,
			OccupantCnt: len(rs.occupants),
		})
	}
	return out
}
