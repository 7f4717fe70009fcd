package omemo

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
)

const modernOMEMONamespace = "urn:xmpp:omemo:2"

// modernEncryptedElement mirrors EncryptedElement under the newer
// namespace, whose key elements carry a kex attribute instead of prekey.
type modernEncryptedElement struct {
	XMLName xml.Name           `xml:"urn:xmpp:omemo:2 encrypted"`
	Header  modernEncryptedHdr `xml:"header"`
	Payload string             `xml:"payload,omitempty"`
}

type modernEncryptedHdr struct {
	SID  uint32               `xml:"sid,attr"`
	Keys []modernEncryptedKey `xml:"keys>key"`
	IV   string               `xml:"iv"`
}

type modernEncryptedKey struct {
	RID   uint32 `xml:"rid,attr"`
	Kex   bool   `xml:"kex,attr,omitempty"`
	Value string `xml:",chardata"`
}

// InboundMessage is the subset of an inbound message stanza the Message
// Decryptor needs, already located by the transport layer: the
// <encrypted> child's raw bytes under whichever namespace was present.
// This package stays decoupled from any concrete XMPP stanza type.
type InboundMessage struct {
	From      string // full JID for groupchat (room/nick), bare or full for chat
	Type      string // "chat" or "groupchat"
	Encrypted []byte // raw <encrypted> element, either namespace; nil if absent
}

// DecryptResult is the outcome of a successful decrypt: either plaintext
// content, or a bare key-transport marker (a session-establishment or
// fan-out envelope carrying no content).
type DecryptResult struct {
	Plaintext    []byte
	KeyTransport bool
	SenderJID    string
	SenderDevice uint32
}

// Decryptor orchestrates inbound OMEMO decryption.
type Decryptor struct {
	identity  *IdentityStore
	engine    *Engine
	occupants *OccupantTracker
}

// NewDecryptor constructs a Message Decryptor.
func NewDecryptor(identity *IdentityStore, engine *Engine, occupants *OccupantTracker) *Decryptor {
	return &Decryptor{identity: identity, engine: engine, occupants: occupants}
}

// parsedEnvelope normalizes either namespace's encrypted element into a
// common shape for the rest of the pipeline.
type parsedEnvelope struct {
	sid     uint32
	ivB64   string
	keys    []parsedKey
	payload string
}

type parsedKey struct {
	rid      uint32
	preKey   bool
	valueB64 string
}

func parseEncryptedElement(raw []byte) (*parsedEnvelope, bool) {
	var legacy EncryptedElement
	if err := xml.Unmarshal(raw, &legacy); err == nil && legacy.Header.SID != 0 {
		env := &parsedEnvelope{sid: legacy.Header.SID, ivB64: legacy.Header.IV, payload: legacy.Payload}
		for _, k := range legacy.Header.Keys {
			env.keys = append(env.keys, parsedKey{rid: k.RID, preKey: k.PreKey, valueB64: k.Value})
		}
		return env, true
	}

	var modern modernEncryptedElement
	if err := xml.Unmarshal(raw, &modern); err == nil && modern.Header.SID != 0 {
		env := &parsedEnvelope{sid: modern.Header.SID, ivB64: modern.Header.IV, payload: modern.Payload}
		for _, k := range modern.Header.Keys {
			env.keys = append(env.keys, parsedKey{rid: k.RID, preKey: k.Kex, valueB64: k.Value})
		}
		return env, true
	}

	return nil, false
}

// Decrypt runs the full inbound decryption pipeline. It returns
// (nil, nil) if msg carries no encrypted element at all — not an
// encrypted stanza.
func (d *Decryptor) Decrypt(msg InboundMessage) (*DecryptResult, error) {
	if len(msg.Encrypted) == 0 {
		return nil, nil
	}

	env, ok := parseEncryptedElement(msg.Encrypted)
	if !ok {
		return nil, nil
	}

	localDevice := d.identity.DeviceID()
	var mine *parsedKey
	for i := range env.keys {
		if env.keys[i].rid == localDevice {
			mine = &env.keys[i]
			break
		}
	}
	if mine == nil {
		return nil, ErrNotForUs
	}

	senderJID, err := d.resolveSender(msg)
	if err != nil {
		return nil, err
	}

	wrapped, err := base64.StdEncoding.DecodeString(mine.valueB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalFailure, err)
	}

	addr := Address{JID: senderJID, DeviceID: env.sid}
	keyMaterial, err := d.engine.Decrypt(addr, wrapped, mine.preKey)
	if err != nil {
		return nil, err // ErrSignalFailure, ErrNoSession or a persistence error from the engine
	}

	if env.payload == "" {
		return &DecryptResult{KeyTransport: true, SenderJID: senderJID, SenderDevice: env.sid}, nil
	}

	if len(keyMaterial) != keyMaterialSize {
		return nil, fmt.Errorf("%w: unexpected key-material length %d", ErrAESFailure, len(keyMaterial))
	}
	contentKey := keyMaterial[:contentKeySize]
	tag := keyMaterial[contentKeySize:]

	nonce, err := base64.StdEncoding.DecodeString(env.ivB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAESFailure, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAESFailure, err)
	}

	plaintext, err := decryptPayload(contentKey, nonce, ciphertext, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAESFailure, err)
	}

	return &DecryptResult{Plaintext: plaintext, SenderJID: senderJID, SenderDevice: env.sid}, nil
}

// resolveSender determines the sender's real bare JID: strip the
// resource for direct messages, or resolve room/nick via the Room
// Occupant Tracker for group chat.
func (d *Decryptor) resolveSender(msg InboundMessage) (string, error) {
	if msg.Type != "groupchat" {
		return bareJID(msg.From), nil
	}

	room, nick, ok := splitRoomNick(msg.From)
	if !ok {
		return "", ErrUnknownSender
	}
	real, ok := d.occupants.OccupantRealJIDByNick(room, nick)
	if !ok {
		return "", ErrUnknownSender
	}
	return real, nil
}
