package omemo

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/xml"
	"fmt"
)

// Legacy OMEMO wire namespace, used for both the encrypted element and
// the device-list/bundle nodes derived from it.
const legacyOMEMONamespace = "eu.siacs.conversations.axolotl"

// warningNotice is the fixed localizable plaintext body placed in every
// encrypted stanza, for clients that cannot decrypt OMEMO.
const warningNotice = "This message is encrypted with OMEMO and your client does not support it."

// EncryptedElement is the composite <encrypted> payload produced by the
// Message Encryptor.
type EncryptedElement struct {
	XMLName xml.Name        `xml:"eu.siacs.conversations.axolotl encrypted"`
	Header  EncryptedHeader `xml:"header"`
	Payload string          `xml:"payload,omitempty"`
}

// EncryptedHeader carries the sender device id, one key per successful
// recipient encryption, and the base-64 nonce.
type EncryptedHeader struct {
	SID  uint32         `xml:"sid,attr"`
	Keys []EncryptedKey `xml:"key"`
	IV   string         `xml:"iv"`
}

// EncryptedKey is one Signal-wrapped key-material entry addressed to a
// single recipient device.
type EncryptedKey struct {
	RID    uint32 `xml:"rid,attr"`
	PreKey bool   `xml:"prekey,attr,omitempty"`
	Value  string `xml:",chardata"`
}

// Encryptor orchestrates outbound OMEMO encryption: device/bundle
// resolution, AES-128-GCM payload encryption, and per-device Signal
// wrapping. It reports failures as errors; the mandatory-encryption
// fallback (a retry with forceRefresh, then WarningStanza) is applied by
// the caller.
type Encryptor struct {
	identity  *IdentityStore
	engine    *Engine
	devices   *DeviceListManager
	bundles   *BundleManager
	occupants *OccupantTracker
}

// NewEncryptor constructs a Message Encryptor from the components it
// orchestrates.
func NewEncryptor(identity *IdentityStore, engine *Engine, devices *DeviceListManager, bundles *BundleManager, occupants *OccupantTracker) *Encryptor {
	return &Encryptor{identity: identity, engine: engine, devices: devices, bundles: bundles, occupants: occupants}
}

// EncryptDirect encrypts plaintext for a one-to-one chat with
// recipientBareJID, fanning out to every device of theirs plus our own
// other devices. forceRefresh bypasses the device-list cache, which
// callers set on a retry attempt per the mandatory-encryption fallback
// policy (§4.7).
func (e *Encryptor) EncryptDirect(ctx context.Context, recipientBareJID string, plaintext []byte, forceRefresh bool) (*EncryptedElement, error) {
	recipientDevices, err := e.devices.GetDeviceList(ctx, recipientBareJID, forceRefresh)
	if err != nil {
		return nil, err
	}
	if len(recipientDevices) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDevices, recipientBareJID)
	}

	ownDevices, err := e.devices.GetDeviceList(ctx, e.devices.pubsub.transport.LocalBareJID(), forceRefresh)
	if err != nil {
		ownDevices = nil
	}
	localDevice := e.identity.DeviceID()

	targets := make([]Address, 0, len(recipientDevices)+len(ownDevices))
	for _, d := range recipientDevices {
		targets = append(targets, Address{JID: recipientBareJID, DeviceID: d})
	}
	for _, d := range ownDevices {
		if d == localDevice {
			continue
		}
		targets = append(targets, Address{JID: e.devices.pubsub.transport.LocalBareJID(), DeviceID: d})
	}

	return e.encryptTo(ctx, plaintext, targets)
}

// EncryptRoom encrypts plaintext for a multi-user-chat room, fanning out
// to every tracked occupant's devices plus all of our own devices (the
// server reflects room messages back to every occupant, including us,
// so our own current device must be able to decrypt the echo).
// forceRefresh bypasses the device-list cache; see EncryptDirect.
func (e *Encryptor) EncryptRoom(ctx context.Context, roomBareJID string, plaintext []byte, forceRefresh bool) (*EncryptedElement, error) {
	if !e.occupants.RoomOMEMOCapable(roomBareJID) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotCapable, roomBareJID)
	}

	realJIDs := e.occupants.OccupantRealJIDs(roomBareJID, true)

	var targets []Address
	for _, jid := range realJIDs {
		devs, err := e.devices.GetDeviceList(ctx, jid, forceRefresh)
		if err != nil {
			continue
		}
		for _, d := range devs {
			targets = append(targets, Address{JID: jid, DeviceID: d})
		}
	}

	ownDevices, err := e.devices.GetDeviceList(ctx, e.devices.pubsub.transport.LocalBareJID(), forceRefresh)
	if err != nil {
		ownDevices = []uint32{e.identity.DeviceID()}
	}
	for _, d := range ownDevices {
		targets = append(targets, Address{JID: e.devices.pubsub.transport.LocalBareJID(), DeviceID: d})
	}

	return e.encryptTo(ctx, plaintext, targets)
}

// encryptTo performs the shared body of EncryptDirect/EncryptRoom:
// payload AES-GCM encryption, then per-device Signal wrapping of the
// 32-byte key-material.
func (e *Encryptor) encryptTo(ctx context.Context, plaintext []byte, targets []Address) (*EncryptedElement, error) {
	contentKey := make([]byte, contentKeySize)
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	ciphertext, tag, err := encryptPayload(contentKey, nonce, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAESFailure, err)
	}

	keyMaterial := append(append([]byte{}, contentKey...), tag...)

	header := EncryptedHeader{
		SID: e.identity.DeviceID(),
		IV:  base64.StdEncoding.EncodeToString(nonce),
	}

	for _, addr := range targets {
		if _, ok := e.identity.LoadSession(addr); !ok {
			bundle, err := e.bundles.FetchBundle(ctx, addr.JID, addr.DeviceID)
			if err != nil {
				continue // bundle-unavailable: device skipped in fan-out
			}
			if err := e.engine.BuildSession(addr, bundle); err != nil {
				continue
			}
		}

		wrapped, isPreKey, err := e.engine.Encrypt(addr, keyMaterial)
		if err != nil {
			continue
		}
		header.Keys = append(header.Keys, EncryptedKey{
			RID:    addr.DeviceID,
			PreKey: isPreKey,
			Value:  base64.StdEncoding.EncodeToString(wrapped),
		})
	}

	if len(header.Keys) == 0 {
		return nil, ErrNoEncryptableDevices
	}

	return &EncryptedElement{
		Header:  header,
		Payload: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// messageStanza is the minimal wrapper WrapAsStanza produces: the
// encrypted element, an encryption-method hint, a storage hint, and the
// plaintext fallback notice.
type messageStanza struct {
	XMLName   xml.Name          `xml:"message"`
	To        string            `xml:"to,attr"`
	Type      string            `xml:"type,attr"`
	ID        string            `xml:"id,attr"`
	Body      string            `xml:"body"`
	Encrypted *EncryptedElement `xml:"encrypted"`
	EME       emeHint           `xml:"urn:xmpp:eme:0 encryption"`
	Store     storeHint         `xml:"urn:xmpp:hints store"`
}

type emeHint struct {
	Namespace string `xml:"namespace,attr"`
	Name      string `xml:"name,attr"`
}

type storeHint struct{}

// WrapAsStanza produces a message stanza carrying elt, addressed to to,
// with msgType "chat" or "groupchat".
func WrapAsStanza(to, msgType string, elt *EncryptedElement, msgID string) ([]byte, error) {
	stanza := messageStanza{
		To:        to,
		Type:      msgType,
		ID:        msgID,
		Body:      warningNotice,
		Encrypted: elt,
		EME:       emeHint{Namespace: legacyOMEMONamespace, Name: "OMEMO"},
	}
	return xml.Marshal(stanza)
}

// WarningStanza builds the short plaintext warning the mandatory-
// encryption fallback policy sends instead of the original plaintext.
func WarningStanza(to, msgType, msgID string) ([]byte, error) {
	stanza := messageStanza{
		To:   to,
		Type: msgType,
		ID:   msgID,
		Body: "Message could not be delivered securely and was not sent.",
	}
	return xml.Marshal(stanza)
}
