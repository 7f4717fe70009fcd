package omemo

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/xml"
	"fmt"
)

// Bundle pubsub node names, per device id. Legacy element names
// (signedPreKeyPublic/signedPreKeySignature/identityKey/preKeyPublic) are
// used for publishing; both legacy and the urn:xmpp:omemo:2 element names
// (spk/spks/ik/pk) are accepted on fetch.
func legacyBundleNode(deviceID uint32) string {
	return fmt.Sprintf("eu.siacs.conversations.axolotl.bundles:%d", deviceID)
}

func modernBundleNode(deviceID uint32) string {
	return fmt.Sprintf("urn:xmpp:omemo:2:bundles:%d", deviceID)
}

type legacyBundleXML struct {
	XMLName               xml.Name             `xml:"eu.siacs.conversations.axolotl.bundle bundle"`
	SignedPreKeyPublic    legacySignedPreKeyID `xml:"signedPreKeyPublic"`
	SignedPreKeySignature string               `xml:"signedPreKeySignature"`
	IdentityKey           string               `xml:"identityKey"`
	PreKeys               legacyPreKeys        `xml:"prekeys"`
}

type legacySignedPreKeyID struct {
	ID    uint32 `xml:"signedPreKeyId,attr"`
	Value string `xml:",chardata"`
}

type legacyPreKeys struct {
	PreKeys []legacyPreKeyID `xml:"preKeyPublic"`
}

type legacyPreKeyID struct {
	ID    uint32 `xml:"preKeyId,attr"`
	Value string `xml:",chardata"`
}

type modernBundleXML struct {
	XMLName xml.Name           `xml:"urn:xmpp:omemo:2 bundle"`
	SPK     modernSignedPreKey `xml:"spk"`
	SPKS    string             `xml:"spks"`
	IK      string             `xml:"ik"`
	Prekeys modernPrekeys      `xml:"prekeys"`
}

type modernSignedPreKey struct {
	ID    uint32 `xml:"id,attr"`
	Value string `xml:",chardata"`
}

type modernPrekeys struct {
	PreKeys []modernSignedPreKey `xml:"pk"`
}

// BundleManager publishes this account's bundle and fetches peers'
// bundles to build new sessions. Unlike the Device-List Manager, bundle
// contents are never cached — each fetch is consumed once to build one
// session and then discarded.
type BundleManager struct {
	pubsub   *PubSubClient
	identity *IdentityStore
}

// NewBundleManager constructs a manager bound to pubsub and identity.
func NewBundleManager(pubsub *PubSubClient, identity *IdentityStore) *BundleManager {
	return &BundleManager{pubsub: pubsub, identity: identity}
}

// PublishOwnBundle publishes the current bundle under this account's
// device id, using the legacy element vocabulary.
func (m *BundleManager) PublishOwnBundle(ctx context.Context) error {
	b := m.identity.Bundle()
	payload, err := xml.Marshal(bundleToLegacyXML(b))
	if err != nil {
		return fmt.Errorf("omemo: marshaling bundle: %w", err)
	}
	node := legacyBundleNode(m.identity.DeviceID())
	return m.pubsub.Publish(ctx, node, "current", payload, PublishOptions{
		AccessModel:  AccessOpen,
		PersistItems: true,
		MaxItems:     1,
	})
}

func bundleToLegacyXML(b *Bundle) legacyBundleXML {
	out := legacyBundleXML{
		SignedPreKeyPublic:    legacySignedPreKeyID{ID: b.SignedPreKeyID, Value: base64.StdEncoding.EncodeToString(b.SignedPreKey)},
		SignedPreKeySignature: base64.StdEncoding.EncodeToString(b.SignedPreKeySignature),
		IdentityKey:           base64.StdEncoding.EncodeToString(b.IdentityKey),
	}
	for _, pk := range b.PreKeys {
		out.PreKeys.PreKeys = append(out.PreKeys.PreKeys, legacyPreKeyID{ID: pk.ID, Value: base64.StdEncoding.EncodeToString(pk.PublicKey)})
	}
	return out
}

// FetchBundle retrieves peerJID's bundle for deviceID, trying the legacy
// node/vocabulary first and falling back to the urn:xmpp:omemo:2 one.
func (m *BundleManager) FetchBundle(ctx context.Context, peerJID string, deviceID uint32) (*Bundle, error) {
	items, err := m.pubsub.Fetch(ctx, peerJID, legacyBundleNode(deviceID), nil)
	if err == nil && len(items) > 0 {
		if b, perr := parseLegacyBundle(items[0].Payload); perr == nil {
			return b, nil
		}
	}

	items, err = m.pubsub.Fetch(ctx, peerJID, modernBundleNode(deviceID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleUnavailable, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty bundle node", ErrBundleUnavailable)
	}
	b, err := parseModernBundle(items[0].Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return b, nil
}

func parseLegacyBundle(payload []byte) (*Bundle, error) {
	var x legacyBundleXML
	if err := xml.Unmarshal(payload, &x); err != nil {
		return nil, err
	}
	ik, err := base64.StdEncoding.DecodeString(x.IdentityKey)
	if err != nil {
		return nil, err
	}
	spk, err := base64.StdEncoding.DecodeString(x.SignedPreKeyPublic.Value)
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(x.SignedPreKeySignature)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(ed25519.PublicKey(ik), spk, sig) {
		return nil, fmt.Errorf("signature verification failed")
	}

	b := &Bundle{
		IdentityKey:           ik,
		SignedPreKeyID:        x.SignedPreKeyPublic.ID,
		SignedPreKey:          spk,
		SignedPreKeySignature: sig,
	}
	for _, pk := range x.PreKeys.PreKeys {
		raw, err := base64.StdEncoding.DecodeString(pk.Value)
		if err != nil {
			continue
		}
		b.PreKeys = append(b.PreKeys, BundlePreKey{ID: pk.ID, PublicKey: raw})
	}
	return b, nil
}

func parseModernBundle(payload []byte) (*Bundle, error) {
	var x modernBundleXML
	if err := xml.Unmarshal(payload, &x); err != nil {
		return nil, err
	}
	ik, err := base64.StdEncoding.DecodeString(x.IK)
	if err != nil {
		return nil, err
	}
	spk, err := base64.StdEncoding.DecodeString(x.SPK.Value)
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(x.SPKS)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(ed25519.PublicKey(ik), spk, sig) {
		return nil, fmt.Errorf("signature verification failed")
	}

	b := &Bundle{
		IdentityKey:           ik,
		SignedPreKeyID:        x.SPK.ID,
		SignedPreKey:          spk,
		SignedPreKeySignature: sig,
	}
	for _, pk := range x.Prekeys.PreKeys {
		raw, err := base64.StdEncoding.DecodeString(pk.Value)
		if err != nil {
			continue
		}
		b.PreKeys = append(b.PreKeys, BundlePreKey{ID: pk.ID, PublicKey: raw})
	}
	return b, nil
}
