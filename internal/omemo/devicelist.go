package omemo

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"
	"time"
)

// Device-list pubsub nodes, legacy namespace. This package publishes
// under the legacy namespace only and accepts either namespace on fetch.
const (
	legacyDeviceListNode = "eu.siacs.conversations.axolotl.devicelist"
	modernDeviceListNode = "urn:xmpp:omemo:2:devices"
)

const (
	deviceListSoftTTL = 5 * time.Minute
	deviceListHardTTL = 15 * time.Minute
)

type legacyDeviceList struct {
	XMLName xml.Name       `xml:"eu.siacs.conversations.axolotl.devicelist list"`
	Devices []legacyDevice `xml:"device"`
}

type legacyDevice struct {
	ID uint32 `xml:"id,attr"`
}

type modernDeviceList struct {
	XMLName xml.Name       `xml:"urn:xmpp:omemo:2 devices"`
	Devices []modernDevice `xml:"device"`
}

type modernDevice struct {
	ID    uint32 `xml:"id,attr"`
	Label string `xml:"label,attr,omitempty"`
}

// deviceListCacheEntry is one cached (peer, devices) record with a soft
// and a hard expiry horizon.
type deviceListCacheEntry struct {
	devices []uint32
	fetched time.Time
}

func (e *deviceListCacheEntry) stale(now time.Time) bool {
	return now.Sub(e.fetched) >= deviceListSoftTTL
}

func (e *deviceListCacheEntry) expired(now time.Time) bool {
	return now.Sub(e.fetched) >= deviceListHardTTL
}

// DeviceListManager maintains per-peer device-id lists: publishing our
// own account's list, and caching peers' lists with a soft and hard
// expiry. Cache key is (local-account, bare-peer-jid); a manager
// instance is scoped to one local account so the account half of the
// key is implicit.
type DeviceListManager struct {
	pubsub   *PubSubClient
	identity *IdentityStore

	mu    sync.Mutex
	cache map[string]*deviceListCacheEntry
}

// NewDeviceListManager constructs a manager for one local account.
func NewDeviceListManager(pubsub *PubSubClient, identity *IdentityStore) *DeviceListManager {
	m := &DeviceListManager{pubsub: pubsub, identity: identity, cache: make(map[string]*deviceListCacheEntry)}
	pubsub.OnEvent(m.handleEvent)
	return m
}

// PublishOwnDeviceList publishes this account's device-id list. On first
// initialization the list is replaced wholesale with just our own device
// id; on subsequent starts, the server's existing list (if any) is
// unioned with our device id rather than clobbering sibling devices.
func (m *DeviceListManager) PublishOwnDeviceList(ctx context.Context, firstInit bool) error {
	own := m.identity.DeviceID()

	ids := []uint32{own}
	if !firstInit {
		existing, err := m.fetchRaw(ctx, m.pubsub.transport.LocalBareJID())
		if err == nil {
			ids = unionDeviceIDs(existing, own)
		}
	}

	list := legacyDeviceList{Devices: make([]legacyDevice, len(ids))}
	for i, id := range ids {
		list.Devices[i] = legacyDevice{ID: id}
	}
	payload, err := xml.Marshal(list)
	if err != nil {
		return fmt.Errorf("omemo: marshaling device list: %w", err)
	}

	return m.pubsub.Publish(ctx, legacyDeviceListNode, "current", payload, PublishOptions{
		AccessModel:  AccessOpen,
		PersistItems: true,
		MaxItems:     1,
	})
}

func unionDeviceIDs(existing []uint32, add uint32) []uint32 {
	seen := make(map[uint32]bool, len(existing)+1)
	out := make([]uint32, 0, len(existing)+1)
	for _, id := range existing {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if !seen[add] {
		out = append(out, add)
	}
	return out
}

// GetDeviceList returns peerJID's device-id list, serving from cache
// unless forceRefresh is set or the cache entry is stale/expired. The
// soft TTL allows serving stale data once a refresh is in flight
// elsewhere; callers that need a guarantee of freshness pass
// forceRefresh.
func (m *DeviceListManager) GetDeviceList(ctx context.Context, peerJID string, forceRefresh bool) ([]uint32, error) {
	peerJID = bareJID(peerJID)
	now := time.Now()

	m.mu.Lock()
	entry, ok := m.cache[peerJID]
	m.mu.Unlock()

	if ok && !forceRefresh && !entry.expired(now) {
		if !entry.stale(now) {
			return entry.devices, nil
		}
		// Soft-stale: still return it, but trigger a background refresh.
		go func() { _, _ = m.refresh(context.Background(), peerJID) }()
		return entry.devices, nil
	}

	return m.refresh(ctx, peerJID)
}

func (m *DeviceListManager) refresh(ctx context.Context, peerJID string) ([]uint32, error) {
	ids, err := m.fetchRaw(ctx, peerJID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceListUnavailable, err)
	}

	m.mu.Lock()
	m.cache[peerJID] = &deviceListCacheEntry{devices: ids, fetched: time.Now()}
	m.mu.Unlock()
	return ids, nil
}

func (m *DeviceListManager) fetchRaw(ctx context.Context, peerJID string) ([]uint32, error) {
	items, err := m.pubsub.Fetch(ctx, peerJID, legacyDeviceListNode, nil)
	if err != nil || len(items) == 0 {
		items, err = m.pubsub.Fetch(ctx, peerJID, modernDeviceListNode, nil)
	}
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return parseDeviceListPayload(items[len(items)-1].Payload)
}

func parseDeviceListPayload(payload []byte) ([]uint32, error) {
	var legacy legacyDeviceList
	if err := xml.Unmarshal(payload, &legacy); err == nil && len(legacy.Devices) > 0 {
		ids := make([]uint32, len(legacy.Devices))
		for i, d := range legacy.Devices {
			ids[i] = d.ID
		}
		return ids, nil
	}

	var modern modernDeviceList
	if err := xml.Unmarshal(payload, &modern); err != nil {
		return nil, fmt.Errorf("omemo: parsing device list payload: %w", err)
	}
	ids := make([]uint32, len(modern.Devices))
	for i, d := range modern.Devices {
		ids[i] = d.ID
	}
	return ids, nil
}

// handleEvent invalidates (overwrites) the cache for a peer on receipt
// of a push notification for their device-list node.
func (m *DeviceListManager) handleEvent(ev Event) {
	if ev.Node != legacyDeviceListNode && ev.Node != modernDeviceListNode {
		return
	}
	if len(ev.Items) == 0 {
		return
	}
	ids, err := parseDeviceListPayload(ev.Items[len(ev.Items)-1].Payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.cache[bareJID(ev.From)] = &deviceListCacheEntry{devices: ids, fetched: time.Now()}
	m.mu.Unlock()
}
