package omemo

import (
	"context"
	"encoding/xml"
	"testing"
	"time"
)

type stubTransport struct {
	local     string
	queryFunc func(ctx context.Context, to, iqType string, payload any) ([]byte, error)
}

func (s *stubTransport) Query(ctx context.Context, to, iqType string, payload any) ([]byte, error) {
	return s.queryFunc(ctx, to, iqType, payload)
}

func (s *stubTransport) SendMessage(ctx context.Context, to, msgType string, payload any) error {
	return nil
}

func (s *stubTransport) LocalBareJID() string { return s.local }

func deviceListReplyBytes(t *testing.T, node string, ids []uint32) []byte {
	t.Helper()
	list := legacyDeviceList{Devices: make([]legacyDevice, len(ids))}
	for i, id := range ids {
		list.Devices[i] = legacyDevice{ID: id}
	}
	payload, err := xml.Marshal(list)
	if err != nil {
		t.Fatalf("marshaling device list: %v", err)
	}
	reply := pubsubIQ{Items: &pubsubItems{Node: node, Items: []pubsubItem{{ID: "current", Payload: payload}}}}
	raw, err := xml.Marshal(reply)
	if err != nil {
		t.Fatalf("marshaling pubsub reply: %v", err)
	}
	return raw
}

func TestGetDeviceListServesFromCacheWithinSoftTTL(t *testing.T) {
	fetchCount := 0
	transport := &stubTransport{local: "me@example.com", queryFunc: func(ctx context.Context, to, iqType string, payload any) ([]byte, error) {
		fetchCount++
		return deviceListReplyBytes(t, legacyDeviceListNode, []uint32{1, 2, 3}), nil
	}}
	pubsub := NewPubSubClient(transport)
	identity := newTestIdentityStore(t, t.TempDir(), "me@example.com")
	mgr := NewDeviceListManager(pubsub, identity)

	ids, err := mgr.GetDeviceList(context.Background(), "peer@example.com", false)
	if err != nil {
		t.Fatalf("GetDeviceList returned error: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(ids))
	}
	if fetchCount != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetchCount)
	}

	if _, err := mgr.GetDeviceList(context.Background(), "peer@example.com", false); err != nil {
		t.Fatalf("GetDeviceList returned error: %v", err)
	}
	if fetchCount != 1 {
		t.Fatalf("expected the second call to be served from cache, fetch count is %d", fetchCount)
	}
}

func TestGetDeviceListForceRefreshBypassesCache(t *testing.T) {
	fetchCount := 0
	transport := &stubTransport{local: "me@example.com", queryFunc: func(ctx context.Context, to, iqType string, payload any) ([]byte, error) {
		fetchCount++
		return deviceListReplyBytes(t, legacyDeviceListNode, []uint32{1}), nil
	}}
	pubsub := NewPubSubClient(transport)
	identity := newTestIdentityStore(t, t.TempDir(), "me@example.com")
	mgr := NewDeviceListManager(pubsub, identity)

	if _, err := mgr.GetDeviceList(context.Background(), "peer@example.com", false); err != nil {
		t.Fatalf("GetDeviceList returned error: %v", err)
	}
	if _, err := mgr.GetDeviceList(context.Background(), "peer@example.com", true); err != nil {
		t.Fatalf("forced GetDeviceList returned error: %v", err)
	}
	if fetchCount != 2 {
		t.Fatalf("expected forceRefresh to trigger a second fetch, got %d fetches", fetchCount)
	}
}

func TestDeviceListPushNotificationOverridesCacheEagerly(t *testing.T) {
	transport := &stubTransport{local: "me@example.com", queryFunc: func(ctx context.Context, to, iqType string, payload any) ([]byte, error) {
		t.Fatalf("fetch should not be called: a push notification overwrites the cache without a round trip")
		return nil, nil
	}}
	pubsub := NewPubSubClient(transport)
	identity := newTestIdentityStore(t, t.TempDir(), "me@example.com")
	mgr := NewDeviceListManager(pubsub, identity)

	payload, err := xml.Marshal(legacyDeviceList{Devices: []legacyDevice{{ID: 5}, {ID: 6}}})
	if err != nil {
		t.Fatalf("marshaling device list: %v", err)
	}
	pubsub.Dispatch(Event{
		From:  "peer@example.com",
		Node:  legacyDeviceListNode,
		Items: []Item{{ID: "current", Payload: payload}},
	})

	ids, err := mgr.GetDeviceList(context.Background(), "peer@example.com", false)
	if err != nil {
		t.Fatalf("GetDeviceList returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != 5 || ids[1] != 6 {
		t.Fatalf("expected the pushed device list [5 6], got %v", ids)
	}
}

func TestDeviceListCacheEntryStaleAndExpiredHorizons(t *testing.T) {
	now := time.Now()
	entry := &deviceListCacheEntry{devices: []uint32{1}, fetched: now}

	if entry.stale(now.Add(4 * time.Minute)) {
		t.Fatalf("expected entry to not be stale before the soft TTL")
	}
	if !entry.stale(now.Add(6 * time.Minute)) {
		t.Fatalf("expected entry to be stale past the soft TTL")
	}
	if entry.expired(now.Add(10 * time.Minute)) {
		t.Fatalf("expected entry to not be hard-expired before 15 minutes")
	}
	if !entry.expired(now.Add(16 * time.Minute)) {
		t.Fatalf("expected entry to be hard-expired past 15 minutes")
	}
}
