package agent

import (
	"testing"
	"time"
)

func TestHostAPISendEncryptedCallsWiredCallback(t *testing.T) {
	api := NewHostAPI()
	var gotTo, gotPlaintext string
	api.SetSendEncrypted(func(to, plaintext string) error {
		gotTo, gotPlaintext = to, plaintext
		return nil
	})

	if err := api.SendEncrypted("bob@example.com", "hi"); err != nil {
		t.Fatalf("SendEncrypted returned error: %v", err)
	}
	if gotTo != "bob@example.com" || gotPlaintext != "hi" {
		t.Fatalf("callback did not receive expected arguments: %s %s", gotTo, gotPlaintext)
	}
}

func TestHostAPISendEncryptedNoopWithoutCallback(t *testing.T) {
	api := NewHostAPI()
	if err := api.SendEncrypted("bob@example.com", "hi"); err != nil {
		t.Fatalf("expected no error when no callback wired, got %v", err)
	}
}

func TestHostAPIPushNotificationSubscribeAndUnsubscribe(t *testing.T) {
	api := NewHostAPI()

	calls := make(chan struct{}, 8)
	unsub := api.OnPushNotification(func(peerJID string, devices []uint32) {
		calls <- struct{}{}
	})

	api.EmitPushNotification("bob@example.com", []uint32{1, 2})
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatalf("expected handler to be called")
	}

	unsub()
	api.EmitPushNotification("bob@example.com", []uint32{1, 2})
	select {
	case <-calls:
		t.Fatalf("expected handler to not be called after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}
