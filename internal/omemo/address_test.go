package omemo

import "testing"

func TestAddressString(t *testing.T) {
	a := Address{JID: "alice@example.com", DeviceID: 1234}
	if got, want := a.String(), "alice@example.com.1234"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
