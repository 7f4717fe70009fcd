package omemo

import "fmt"

// Address names a single peer device: the bare JID of the account that
// owns it plus the device identifier it publishes under.
type Address struct {
	JID      string
	DeviceID uint32
}

// String renders the "peer-jid.device-id" form used as a map/session key
// throughout the data model (spec "peer-jid.peer-device-id").
func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.JID, a.DeviceID)
}
