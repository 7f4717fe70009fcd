package xmppclient

import (
	"fmt"

	"github.com/meszmate/agentd/internal/omemo"
)

func errIQFailed(payload []byte) error {
	return fmt.Errorf("xmppclient: iq error: %s", string(payload))
}

// SetPubSubDispatch wires incoming <event> pubsub pushes into pubsub's
// registered event handlers (the Device-List Manager overwrites its
// cache from them; bundles are always fetched on demand).
func (c *Client) SetPubSubDispatch(pubsub *omemo.PubSubClient) {
	c.pubsub = pubsub
}

func (c *Client) dispatchPubSubEvent(from string, raw []byte) {
	if c.pubsub == nil {
		return
	}
	if ev, ok := omemo.ParseEvent(from, raw); ok {
		c.pubsub.Dispatch(ev)
	}
}
