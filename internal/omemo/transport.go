package omemo

import "context"

// Transport is the narrow surface this package consumes from the XMPP
// wire: wire bytes are consumed only, never defined, here. The concrete
// implementation (package xmppclient) knows how to dial, authenticate,
// and correlate IQ replies by id; this package only needs to send a
// query and get back the reply payload, or send a fire-and-forget
// message stanza.
type Transport interface {
	// Query sends an info-query of type "get" or "set" to `to`, with
	// payload marshaled as the IQ's single child element, and returns the
	// raw XML of the result IQ's payload element. ctx carries the
	// per-query timeout (30s standard, 10s for discovery queries).
	Query(ctx context.Context, to, iqType string, payload any) ([]byte, error)

	// SendMessage sends a message stanza of the given type to `to` with
	// payload marshaled as extension content.
	SendMessage(ctx context.Context, to, msgType string, payload any) error

	// LocalBareJID returns the bare JID of the account driving this
	// transport, used to address our own-account pubsub nodes.
	LocalBareJID() string
}
