// Package agent bridges this daemon to an external agent runtime over
// hashicorp/go-plugin: the runtime is launched as a subprocess and
// reached over a gRPC connection brokered by go-plugin's handshake/
// magic-cookie protocol.
package agent

import "context"

// Runtime is the interface an external agent process implements. Besides
// Name, it carries the five operations the daemon calls (Init,
// EncryptDirect, EncryptRoom, Decrypt, Shutdown); nothing about OMEMO wire bytes or
// session state crosses this boundary, only plaintext and bare JIDs.
type Runtime interface {
	// Name returns the runtime's identifying name.
	Name() string

	// Init initializes the runtime with the API this daemon exposes back
	// to it (encrypted send, push-notification registration).
	Init(ctx context.Context, api API) error

	// EncryptDirect asks the runtime to produce a reply to a decrypted
	// direct message; the daemon encrypts and sends whatever it returns.
	EncryptDirect(ctx context.Context, fromJID, plaintext string) (reply string, err error)

	// EncryptRoom asks the runtime to produce a reply to a decrypted
	// group-chat message.
	EncryptRoom(ctx context.Context, roomJID, senderJID, plaintext string) (reply string, err error)

	// Decrypt is called for every inbound message's decrypt outcome,
	// including key-transport markers, so the runtime can track state
	// without generating a reply.
	Decrypt(ctx context.Context, outcome DecryptOutcome) error

	// Shutdown stops the runtime cleanly.
	Shutdown(ctx context.Context) error
}

// DecryptOutcome is the subset of a Message Decryptor result passed to
// the runtime: plaintext content, or a bare key-transport marker.
type DecryptOutcome struct {
	SenderJID    string
	SenderDevice uint32
	Plaintext    string
	KeyTransport bool
	RoomJID      string // empty for direct messages
}

// API is exposed to the runtime: the narrow set of daemon operations a
// runtime may call back into.
type API interface {
	// SendEncrypted submits plaintext to be OMEMO-encrypted and sent as a
	// direct message to toJID.
	SendEncrypted(toJID, plaintext string) error

	// SendRoomEncrypted submits plaintext to be OMEMO-encrypted and sent
	// to a group-chat room.
	SendRoomEncrypted(roomJID, plaintext string) error

	// OnPushNotification registers a handler invoked whenever a
	// device-list push notification changes a peer's device set.
	OnPushNotification(handler func(peerJID string, devices []uint32)) func()
}
