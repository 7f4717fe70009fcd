// Package daemon wires one configured account's XMPP transport to the
// OMEMO core and the external agent runtime, and feeds the audit log
// and status view. Nothing about Signal session state or wire bytes
// lives here — this is pure orchestration.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/meszmate/agentd/internal/config"
	"github.com/meszmate/agentd/internal/logging"
	"github.com/meszmate/agentd/internal/omemo"
	"github.com/meszmate/agentd/internal/storage/sqlite"
	"github.com/meszmate/agentd/internal/ui"
	"github.com/meszmate/agentd/internal/xmppclient"
	"github.com/meszmate/agentd/pkg/agent"
)

// Account drives one configured XMPP account: one live connection, one
// Identity Store, one Signal Session Engine, and the OMEMO components
// layered on top of them.
type Account struct {
	cfg   config.Account
	log   *logging.Logger
	audit *sqlite.DB
	rt    agent.Runtime // may be nil if no runtime is loaded

	transport *xmppclient.Client
	identity  *omemo.IdentityStore
	engine    *omemo.Engine
	pubsub    *omemo.PubSubClient
	devices   *omemo.DeviceListManager
	bundles   *omemo.BundleManager
	occupants *omemo.OccupantTracker
	encryptor *omemo.Encryptor
	decryptor *omemo.Decryptor

	requireEncryption bool
	shuttingDown      atomic.Bool
}

// NewAccount builds and initializes one account's OMEMO core and
// connects its transport. store backs the Identity Store's persistent
// snapshot; audit and rt may be nil.
func NewAccount(ctx context.Context, cfg config.Account, requireEncryption bool, store *omemo.FileStore, audit *sqlite.DB, rt agent.Runtime, lg *logging.Logger) (*Account, error) {
	transport, err := xmppclient.New(xmppclient.Config{
		JID:      cfg.JID,
		Password: cfg.Password,
		Server:   cfg.Server,
		Port:     cfg.Port,
		Resource: cfg.Resource,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: building transport for %s: %w", cfg.JID, err)
	}

	// No persisted snapshot means this is the account's first start: the
	// published device list then replaces the server's instead of being
	// unioned with it.
	existing, err := store.Load(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("daemon: reading identity snapshot for %s: %w", cfg.JID, err)
	}
	firstInit := existing == nil

	identity := omemo.NewIdentityStore(cfg.JID, store)
	if err := identity.Initialize(); err != nil {
		return nil, fmt.Errorf("daemon: initializing identity for %s: %w", cfg.JID, err)
	}

	pubsub := omemo.NewPubSubClient(transport)
	transport.SetPubSubDispatch(pubsub)

	engine := omemo.NewEngine(identity)
	devices := omemo.NewDeviceListManager(pubsub, identity)
	bundles := omemo.NewBundleManager(pubsub, identity)
	occupants := omemo.NewOccupantTracker()
	encryptor := omemo.NewEncryptor(identity, engine, devices, bundles, occupants)
	decryptor := omemo.NewDecryptor(identity, engine, occupants)

	a := &Account{
		cfg:               cfg,
		log:               lg,
		audit:             audit,
		rt:                rt,
		transport:         transport,
		identity:          identity,
		engine:            engine,
		pubsub:            pubsub,
		devices:           devices,
		bundles:           bundles,
		occupants:         occupants,
		encryptor:         encryptor,
		decryptor:         decryptor,
		requireEncryption: requireEncryption,
	}

	transport.SetMessageHandler(a.handleMessage)
	transport.SetPresenceHandler(a.handlePresence)

	if err := transport.Connect(); err != nil {
		return nil, fmt.Errorf("daemon: connecting %s: %w", cfg.JID, err)
	}

	if err := bundles.PublishOwnBundle(ctx); err != nil {
		a.logf("publishing bundle: %v", err)
	}
	if err := devices.PublishOwnDeviceList(ctx, firstInit); err != nil {
		a.logf("publishing device list: %v", err)
	}

	return a, nil
}

func (a *Account) logf(format string, args ...interface{}) {
	if a.log != nil {
		a.log.Warn("[%s] "+format, append([]interface{}{a.cfg.JID}, args...)...)
	}
}

// JID returns the account's configured bare JID.
func (a *Account) JID() string { return a.cfg.JID }

// Connected reports whether the transport's session is live.
func (a *Account) Connected() bool { return a.transport.Connected() }

func (a *Account) handlePresence(p xmppclient.InboundPresence) {
	a.occupants.HandlePresence(omemo.RoomPresence{
		From:      p.From,
		Type:      p.Type,
		Extension: p.MUCUser,
	})
}

// handleMessage is the transport's message callback: it decrypts,
// audits the outcome, hands the plaintext to the loaded runtime (if
// any), and encrypts+sends whatever reply the runtime returns.
func (a *Account) handleMessage(m xmppclient.InboundMessage) {
	if a.shuttingDown.Load() {
		return
	}

	if m.Encrypted == nil {
		if a.requireEncryption {
			a.logf("dropping unencrypted message from %s", m.From)
		}
		return
	}

	ctx := context.Background()
	result, err := a.decryptor.Decrypt(omemo.InboundMessage{From: m.From, Type: m.Type, Encrypted: m.Encrypted})
	if err != nil {
		kind := outcomeKind(err)
		// not-for-us means the message was addressed to one of our other
		// devices: every device sees every fan-out entry, so this is
		// expected traffic, not a failure, and stays out of the log too.
		if kind == "not-for-us" {
			return
		}
		if a.audit != nil {
			_ = a.audit.LogDecrypt(sqlite.DecryptOutcome{
				Account: a.cfg.JID, PeerJID: m.From, Outcome: kind, Timestamp: time.Now(),
			})
		}
		a.logf("decrypt failed from %s: %v", m.From, err)
		return
	}

	roomJID := ""
	if m.Type == "groupchat" {
		roomJID = m.From
	}
	if a.audit != nil {
		_ = a.audit.LogDecrypt(sqlite.DecryptOutcome{
			Account: a.cfg.JID, PeerJID: result.SenderJID, PeerDevice: result.SenderDevice,
			RoomJID: roomJID, Outcome: "ok", KeyTransport: result.KeyTransport, Timestamp: time.Now(),
		})
	}

	if a.rt == nil {
		return
	}

	if err := a.rt.Decrypt(ctx, agent.DecryptOutcome{
		SenderJID: result.SenderJID, SenderDevice: result.SenderDevice,
		Plaintext: string(result.Plaintext), KeyTransport: result.KeyTransport, RoomJID: roomJID,
	}); err != nil {
		a.logf("runtime decrypt callback failed: %v", err)
	}
	if result.KeyTransport {
		return
	}

	if roomJID != "" {
		reply, err := a.rt.EncryptRoom(ctx, roomJID, result.SenderJID, string(result.Plaintext))
		if err != nil {
			a.logf("runtime encrypt-room failed: %v", err)
			return
		}
		if reply != "" {
			_ = a.SendRoomEncrypted(roomJID, reply)
		}
		return
	}

	reply, err := a.rt.EncryptDirect(ctx, result.SenderJID, string(result.Plaintext))
	if err != nil {
		a.logf("runtime encrypt-direct failed: %v", err)
		return
	}
	if reply != "" {
		_ = a.SendEncrypted(result.SenderJID, reply)
	}
}

// SendEncrypted OMEMO-encrypts plaintext and sends it as a direct
// message to toJID. It implements the send side of agent.API, wired by
// the daemon's main loop so a runtime-initiated send (not just a reply)
// reaches the wire too.
//
// It carries the mandatory-encryption fallback policy: if encryption
// fails, it retries once against a forcibly refreshed device list
// before giving up and sending a plaintext warning stanza in place of
// toJID's message. The original plaintext never reaches the wire.
func (a *Account) SendEncrypted(toJID, plaintext string) error {
	if a.shuttingDown.Load() {
		return fmt.Errorf("daemon: account %s: %w", a.cfg.JID, omemo.ErrShutdown)
	}

	ctx := context.Background()
	elt, err := a.encryptor.EncryptDirect(ctx, toJID, []byte(plaintext), false)
	if err != nil {
		elt, err = a.encryptor.EncryptDirect(ctx, toJID, []byte(plaintext), true)
	}
	if err != nil {
		a.logf("encrypting to %s failed after refresh, sending warning stanza: %v", toJID, err)
		warning, werr := omemo.WarningStanza(toJID, "chat", "")
		if werr != nil {
			return fmt.Errorf("daemon: building warning stanza for %s: %w", toJID, werr)
		}
		return a.transport.SendRaw(ctx, warning)
	}

	raw, err := omemo.WrapAsStanza(toJID, "chat", elt, "")
	if err != nil {
		return err
	}
	return a.transport.SendRaw(ctx, raw)
}

// SendRoomEncrypted OMEMO-encrypts plaintext for every OMEMO-capable
// occupant of roomJID and sends it as a groupchat message. It carries
// the same refresh-then-warn fallback policy as SendEncrypted.
func (a *Account) SendRoomEncrypted(roomJID, plaintext string) error {
	if a.shuttingDown.Load() {
		return fmt.Errorf("daemon: account %s: %w", a.cfg.JID, omemo.ErrShutdown)
	}

	ctx := context.Background()
	elt, err := a.encryptor.EncryptRoom(ctx, roomJID, []byte(plaintext), false)
	if err != nil {
		elt, err = a.encryptor.EncryptRoom(ctx, roomJID, []byte(plaintext), true)
	}
	if err != nil {
		a.logf("encrypting to room %s failed after refresh, sending warning stanza: %v", roomJID, err)
		warning, werr := omemo.WarningStanza(roomJID, "groupchat", "")
		if werr != nil {
			return fmt.Errorf("daemon: building warning stanza for room %s: %w", roomJID, werr)
		}
		return a.transport.SendRaw(ctx, warning)
	}

	raw, err := omemo.WrapAsStanza(roomJID, "groupchat", elt, "")
	if err != nil {
		return err
	}
	return a.transport.SendRaw(ctx, raw)
}

// Disconnect marks the account as shutting down — refusing any new
// encrypt/decrypt work with ErrShutdown — and tears down the transport.
func (a *Account) Disconnect() error {
	a.shuttingDown.Store(true)
	return a.transport.Disconnect()
}

// Status returns the account's current state for the status view.
func (a *Account) Status() ui.AccountStatus {
	rooms := a.occupants.Rooms()
	out := make([]ui.RoomStatus, len(rooms))
	for i, r := range rooms {
		out[i] = ui.RoomStatus{
			JID: r.JID, Anonymous: r.Anonymous, OMEMOReady: r.OMEMOReady, OccupantCnt: r.OccupantCnt,
		}
	}
	return ui.AccountStatus{
		JID:       a.cfg.JID,
		Connected: a.Connected(),
		Rooms:     out,
	}
}

func outcomeKind(err error) string {
	switch {
	case errors.Is(err, omemo.ErrNotForUs):
		return "not-for-us"
	case errors.Is(err, omemo.ErrUnknownSender):
		return "unknown-sender"
	case errors.Is(err, omemo.ErrSignalFailure):
		return "signal-failure"
	case errors.Is(err, omemo.ErrAESFailure):
		return "aes-failure"
	default:
		return "error"
	}
}
