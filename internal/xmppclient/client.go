// Package xmppclient wires the OMEMO core's narrow Transport interface to
// a live mellium.im/xmpp connection: dialing, STARTTLS, SASL, resource
// binding, and IQ-reply correlation, so internal/omemo never has to know
// about wire bytes.
package xmppclient

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/agentd/internal/omemo"
)

// Config configures one XMPP connection.
type Config struct {
	JID      string
	Password string
	Server   string
	Port     int
	Resource string
}

// pendingIQ is a correlation slot for one in-flight query.
type pendingIQ struct {
	reply chan []byte
	errCh chan error
}

// Client drives one XMPP session and implements omemo.Transport.
type Client struct {
	session  *xmpp.Session
	jid      jid.JID
	password string
	server   string
	port     int

	mu        sync.RWMutex
	connected bool

	pendingMu sync.Mutex
	pending   map[string]*pendingIQ

	onMessage  func(InboundMessage)
	onPresence func(InboundPresence)
	pubsub     *omemo.PubSubClient

	ctx    context.Context
	cancel context.CancelFunc
}

// InboundMessage is a fully-read incoming message stanza, including the
// raw XML of any <encrypted> child (the whole element) under either
// OMEMO namespace.
type InboundMessage struct {
	From      string
	Type      string
	Body      string
	Encrypted []byte
}

// InboundPresence is a fully-read incoming presence stanza, including the
// raw XML of a muc#user <x> extension (the whole element) when present.
type InboundPresence struct {
	From      string
	Type      string
	MUCUser   []byte
	HasMUCExt bool
}

// New constructs a client bound to cfg. Call Connect to dial.
func New(cfg Config) (*Client, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("xmppclient: invalid JID: %w", err)
	}
	if cfg.Resource != "" {
		j, err = j.WithResource(cfg.Resource)
		if err != nil {
			return nil, fmt.Errorf("xmppclient: invalid resource: %w", err)
		}
	}
	if cfg.Port == 0 {
		cfg.Port = 5222
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		jid:      j,
		password: cfg.Password,
		server:   cfg.Server,
		port:     cfg.Port,
		pending:  make(map[string]*pendingIQ),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Connect dials the server, negotiates STARTTLS/SASL/bind, and starts the
// stanza read loop.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	server := c.server
	if server == "" {
		server = c.jid.Domain().String()
	}
	addr := net.JoinHostPort(server, strconv.Itoa(c.port))

	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("xmppclient: dial: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: c.jid.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", c.password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(c.ctx, c.jid.Domain(), c.jid, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		return fmt.Errorf("xmppclient: negotiate session: %w", err)
	}

	c.session = session
	c.connected = true
	c.jid = session.LocalAddr()

	go c.readLoop()
	return nil
}

// Disconnect sends unavailable presence and closes the session.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.cancel()
	if c.session != nil {
		_ = c.session.Encode(c.ctx, stanza.Presence{Type: stanza.UnavailablePresence})
		_ = c.session.Close()
	}
	c.connected = false
	c.session = nil
	return nil
}

// SetMessageHandler registers the callback for non-OMEMO-layer message
// bookkeeping; the Message Decryptor is fed separately via Encrypted.
func (c *Client) SetMessageHandler(h func(InboundMessage)) { c.onMessage = h }

// SetPresenceHandler registers the callback for presence stanzas,
// including room presence destined for the Room Occupant Tracker.
func (c *Client) SetPresenceHandler(h func(InboundPresence)) { c.onPresence = h }

// LocalBareJID implements omemo.Transport.
func (c *Client) LocalBareJID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid.Bare().String()
}

// Connected reports whether the session is currently live.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func randomID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Query implements omemo.Transport: it sends an info-query, registers a
// correlation slot keyed by the query's id, and blocks until the
// matching result/error IQ arrives or ctx is done.
func (c *Client) Query(ctx context.Context, to, iqType string, payload any) ([]byte, error) {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()
	if !connected || session == nil {
		return nil, fmt.Errorf("xmppclient: not connected")
	}

	id := "iq-" + randomID(8)
	slot := &pendingIQ{reply: make(chan []byte, 1), errCh: make(chan error, 1)}
	c.pendingMu.Lock()
	c.pending[id] = slot
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	toJID, err := jid.Parse(to)
	if err != nil {
		return nil, fmt.Errorf("xmppclient: invalid JID %q: %w", to, err)
	}

	var st stanza.IQType
	if iqType == "set" {
		st = stanza.SetIQ
	} else {
		st = stanza.GetIQ
	}

	env := struct {
		stanza.IQ
		Inner any
	}{IQ: stanza.IQ{ID: id, To: toJID, Type: st}, Inner: payload}

	if err := session.Encode(ctx, env); err != nil {
		return nil, fmt.Errorf("xmppclient: encode query: %w", err)
	}

	select {
	case raw := <-slot.reply:
		return raw, nil
	case err := <-slot.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendMessage implements omemo.Transport: a fire-and-forget message
// stanza carrying payload as extension content.
func (c *Client) SendMessage(ctx context.Context, to, msgType string, payload any) error {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()
	if !connected || session == nil {
		return fmt.Errorf("xmppclient: not connected")
	}

	toJID, err := jid.Parse(to)
	if err != nil {
		return fmt.Errorf("xmppclient: invalid JID %q: %w", to, err)
	}

	var mt stanza.MessageType
	if msgType == "groupchat" {
		mt = stanza.GroupChatMessage
	} else {
		mt = stanza.ChatMessage
	}

	env := struct {
		stanza.Message
		Inner any
	}{Message: stanza.Message{To: toJID, Type: mt, ID: randomID(8)}, Inner: payload}

	return session.Encode(ctx, env)
}

// SendRaw writes already-marshaled stanza bytes verbatim, used for the
// pre-built <message> elements WrapAsStanza/WarningStanza produce.
func (c *Client) SendRaw(ctx context.Context, raw []byte) error {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()
	if !connected || session == nil {
		return fmt.Errorf("xmppclient: not connected")
	}
	_, err := io.Copy(session, byteReader(raw))
	return err
}

type byteReaderT struct {
	b []byte
	i int
}

func byteReader(b []byte) *byteReaderT { return &byteReaderT{b: b} }

func (r *byteReaderT) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

var _ omemo.Transport = (*Client)(nil)
