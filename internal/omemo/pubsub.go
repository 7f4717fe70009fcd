package omemo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Wire namespaces for the publish-subscribe layer.
const (
	nsPubSub      = "http://jabber.org/protocol/pubsub"
	nsPubSubEvent = "http://jabber.org/protocol/pubsub#event"
	nsPubSubOwner = "http://jabber.org/protocol/pubsub#owner"
)

// AccessModel enumerates the publish-options access models a node can
// be configured with.
type AccessModel string

const (
	AccessOpen      AccessModel = "open"
	AccessPresence  AccessModel = "presence"
	AccessWhitelist AccessModel = "whitelist"
	AccessRoster    AccessModel = "roster"
)

// PublishOptions mirrors the data-form fields attached to a publish
// request.
type PublishOptions struct {
	AccessModel  AccessModel
	PersistItems bool
	MaxItems     int
}

// pubsubIQ is the <pubsub> payload wrapper for set/get queries.
type pubsubIQ struct {
	XMLName     xml.Name        `xml:"http://jabber.org/protocol/pubsub pubsub"`
	Publish     *pubsubPublish  `xml:"publish,omitempty"`
	PublishOpts *pubsubFormWrap `xml:"publish-options,omitempty"`
	Items       *pubsubItems    `xml:"items,omitempty"`
	Subscribe   *pubsubSub      `xml:"subscribe,omitempty"`
	Retract     *pubsubRetract  `xml:"retract,omitempty"`
}

type pubsubOwnerIQ struct {
	XMLName xml.Name           `xml:"http://jabber.org/protocol/pubsub#owner pubsub"`
	Delete  *pubsubOwnerDelete `xml:"delete,omitempty"`
	Config  *pubsubOwnerConfig `xml:"configure,omitempty"`
}

type pubsubOwnerDelete struct {
	Node string `xml:"node,attr"`
}

type pubsubOwnerConfig struct {
	Node string `xml:"node,attr"`
}

type pubsubPublish struct {
	Node  string       `xml:"node,attr"`
	Items []pubsubItem `xml:"item"`
}

type pubsubItem struct {
	ID      string `xml:"id,attr,omitempty"`
	Payload []byte `xml:",innerxml"`
}

type pubsubItems struct {
	Node  string       `xml:"node,attr"`
	Items []pubsubItem `xml:"item"`
}

type pubsubSub struct {
	Node string `xml:"node,attr"`
	JID  string `xml:"jid,attr"`
}

type pubsubRetract struct {
	Node  string       `xml:"node,attr"`
	Items []pubsubItem `xml:"item"`
}

type pubsubFormWrap struct {
	Form dataForm `xml:"jabber:x:data x"`
}

type dataForm struct {
	Type   string      `xml:"type,attr"`
	Fields []formField `xml:"field"`
}

type formField struct {
	Var    string   `xml:"var,attr"`
	Type   string   `xml:"type,attr,omitempty"`
	Values []string `xml:"value"`
}

func publishOptionsForm(opts PublishOptions) *pubsubFormWrap {
	form := dataForm{
		Type: "submit",
		Fields: []formField{
			{Var: "FORM_TYPE", Type: "hidden", Values: []string{"http://jabber.org/protocol/pubsub#publish-options"}},
			{Var: "pubsub#access_model", Values: []string{string(opts.AccessModel)}},
			{Var: "pubsub#persist_items", Values: []string{boolStr(opts.PersistItems)}},
			{Var: "pubsub#max_items", Values: []string{fmt.Sprintf("%d", opts.MaxItems)}},
		},
	}
	return &pubsubFormWrap{Form: form}
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Item is one (id, payload) pair as returned by Fetch.
type Item struct {
	ID      string
	Payload []byte
}

// Event is a parsed incoming publish-subscribe notification.
type Event struct {
	From     string
	Node     string
	Items    []Item
	Retracts []string
}

// PubSubClient is the generic request/response client over the XMPP
// info-query channel for the publish-subscribe namespace. It is used
// only by the Device-List Manager and the Bundle Manager.
type PubSubClient struct {
	transport Transport

	counter atomic.Uint64

	handlersMu sync.RWMutex
	handlers   []func(Event)
}

// NewPubSubClient constructs a client bound to transport.
func NewPubSubClient(transport Transport) *PubSubClient {
	return &PubSubClient{transport: transport}
}

// OnEvent registers a handler invoked for every parsed incoming
// notification across all nodes.
func (c *PubSubClient) OnEvent(handler func(Event)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// requestID generates a unique id: prefix + monotonic counter + random
// suffix.
func (c *PubSubClient) requestID(prefix string) string {
	n := c.counter.Add(1)
	var suffix [3]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("%s-%d-%s", prefix, n, hex.EncodeToString(suffix[:]))
}

func (c *PubSubClient) queryTimeout(ctx context.Context, discovery bool) (context.Context, context.CancelFunc) {
	d := 30 * time.Second
	if discovery {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// Publish issues a publish set-query carrying payload as item-id's
// content, with the given access-model/persist/max-items options
// serialized as a data form.
func (c *PubSubClient) Publish(ctx context.Context, node, itemID string, payload []byte, opts PublishOptions) error {
	ctx, cancel := c.queryTimeout(ctx, false)
	defer cancel()

	iq := pubsubIQ{
		Publish:     &pubsubPublish{Node: node, Items: []pubsubItem{{ID: itemID, Payload: payload}}},
		PublishOpts: publishOptionsForm(opts),
	}
	_, err := c.transport.Query(ctx, c.transport.LocalBareJID(), "set", iq)
	return err
}

// Fetch retrieves items from (peerJID, node), optionally restricted to
// itemIDs. A nil/empty itemIDs fetches all items.
func (c *PubSubClient) Fetch(ctx context.Context, peerJID, node string, itemIDs []string) ([]Item, error) {
	ctx, cancel := c.queryTimeout(ctx, true)
	defer cancel()

	req := pubsubIQ{Items: &pubsubItems{Node: node}}
	for _, id := range itemIDs {
		req.Items.Items = append(req.Items.Items, pubsubItem{ID: id})
	}

	raw, err := c.transport.Query(ctx, peerJID, "get", req)
	if err != nil {
		return nil, err
	}

	var reply pubsubIQ
	if err := xml.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("omemo: parsing pubsub items reply: %w", err)
	}
	if reply.Items == nil {
		return nil, nil
	}
	items := make([]Item, 0, len(reply.Items.Items))
	for _, it := range reply.Items.Items {
		items = append(items, Item{ID: it.ID, Payload: it.Payload})
	}
	return items, nil
}

// Subscribe issues a subscribe request for (peerJID, node); future
// notifications route to handlers registered via OnEvent.
func (c *PubSubClient) Subscribe(ctx context.Context, peerJID, node string) error {
	ctx, cancel := c.queryTimeout(ctx, false)
	defer cancel()
	iq := pubsubIQ{Subscribe: &pubsubSub{Node: node, JID: c.transport.LocalBareJID()}}
	_, err := c.transport.Query(ctx, peerJID, "set", iq)
	return err
}

// Retract deletes one published item.
func (c *PubSubClient) Retract(ctx context.Context, node, itemID string) error {
	ctx, cancel := c.queryTimeout(ctx, false)
	defer cancel()
	iq := pubsubIQ{Retract: &pubsubRetract{Node: node, Items: []pubsubItem{{ID: itemID}}}}
	_, err := c.transport.Query(ctx, c.transport.LocalBareJID(), "set", iq)
	return err
}

// DeleteNode deletes a node we own.
func (c *PubSubClient) DeleteNode(ctx context.Context, node string) error {
	ctx, cancel := c.queryTimeout(ctx, false)
	defer cancel()
	iq := pubsubOwnerIQ{Delete: &pubsubOwnerDelete{Node: node}}
	_, err := c.transport.Query(ctx, c.transport.LocalBareJID(), "set", iq)
	return err
}

// GetNodeConfig fetches the owner configuration form for node.
func (c *PubSubClient) GetNodeConfig(ctx context.Context, node string) ([]byte, error) {
	ctx, cancel := c.queryTimeout(ctx, true)
	defer cancel()
	iq := pubsubOwnerIQ{Config: &pubsubOwnerConfig{Node: node}}
	return c.transport.Query(ctx, c.transport.LocalBareJID(), "get", iq)
}

// eventStanza is the <event> wrapper parsed out of an inbound message
// stanza's extension content.
type eventStanza struct {
	XMLName xml.Name         `xml:"http://jabber.org/protocol/pubsub#event event"`
	Items   *eventItemsBlock `xml:"items"`
}

type eventItemsBlock struct {
	Node     string            `xml:"node,attr"`
	Items    []pubsubItem      `xml:"item"`
	Retracts []eventRetractTag `xml:"retract"`
}

type eventRetractTag struct {
	ID string `xml:"id,attr"`
}

// ParseEvent recognizes an incoming event stanza's raw extension XML and
// extracts (originating JID, node, items, retracted ids), or returns
// (Event{}, false) if it is not a pubsub event.
func ParseEvent(from string, raw []byte) (Event, bool) {
	var ev eventStanza
	if err := xml.Unmarshal(raw, &ev); err != nil {
		return Event{}, false
	}
	if ev.Items == nil {
		return Event{}, false
	}
	out := Event{From: from, Node: ev.Items.Node}
	for _, it := range ev.Items.Items {
		out.Items = append(out.Items, Item{ID: it.ID, Payload: it.Payload})
	}
	for _, r := range ev.Items.Retracts {
		out.Retracts = append(out.Retracts, r.ID)
	}
	return out, true
}

// Dispatch routes a parsed event to all registered handlers. The XMPP
// transport layer calls this from its inbound message handler.
func (c *PubSubClient) Dispatch(ev Event) {
	c.handlersMu.RLock()
	handlers := append([]func(Event){}, c.handlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
