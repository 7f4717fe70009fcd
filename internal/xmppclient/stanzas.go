package xmppclient

import (
	"bytes"
	"encoding/xml"
	"io"

	"mellium.im/xmpp"
)

// readLoop consumes stanzas from the session and routes them: message and
// presence stanzas to the registered handlers (with <encrypted>/muc#user
// subtrees re-serialized to raw bytes for the OMEMO core to parse), and IQ
// replies to the pending-query correlation table Query registered.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		session := c.session
		c.mu.RUnlock()
		if session == nil {
			return
		}

		tok, err := session.TokenReader().Token()
		if err != nil {
			if err == io.EOF {
				c.handleDisconnect()
				return
			}
			c.handleDisconnect()
			return
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "message":
			c.handleMessage(session, start)
		case "presence":
			c.handlePresence(session, start)
		case "iq":
			c.handleIQ(session, start)
		}
	}
}

func attrValue(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// captureElement re-serializes the subtree starting at start (already
// consumed) up to its matching end element, returning the raw bytes.
func captureElement(tr interface{ Token() (xml.Token, error) }, start xml.StartElement) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.EncodeToken(start); err != nil {
		return nil, err
	}
	depth := 1
	for depth > 0 {
		tok, err := tr.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if err := enc.EncodeToken(t); err != nil {
				return nil, err
			}
		case xml.EndElement:
			depth--
			if err := enc.EncodeToken(t); err != nil {
				return nil, err
			}
		default:
			if err := enc.EncodeToken(tok); err != nil {
				return nil, err
			}
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) handleMessage(session *xmpp.Session, start xml.StartElement) {
	msg := InboundMessage{
		From: attrValue(start.Attr, "from"),
		Type: attrValue(start.Attr, "type"),
	}

	tr := session.TokenReader()
	for {
		tok, err := tr.Token()
		if err != nil {
			return
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "body":
				if bodyTok, err := tr.Token(); err == nil {
					if cd, ok := bodyTok.(xml.CharData); ok {
						msg.Body = string(cd)
					}
				}
			case t.Name.Local == "encrypted" && (t.Name.Space == "eu.siacs.conversations.axolotl" || t.Name.Space == "urn:xmpp:omemo:2"):
				raw, err := captureElement(tr, t)
				if err == nil {
					msg.Encrypted = raw
				}
			case t.Name.Local == "event" && t.Name.Space == "http://jabber.org/protocol/pubsub#event":
				raw, err := captureElement(tr, t)
				if err == nil {
					c.dispatchPubSubEvent(msg.From, raw)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "message" {
				if c.onMessage != nil {
					c.onMessage(msg)
				}
				return
			}
		}
	}
}

func (c *Client) handlePresence(session *xmpp.Session, start xml.StartElement) {
	p := InboundPresence{
		From: attrValue(start.Attr, "from"),
		Type: attrValue(start.Attr, "type"),
	}

	tr := session.TokenReader()
	for {
		tok, err := tr.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "x" && t.Name.Space == "http://jabber.org/protocol/muc#user" {
				raw, err := captureElement(tr, t)
				if err == nil {
					p.MUCUser = raw
					p.HasMUCExt = true
				}
			}
		case xml.EndElement:
			if t.Name.Local == "presence" {
				if c.onPresence != nil {
					c.onPresence(p)
				}
				return
			}
		}
	}
}

func (c *Client) handleIQ(session *xmpp.Session, start xml.StartElement) {
	iqType := attrValue(start.Attr, "type")
	iqID := attrValue(start.Attr, "id")

	tr := session.TokenReader()
	for {
		tok, err := tr.Token()
		if err != nil {
			return
		}
		switch t := tok.(type) {
		case xml.StartElement:
			raw, err := captureElement(tr, t)
			if err != nil {
				return
			}
			c.resolvePending(iqID, iqType, raw)
			return
		case xml.EndElement:
			if t.Name.Local == "iq" {
				// childless IQ (e.g. a bare result ack)
				c.resolvePending(iqID, iqType, nil)
				return
			}
		}
	}
}

func (c *Client) resolvePending(id, iqType string, payload []byte) {
	c.pendingMu.Lock()
	slot, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	if iqType == "error" {
		slot.errCh <- errIQFailed(payload)
		return
	}
	slot.reply <- payload
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}
