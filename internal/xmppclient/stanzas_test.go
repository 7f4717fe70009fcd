package xmppclient

import (
	"encoding/xml"
	"strings"
	"testing"
)

func TestAttrValue(t *testing.T) {
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "from"}, Value: "alice@example.com"},
		{Name: xml.Name{Local: "type"}, Value: "chat"},
	}
	if got := attrValue(attrs, "from"); got != "alice@example.com" {
		t.Fatalf("expected alice@example.com, got %q", got)
	}
	if got := attrValue(attrs, "missing"); got != "" {
		t.Fatalf("expected empty string for missing attribute, got %q", got)
	}
}

func TestCaptureElementReserializesSubtree(t *testing.T) {
	src := `<message><encrypted xmlns="eu.siacs.conversations.axolotl"><header sid="1"><key rid="2">YWJj</key></header><payload>cGF5bG9hZA==</payload></encrypted></message>`
	dec := xml.NewDecoder(strings.NewReader(src))

	// advance past the outer <message> start element
	tok, err := dec.Token()
	if err != nil {
		t.Fatalf("decoding outer token: %v", err)
	}
	if _, ok := tok.(xml.StartElement); !ok {
		t.Fatalf("expected outer start element")
	}

	tok, err = dec.Token()
	if err != nil {
		t.Fatalf("decoding encrypted start token: %v", err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != "encrypted" {
		t.Fatalf("expected <encrypted> start element, got %v", tok)
	}

	raw, err := captureElement(dec, start)
	if err != nil {
		t.Fatalf("captureElement returned error: %v", err)
	}

	var parsed struct {
		XMLName xml.Name `xml:"eu.siacs.conversations.axolotl encrypted"`
		Header  struct {
			SID uint32 `xml:"sid,attr"`
			Key struct {
				RID   uint32 `xml:"rid,attr"`
				Value string `xml:",chardata"`
			} `xml:"key"`
		} `xml:"header"`
		Payload string `xml:"payload"`
	}
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshaling captured bytes: %v", err)
	}
	if parsed.Header.SID != 1 {
		t.Fatalf("expected sid 1, got %d", parsed.Header.SID)
	}
	if parsed.Header.Key.RID != 2 {
		t.Fatalf("expected rid 2, got %d", parsed.Header.Key.RID)
	}
	if parsed.Payload != "cGF5bG9hZA==" {
		t.Fatalf("unexpected payload: %s", parsed.Payload)
	}
}
