// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package packet implements a generic, copyable stanza value.
//
// Federated room traffic has to be copied, re-addressed, annotated and
// compared structurally before it is forwarded, which the streaming stanza
// types in mellium.im/xmpp/stanza are not designed for.
// A Packet holds the stanza header and its payload as an element tree and
// converts back to a token stream with the stanza package when sent.
package packet // import "mellium.im/fmuc/packet"

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/fmuc/internal/ns"
)

// Stanza names.
const (
	Presence = "presence"
	Message  = "message"
	IQ       = "iq"
)

// Errors returned while decoding packets.
var (
	ErrNoStanza  = errors.New("packet: no stanza found in token stream")
	ErrNotStanza = errors.New("packet: element is not a stanza")
)

// Packet is a presence, message, or IQ stanza.
type Packet struct {
	XMLName xml.Name
	ID      string
	Type    string
	Lang    string
	To      jid.JID
	From    jid.JID
	Payload []Element
}

// NewPresence returns a presence stanza.
func NewPresence(from, to jid.JID, typ stanza.PresenceType, payload ...Element) Packet {
	return Packet{
		XMLName: xml.Name{Local: Presence},
		Type:    string(typ),
		From:    from,
		To:      to,
		Payload: payload,
	}
}

// NewMessage returns a message stanza.
func NewMessage(from, to jid.JID, typ stanza.MessageType, payload ...Element) Packet {
	return Packet{
		XMLName: xml.Name{Local: Message},
		Type:    string(typ),
		From:    from,
		To:      to,
		Payload: payload,
	}
}

// NewIQ returns an IQ stanza.
func NewIQ(id string, from, to jid.JID, typ stanza.IQType, payload ...Element) Packet {
	return Packet{
		XMLName: xml.Name{Local: IQ},
		ID:      id,
		Type:    string(typ),
		From:    from,
		To:      to,
		Payload: payload,
	}
}

// Read decodes the first stanza read from r.
func Read(r xml.TokenReader) (Packet, error) {
	d := xml.NewTokenDecoder(r)
	for {
		tok, err := d.Token()
		switch {
		case err == io.EOF:
			return Packet{}, ErrNoStanza
		case err != nil:
			return Packet{}, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var p Packet
		err = p.UnmarshalXML(d, start)
		return p, err
	}
}

// IsPresence reports whether p is a presence stanza.
func (p Packet) IsPresence() bool { return p.XMLName.Local == Presence }

// IsMessage reports whether p is a message stanza.
func (p Packet) IsMessage() bool { return p.XMLName.Local == Message }

// IsIQ reports whether p is an IQ stanza.
func (p Packet) IsIQ() bool { return p.XMLName.Local == IQ }

// IsRequest reports whether p is an IQ of type get or set.
func (p Packet) IsRequest() bool {
	return p.IsIQ() && (p.Type == string(stanza.GetIQ) || p.Type == string(stanza.SetIQ))
}

// IsAvailable reports whether p is an available presence.
func (p Packet) IsAvailable() bool {
	return p.IsPresence() && p.Type == string(stanza.AvailablePresence)
}

// IsUnavailable reports whether p is an unavailable presence.
func (p Packet) IsUnavailable() bool {
	return p.IsPresence() && p.Type == string(stanza.UnavailablePresence)
}

// Find returns the first payload element with the given name.
// The stanza content namespaces (jabber:client and friends) match each other
// and the empty namespace.
func (p Packet) Find(space, local string) (Element, bool) {
	for _, e := range p.Payload {
		if sameName(e.XMLName, xml.Name{Space: space, Local: local}) {
			return e, true
		}
	}
	return Element{}, false
}

// Child is like Find for a stanza level child such as body or subject.
func (p Packet) Child(local string) (Element, bool) {
	return p.Find("", local)
}

// Body returns the text of the body child.
func (p Packet) Body() (string, bool) {
	e, ok := p.Child("body")
	return e.Text, ok
}

// Subject returns the text of the subject child.
func (p Packet) Subject() (string, bool) {
	e, ok := p.Child("subject")
	return e.Text, ok
}

// Without returns a copy of p without any payload element named name.
func (p Packet) Without(space, local string) Packet {
	c := p.Copy()
	out := c.Payload[:0]
	for _, e := range c.Payload {
		if sameName(e.XMLName, xml.Name{Space: space, Local: local}) {
			continue
		}
		out = append(out, e)
	}
	c.Payload = out
	return c
}

// With returns a copy of p with e appended to its payload.
func (p Packet) With(e ...Element) Packet {
	c := p.Copy()
	c.Payload = append(c.Payload, copyElements(e)...)
	return c
}

// Copy returns a deep copy of p.
func (p Packet) Copy() Packet {
	c := p
	c.Payload = copyElements(p.Payload)
	return c
}

// ErrorReply returns an error response to p carrying e.
// The original payload is included, addresses are swapped.
func (p Packet) ErrorReply(e stanza.Error) (Packet, error) {
	errEl, err := FromMarshaler(e)
	if err != nil {
		return Packet{}, err
	}
	reply := p.Copy()
	reply.To, reply.From = p.From, p.To
	reply.Type = "error"
	reply.Payload = append(reply.Payload, errEl)
	return reply, nil
}

// StartElement returns the stanza start token of p.
func (p Packet) StartElement() xml.StartElement {
	switch p.XMLName.Local {
	case Presence:
		return stanza.Presence{
			XMLName: p.XMLName,
			ID:      p.ID,
			To:      p.To,
			From:    p.From,
			Lang:    p.Lang,
			Type:    stanza.PresenceType(p.Type),
		}.StartElement()
	case Message:
		return stanza.Message{
			XMLName: p.XMLName,
			ID:      p.ID,
			To:      p.To,
			From:    p.From,
			Lang:    p.Lang,
			Type:    stanza.MessageType(p.Type),
		}.StartElement()
	case IQ:
		return stanza.IQ{
			XMLName: p.XMLName,
			ID:      p.ID,
			To:      p.To,
			From:    p.From,
			Lang:    p.Lang,
			Type:    stanza.IQType(p.Type),
		}.StartElement()
	}
	return xml.StartElement{Name: p.XMLName}
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (p Packet) TokenReader() xml.TokenReader {
	inner := make([]xml.TokenReader, 0, len(p.Payload))
	for _, e := range p.Payload {
		inner = append(inner, e.TokenReader())
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), p.StartElement())
}

// WriteXML satisfies the xmlstream.WriterTo interface.
func (p Packet) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, p.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface.
func (p Packet) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := p.WriteXML(e)
	return err
}

// UnmarshalXML satisfies the xml.Unmarshaler interface.
func (p *Packet) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	switch start.Name.Local {
	case Presence, Message, IQ:
	default:
		return fmt.Errorf("%w: %s", ErrNotStanza, start.Name.Local)
	}
	*p = Packet{XMLName: start.Name}
	for _, a := range start.Attr {
		var err error
		switch {
		case a.Name.Space == ns.XML && a.Name.Local == "lang":
			p.Lang = a.Value
		case a.Name.Space != "":
		case a.Name.Local == "id":
			p.ID = a.Value
		case a.Name.Local == "type":
			p.Type = a.Value
		case a.Name.Local == "to":
			p.To, err = jid.Parse(a.Value)
		case a.Name.Local == "from":
			p.From, err = jid.Parse(a.Value)
		}
		if err != nil {
			return fmt.Errorf("packet: bad %s address %q: %w", a.Name.Local, a.Value, err)
		}
	}

	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var e Element
			if err := e.UnmarshalXML(d, t); err != nil {
				return err
			}
			p.Payload = append(p.Payload, e)
		case xml.EndElement:
			return nil
		}
	}
}

// String returns the XML encoding of p.
func (p Packet) String() string {
	var b strings.Builder
	e := xml.NewEncoder(&b)
	if _, err := p.WriteXML(e); err != nil {
		return fmt.Sprintf("<!-- %v -->", err)
	}
	if err := e.Flush(); err != nil {
		return fmt.Sprintf("<!-- %v -->", err)
	}
	return b.String()
}
