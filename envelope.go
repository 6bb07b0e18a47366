// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"

	"mellium.im/fmuc/packet"
)

// NS is the namespace of the federation envelope.
const NS = "http://isode.com/protocol/fmuc"

// Errors returned when a federated stanza cannot be understood.
var (
	ErrMalformed       = errors.New("fmuc: malformed federated stanza")
	ErrMissingEnvelope = errors.New("fmuc: stanza has no fmuc element")
	ErrMissingOrigin   = errors.New("fmuc: fmuc element has no from attribute")
)

var envelopeName = xml.Name{Space: NS, Local: "fmuc"}

func envelope(from jid.JID, child ...packet.Element) packet.Element {
	e := packet.NewElement(envelopeName, child...)
	if !from.Equal(jid.JID{}) {
		e = e.WithAttr("from", from.String())
	}
	return e
}

func leftNotice(from, to jid.JID) packet.Packet {
	return packet.NewPresence(from, to, "", envelope(jid.JID{},
		packet.NewElement(xml.Name{Space: NS, Local: "left"}),
	))
}

func rejectNotice(from, to jid.JID, reason string) packet.Packet {
	reject := packet.NewElement(xml.Name{Space: NS, Local: "reject"})
	if strings.TrimSpace(reason) != "" {
		reject = reject.WithText(reason)
	}
	return packet.NewPresence(from, to, "", envelope(jid.JID{}, reject))
}

// Enrich returns a copy of p carrying an fmuc element whose from attribute is
// from.
// If p already has an fmuc element the copy is returned unchanged so that the
// original author is never overwritten.
func Enrich(p packet.Packet, from jid.JID) packet.Packet {
	if HasEnvelope(p) {
		return p.Copy()
	}
	return p.With(envelope(from))
}

// Strip returns a copy of p without any fmuc elements.
func Strip(p packet.Packet) packet.Packet {
	return p.Without(NS, "fmuc")
}

// HasEnvelope reports whether p carries an fmuc element.
func HasEnvelope(p packet.Packet) bool {
	_, ok := p.Find(NS, "fmuc")
	return ok
}

// Origin returns the address of the original author of p as recorded in its
// fmuc element.
func Origin(p packet.Packet) (jid.JID, error) {
	env, ok := p.Find(NS, "fmuc")
	if !ok {
		return jid.JID{}, ErrMissingEnvelope
	}
	if !env.HasAttr("from") {
		return jid.JID{}, ErrMissingOrigin
	}
	j, err := jid.Parse(env.AttrValue("from"))
	if err != nil {
		return jid.JID{}, fmt.Errorf("%w: bad origin %q: %w", ErrMalformed, env.AttrValue("from"), err)
	}
	return j, nil
}

func envelopeChild(p packet.Packet, local string) (packet.Element, bool) {
	env, ok := p.Find(NS, "fmuc")
	if !ok {
		return packet.Element{}, false
	}
	return env.Find(NS, local)
}

// IsLeft reports whether p is a presence telling the receiver that it is no
// longer part of the federation.
func IsLeft(p packet.Packet) bool {
	_, ok := envelopeChild(p, "left")
	return ok && p.IsPresence()
}

// IsReject reports whether p is a presence refusing a join request.
func IsReject(p packet.Packet) bool {
	_, ok := envelopeChild(p, "reject")
	return ok && p.IsPresence()
}

// RejectReason returns the human readable text of a reject marker, if any.
func RejectReason(p packet.Packet) string {
	e, _ := envelopeChild(p, "reject")
	return strings.TrimSpace(e.Text)
}

// IsSubject reports whether p is a message that sets the room subject.
// Messages with a body are history, even when they carry a subject.
func IsSubject(p packet.Packet) bool {
	if !p.IsMessage() {
		return false
	}
	_, subject := p.Subject()
	_, body := p.Body()
	return subject && !body
}

// IsJoinRequest reports whether p is a presence asking to enter a room on
// behalf of a federated node.
func IsJoinRequest(p packet.Packet) bool {
	if !p.IsPresence() || !HasEnvelope(p) {
		return false
	}
	_, enter := p.Find(muc.NS, "x")
	_, user := p.Find(muc.NSUser, "x")
	return enter && user
}
