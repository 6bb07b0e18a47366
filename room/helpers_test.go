// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room_test

import (
	"context"
	"encoding/xml"
	"sync"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"mellium.im/fmuc/packet"
	"mellium.im/fmuc/room"
)

// recorder is a router that keeps every stanza it is asked to send.
type recorder struct {
	mu   sync.Mutex
	sent []packet.Packet
}

func (r *recorder) Send(_ context.Context, t xml.TokenReader) error {
	p, err := packet.Read(t)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return nil
}

// take returns the stanzas sent to addr since the last call and forgets them.
func (r *recorder) take(addr jid.JID) []packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out, keep []packet.Packet
	for _, p := range r.sent {
		if p.To.Equal(addr) {
			out = append(out, p)
			continue
		}
		keep = append(keep, p)
	}
	r.sent = keep
	return out
}

func (r *recorder) all() []packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]packet.Packet(nil), r.sent...)
}

// network delivers stanzas between services and keeps those addressed to
// users.
// Delivery happens on a single goroutine in the order stanzas were sent.
type network struct {
	queue chan packet.Packet

	mu       sync.Mutex
	services map[string]*room.Service
	inbox    map[string][]packet.Packet
}

func newNetwork() *network {
	return &network{
		queue:    make(chan packet.Packet, 4096),
		services: make(map[string]*room.Service),
		inbox:    make(map[string][]packet.Packet),
	}
}

func (n *network) add(s *room.Service) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.services[s.Domain().String()] = s
}

func (n *network) Send(ctx context.Context, t xml.TokenReader) error {
	p, err := packet.Read(t)
	if err != nil {
		return err
	}
	select {
	case n.queue <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *network) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-n.queue:
			n.mu.Lock()
			s, ok := n.services[p.To.Domainpart()]
			if !ok {
				n.inbox[p.To.String()] = append(n.inbox[p.To.String()], p)
			}
			n.mu.Unlock()
			if ok {
				s.Dispatch(ctx, p)
			}
		}
	}
}

// find reports whether addr received a stanza for which match returns true.
func (n *network) find(addr jid.JID, match func(packet.Packet) bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.inbox[addr.String()] {
		if match(p) {
			return true
		}
	}
	return false
}

func enter(from, to string) packet.Packet {
	return packet.NewPresence(jid.MustParse(from), jid.MustParse(to), "",
		packet.NewElement(xml.Name{Space: muc.NS, Local: "x"}))
}

func exit(from, to string) packet.Packet {
	return packet.NewPresence(jid.MustParse(from), jid.MustParse(to), stanza.UnavailablePresence)
}

func say(from, to, body string) packet.Packet {
	return packet.NewMessage(jid.MustParse(from), jid.MustParse(to), stanza.GroupChatMessage,
		packet.NewElement(xml.Name{Local: "body"}).WithText(body))
}

func setSubject(from, to, text string) packet.Packet {
	return packet.NewMessage(jid.MustParse(from), jid.MustParse(to), stanza.GroupChatMessage,
		packet.NewElement(xml.Name{Local: "subject"}).WithText(text))
}

func nicks(r *room.Room) []string {
	var out []string
	for _, occ := range r.Occupants() {
		out = append(out, occ.Nick)
	}
	return out
}

func body(p packet.Packet) string {
	b, _ := p.Body()
	return b
}

// userItem returns the muc#user item of a presence.
func userItem(p packet.Packet) (packet.Element, bool) {
	x, ok := p.Find(muc.NSUser, "x")
	if !ok {
		return packet.Element{}, false
	}
	return x.Find(muc.NSUser, "item")
}

func hasStatus(p packet.Packet, code string) bool {
	x, ok := p.Find(muc.NSUser, "x")
	if !ok {
		return false
	}
	for _, c := range x.Child {
		if c.XMLName.Local == "status" && c.AttrValue("code") == code {
			return true
		}
	}
	return false
}
