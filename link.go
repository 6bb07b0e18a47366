// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"sort"

	"mellium.im/xmpp/jid"

	"mellium.im/fmuc/packet"
)

type linkKind uint8

const (
	inboundLink linkKind = iota
	outboundLink
)

func (k linkKind) String() string {
	if k == outboundLink {
		return "outbound"
	}
	return "inbound"
}

// link is a federation relationship with one peer room.
// Inbound links are joining peers this room accepted, the outbound link is
// the joined peer this room attached to.
type link struct {
	kind      linkKind
	peer      jid.JID
	occupants map[string]jid.JID

	// Outbound only.
	mode   Mode
	echoes []*echo
}

func newInbound(peer jid.JID) *link {
	return &link{
		kind:      inboundLink,
		peer:      peer.Bare(),
		occupants: make(map[string]jid.JID),
	}
}

func newOutbound(cfg OutboundConfig) *link {
	return &link{
		kind:      outboundLink,
		peer:      cfg.Peer.Bare(),
		mode:      cfg.Mode,
		occupants: make(map[string]jid.JID),
	}
}

func (l *link) config() OutboundConfig {
	return OutboundConfig{Peer: l.peer, Mode: l.mode}
}

// add attributes an occupant to the peer.
// The peer itself is never an occupant.
func (l *link) add(occ jid.JID) bool {
	if occ.Equal(l.peer) {
		return false
	}
	k := occ.String()
	if _, ok := l.occupants[k]; ok {
		return false
	}
	l.occupants[k] = occ
	return true
}

func (l *link) remove(occ jid.JID) bool {
	k := occ.String()
	if _, ok := l.occupants[k]; !ok {
		return false
	}
	delete(l.occupants, k)
	return true
}

func (l *link) has(occ jid.JID) bool {
	_, ok := l.occupants[occ.String()]
	return ok
}

func (l *link) list() []jid.JID {
	out := make([]jid.JID, 0, len(l.occupants))
	for _, j := range l.occupants {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// wants reports whether traffic authored by an occupant with the given
// reported origin must be forwarded to the peer.
// Traffic is never sent back to the node it came from, but a master-slave
// joined node receives everything since it has to echo it.
func (l *link) wants(origin jid.JID) bool {
	if l.kind == outboundLink && l.mode == MasterSlave {
		return true
	}
	if origin.Equal(jid.JID{}) {
		return true
	}
	return !l.has(origin) && !origin.Equal(l.peer)
}

// echo is a stanza sent to a master-slave peer that has not come back yet.
type echo struct {
	kind    string
	peer    jid.JID
	payload []packet.Element
	future  *Future
}

func (e *echo) matches(p packet.Packet) bool {
	return p.XMLName.Local == e.kind &&
		p.From.Bare().Equal(e.peer) &&
		packet.EqualElements(e.payload, p.Payload)
}

// maxPendingEchoes is the number of unechoed stanzas kept per joined node.
const maxPendingEchoes = 256

// expect registers f to be resolved when sent is echoed by the peer.
// If too many echoes are pending the oldest ones are failed with
// ErrEchoDropped and their number is returned.
func (l *link) expect(sent packet.Packet, f *Future) int {
	l.echoes = append(l.echoes, &echo{
		kind:    sent.XMLName.Local,
		peer:    sent.To.Bare(),
		payload: sent.Copy().Payload,
		future:  f,
	})
	n := len(l.echoes) - maxPendingEchoes
	if n <= 0 {
		return 0
	}
	for _, e := range l.echoes[:n] {
		e.future.resolve(ErrEchoDropped)
	}
	l.echoes = append(l.echoes[:0], l.echoes[n:]...)
	return n
}

// matchEcho resolves the oldest pending echo that p matches and reports
// whether there was one.
func (l *link) matchEcho(p packet.Packet) bool {
	for i, e := range l.echoes {
		if !e.matches(p) {
			continue
		}
		l.echoes = append(l.echoes[:i], l.echoes[i+1:]...)
		e.future.resolve(nil)
		return true
	}
	return false
}

// closeEchoes resolves every pending echo with err and returns how many there
// were.
func (l *link) closeEchoes(err error) int {
	n := len(l.echoes)
	for _, e := range l.echoes {
		e.future.resolve(err)
	}
	l.echoes = nil
	return n
}
