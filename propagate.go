// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"context"
	"encoding/xml"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"

	"mellium.im/fmuc/packet"
)

// originOf is the address put in the fmuc element of stanzas authored by occ.
func originOf(occ Occupant) jid.JID {
	if occ.Remote() {
		return occ.Origin
	}
	return occ.JID
}

// userX returns the muc#user payload describing occ with the given role.
// The real address is only included if the room shows it to everyone.
func (h *Handler) userX(occ Occupant, role muc.Role) packet.Element {
	item := packet.NewElement(xml.Name{Space: muc.NSUser, Local: "item"}).
		WithAttr("affiliation", occ.Affiliation.String()).
		WithAttr("role", role.String())
	if h.room.JIDVisibleToAll() {
		item = item.WithAttr("jid", originOf(occ).String())
	}
	return packet.NewElement(xml.Name{Space: muc.NSUser, Local: "x"}, item)
}

// joinStanza is the presence announcing occ to federated nodes.
func (h *Handler) joinStanza(occ Occupant) packet.Packet {
	p := packet.NewPresence(jid.JID{}, jid.JID{}, "")
	if occ.Presence.IsPresence() {
		p.Payload = Strip(occ.Presence).
			Without(muc.NS, "x").
			Without(muc.NSUser, "x").
			Payload
	}
	return p.With(
		packet.NewElement(xml.Name{Space: muc.NS, Local: "x"}),
		h.userX(occ, occ.Role),
	)
}

// Join federates the arrival of occ in the room.
//
// The returned future resolves once every federated node that has to be told
// before the occupant may be admitted has been told: immediately unless the
// room joins its peer in master-slave mode.
func (h *Handler) Join(ctx context.Context, occ Occupant) *Future {
	h.mu.Lock()
	defer h.unlock(ctx)
	return h.join(occ, true, true)
}

func (h *Handler) join(occ Occupant, inbound, outbound bool) *Future {
	if !h.enabled() {
		return resolved()
	}
	p := h.joinStanza(occ)
	out, in := resolved(), resolved()
	if outbound {
		out = h.joinOutbound(p, occ)
	}
	if inbound {
		in = h.propagateInbound(p, occ)
	}
	return All(out, in)
}

func (h *Handler) joinOutbound(p packet.Packet, occ Occupant) *Future {
	switch {
	case h.config == nil:
		return resolved()
	case h.negotiation != nil:
		h.logger.Debug("outbound join in progress, queueing join",
			zap.String("nick", occ.Nick))
		return h.negotiation.enqueue(p, occ)
	case h.outbound == nil:
		return h.initiate(p, occ)
	}
	if !h.outbound.peer.Equal(h.config.Peer) {
		h.logger.Warn("joined to a different node than configured",
			zap.Stringer("peer", h.outbound.peer),
			zap.Stringer("configured", h.config.Peer))
	}
	return h.propagateOutbound(p, occ)
}

// initiate sends the first join to the configured peer.
func (h *Handler) initiate(p packet.Packet, occ Occupant) *Future {
	cfg := *h.config
	f := resolved()
	if cfg.Mode == MasterSlave {
		f = newFuture(JoinWait)
	}
	h.negotiation = newNegotiation(cfg, f)

	req := Enrich(p, originOf(occ))
	req.From = h.roleAddr(occ.Nick)
	req.To = h.withNick(cfg.Peer, occ.Nick)
	h.logger.Info("joining federation",
		zap.Stringer("peer", cfg.Peer),
		zap.Stringer("mode", cfg.Mode),
		zap.String("nick", occ.Nick))
	h.send(req)
	return f
}

// Propagate federates p authored by sender.
// The returned future resolves once p has been sent to every joining node and
// either sent to or, in master-slave mode, echoed by the joined node.
func (h *Handler) Propagate(ctx context.Context, p packet.Packet, sender Occupant) *Future {
	h.mu.Lock()
	defer h.unlock(ctx)
	if !h.enabled() {
		return resolved()
	}
	return All(h.propagateOutbound(p, sender), h.propagateInbound(p, sender))
}

func (h *Handler) propagateOutbound(p packet.Packet, sender Occupant) *Future {
	l := h.outbound
	if l == nil {
		if h.negotiation != nil {
			return h.negotiation.enqueue(p, sender)
		}
		return resolved()
	}
	if !l.wants(sender.Origin) {
		return resolved()
	}
	f := resolved()
	if l.mode == MasterSlave {
		f = newFuture(EchoWait)
	}
	return h.sendOutbound(p, sender, f)
}

// sendOutbound sends p to the joined node and arranges for f to be resolved
// when p is echoed, or right away in master-master mode.
func (h *Handler) sendOutbound(p packet.Packet, sender Occupant, f *Future) *Future {
	l := h.outbound
	out := Enrich(p, originOf(sender))
	out.From = h.roleAddr(sender.Nick)
	out.To = h.linkAddr(l, sender.Nick)
	if l.mode == MasterSlave {
		dropped := l.expect(out, f)
		h.metrics.echoes(1 - dropped)
		if dropped > 0 {
			h.logger.Warn("joined node is not echoing, giving up on oldest stanza",
				zap.Stringer("peer", l.peer),
				zap.Int("pending", len(l.echoes)))
		}
	} else {
		f.resolve(nil)
	}
	h.metrics.propagated(outboundLink)
	h.send(out)
	return f
}

// propagateInbound sends p to every joining node that does not already know
// about it.
// Joining nodes never acknowledge traffic so the future is always resolved.
func (h *Handler) propagateInbound(p packet.Packet, sender Occupant) *Future {
	for _, l := range h.inboundLinks() {
		if !l.wants(sender.Origin) {
			continue
		}
		out := Enrich(p, originOf(sender))
		out.From = h.roleAddr(sender.Nick)
		out.To = h.linkAddr(l, sender.Nick)
		h.metrics.propagated(inboundLink)
		h.send(out)
	}
	return resolved()
}
