// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"mellium.im/fmuc/packet"
)

var errNotRoom = errors.New("fmuc: stanza was not sent by a room")

// Process handles a stanza addressed to the room by a federated node.
//
// It returns an error wrapping ErrMalformed if the stanza lacks the fmuc
// element or its author cannot be determined.
// Every other problem is logged and the stanza dropped.
func (h *Handler) Process(ctx context.Context, p packet.Packet) error {
	h.mu.Lock()
	defer h.unlock(ctx)

	if !h.enabled() {
		h.processDisabled(p)
		return nil
	}
	if !HasEnvelope(p) {
		return h.malformed(p, ErrMissingEnvelope)
	}
	if p.From.Localpart() == "" {
		return h.malformed(p, errNotRoom)
	}
	peer := p.From.Bare()

	if n := h.negotiation; n != nil && n.peer.Equal(peer) {
		if n.addResponse(p) {
			h.finishNegotiation(n)
		}
		return nil
	}
	if l := h.outbound; l != nil && l.peer.Equal(peer) {
		if IsLeft(p) {
			h.processLeft(l)
			return nil
		}
		if l.matchEcho(p) {
			h.metrics.echoMatched()
			h.logger.Debug("echo received",
				zap.String("stanza", p.XMLName.Local),
				zap.Stringer("from", p.From))
			return nil
		}
		return h.processTraffic(p, l)
	}
	if l, ok := h.inbound[peer.String()]; ok {
		if IsLeft(p) {
			h.processLeft(l)
			return nil
		}
		return h.processTraffic(p, l)
	}
	if IsJoinRequest(p) {
		return h.processJoinRequest(p)
	}

	h.logger.Debug("ignoring stanza from node that is not federated with the room",
		zap.String("stanza", p.XMLName.Local),
		zap.Stringer("from", p.From))
	if p.IsRequest() {
		h.replyUnavailable(p)
	}
	return nil
}

func (h *Handler) processDisabled(p packet.Packet) {
	switch {
	case IsJoinRequest(p):
		h.logger.Info("rejecting join request, federation is disabled",
			zap.Stringer("peer", p.From.Bare()))
		h.metrics.joinRequest(false)
		h.send(rejectNotice(h.room.Addr().Bare(), p.From, ReasonDisabled))
	case p.IsRequest():
		h.replyUnavailable(p)
	default:
		h.logger.Debug("ignoring federated stanza, federation is disabled",
			zap.Stringer("from", p.From))
	}
}

func (h *Handler) malformed(p packet.Packet, err error) error {
	if !errors.Is(err, ErrMalformed) {
		err = fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	h.metrics.malformed()
	h.logger.Error("dropping federated stanza",
		zap.String("stanza", p.XMLName.Local),
		zap.Stringer("from", p.From),
		zap.Error(err))
	return err
}

func (h *Handler) replyUnavailable(p packet.Packet) {
	reply, err := Strip(p).ErrorReply(stanza.Error{
		Type:      stanza.Cancel,
		Condition: stanza.ServiceUnavailable,
	})
	if err != nil {
		h.logger.Error("error building error reply", zap.Error(err))
		return
	}
	h.send(reply)
}

// finishNegotiation turns a negotiation that reached a result into an
// outbound link, or fails everyone waiting on it.
func (h *Handler) finishNegotiation(n *negotiation) {
	h.negotiation = nil
	queue := n.purge()
	h.metrics.negotiation(n.result)

	if n.result == joinRejected {
		err := &RejectedError{Peer: n.peer, Reason: n.rejectionReason()}
		h.logger.Info("outbound join rejected",
			zap.Stringer("peer", n.peer),
			zap.String("reason", err.Reason))
		for _, q := range queue {
			q.future.resolve(err)
		}
		n.future.resolve(err)
		return
	}

	cfg := OutboundConfig{Peer: n.peer, Mode: n.mode}
	if h.config != nil && h.config.Peer.Equal(n.peer) {
		cfg = *h.config
	}
	l := newOutbound(cfg)
	h.outbound = l
	h.metrics.linkAdded(outboundLink)
	h.logger.Info("joined federation",
		zap.Stringer("peer", l.peer),
		zap.Stringer("mode", l.mode),
		zap.Int("responses", len(n.responses)))

	// The roster is attributed before it is applied so that the join of one
	// remote occupant is never mistaken for a local one.
	for _, r := range n.responses {
		if !r.IsAvailable() {
			continue
		}
		origin, err := Origin(r)
		if err != nil {
			h.logger.Warn("join response without origin", zap.Error(err))
			continue
		}
		l.add(origin)
	}
	sender := roomOccupant(h.room.Addr(), n.peer)
	for _, r := range n.responses {
		if err := h.applyResponse(r, sender); err != nil {
			h.logger.Warn("error applying join response",
				zap.String("stanza", r.XMLName.Local),
				zap.Stringer("from", r.From),
				zap.Error(err))
		}
	}

	n.future.resolve(nil)
	for _, q := range queue {
		if !l.wants(q.sender.Origin) {
			q.future.resolve(nil)
			continue
		}
		h.sendOutbound(q.packet, q.sender, q.future)
	}
}

func (h *Handler) applyResponse(r packet.Packet, sender Occupant) error {
	switch {
	case r.IsAvailable():
		return h.mirrorJoin(r)
	case IsSubject(r):
		return h.room.SetSubject(h.localize(r, r.From.Resourcepart()), sender)
	case r.IsMessage():
		if _, ok := r.Body(); ok {
			return h.addRemoteHistory(r)
		}
	}
	h.logger.Debug("ignoring join response",
		zap.String("stanza", r.XMLName.Local),
		zap.Stringer("from", r.From))
	return nil
}

// localize strips the fmuc element from p and addresses it as if nick had
// sent it to this room.
func (h *Handler) localize(p packet.Packet, nick string) packet.Packet {
	out := Strip(p)
	out.From = h.roleAddr(nick)
	out.To = h.room.Addr().Bare()
	return out
}

func (h *Handler) addRemoteHistory(r packet.Packet) error {
	origin, err := Origin(r)
	if err != nil {
		return err
	}
	nick := r.From.Resourcepart()
	var sent time.Time
	if el, ok := r.Find(delay.NS, "delay"); ok {
		var d delay.Delay
		err := xml.NewTokenDecoder(el.TokenReader()).Decode(&d)
		if err != nil {
			h.logger.Warn("bad delay in history", zap.String("nick", nick), zap.Error(err))
		}
		sent = d.Time
	}
	if sent.IsZero() {
		h.logger.Warn("history message without timestamp", zap.String("nick", nick))
	}
	return h.room.AddHistory(HistoryEntry{
		Author:  origin,
		Nick:    nick,
		Sent:    sent,
		Message: h.localize(r, nick),
	})
}

// mirrorJoin adds the author of the available presence p to the room.
func (h *Handler) mirrorJoin(p packet.Packet) error {
	origin, err := Origin(p)
	if err != nil {
		return err
	}
	nick := p.From.Resourcepart()
	if nick == "" {
		return fmt.Errorf("fmuc: join of %s has no nickname", origin)
	}
	occ := Occupant{
		Nick:        nick,
		JID:         origin,
		Origin:      origin,
		Role:        muc.RoleParticipant,
		Affiliation: muc.AffiliationNone,
		Presence:    h.localize(p, nick),
	}
	item, ok := userItem(p)
	if !ok {
		h.logger.Info("remote occupant without role or affiliation, using defaults",
			zap.String("nick", nick))
	} else {
		occ.Role, occ.Affiliation = h.parseItem(item, nick)
	}
	return h.room.MirrorJoin(occ)
}

func userItem(p packet.Packet) (packet.Element, bool) {
	x, ok := p.Find(muc.NSUser, "x")
	if !ok {
		return packet.Element{}, false
	}
	return x.Find(muc.NSUser, "item")
}

func (h *Handler) parseItem(item packet.Element, nick string) (muc.Role, muc.Affiliation) {
	role := muc.RoleParticipant
	if err := role.UnmarshalXMLAttr(xml.Attr{Value: item.AttrValue("role")}); err != nil {
		h.logger.Info("unknown role, using participant",
			zap.String("nick", nick),
			zap.String("role", item.AttrValue("role")))
		role = muc.RoleParticipant
	}
	aff := muc.AffiliationNone
	if err := aff.UnmarshalXMLAttr(xml.Attr{Value: item.AttrValue("affiliation")}); err != nil {
		h.logger.Info("unknown affiliation, using none",
			zap.String("nick", nick),
			zap.String("affiliation", item.AttrValue("affiliation")))
		aff = muc.AffiliationNone
	}
	return role, aff
}

// processLeft drops a link whose peer announced that it left the federation.
func (h *Handler) processLeft(l *link) {
	h.logger.Info("federated node left", zap.Stringer("peer", l.peer), zap.Stringer("link", l.kind))
	if l.kind == outboundLink {
		h.outbound = nil
		if n := l.closeEchoes(ErrLinkClosed); n > 0 {
			h.metrics.echoes(-n)
		}
	} else {
		delete(h.inbound, l.peer.String())
	}
	h.metrics.linkRemoved(l.kind)
	h.removeRemote(l.list())
}

// isLocal reports whether addr is an occupant hosted by this node.
func (h *Handler) isLocal(addr jid.JID) bool {
	occ, ok := h.room.OccupantByJID(addr)
	return ok && !occ.Remote()
}

// attributedElsewhere reports whether addr joined through a link other than
// l.
func (h *Handler) attributedElsewhere(addr jid.JID, l *link) bool {
	for _, other := range h.links() {
		if other != l && other.has(addr) {
			return true
		}
	}
	return false
}

// processTraffic applies ordinary traffic received on an established link.
func (h *Handler) processTraffic(p packet.Packet, l *link) error {
	origin, err := Origin(p)
	if err != nil {
		return h.malformed(p, err)
	}
	switch {
	case p.IsUnavailable():
		h.remoteLeave(p, l, origin)
	case p.IsAvailable():
		h.remoteJoin(p, l, origin)
	case p.IsPresence():
		h.logger.Error("presence updates from federated nodes are not supported",
			zap.String("type", p.Type),
			zap.Stringer("from", p.From))
	default:
		h.remoteTraffic(p, l, origin)
	}
	return nil
}

func (h *Handler) remoteJoin(p packet.Packet, l *link, origin jid.JID) {
	if h.isLocal(origin) || h.attributedElsewhere(origin, l) {
		h.logger.Debug("dropping echoed join", zap.Stringer("origin", origin))
		return
	}
	if !l.add(origin) {
		// An available presence from someone already here is a status change.
		h.logger.Error("presence updates from federated nodes are not supported",
			zap.String("type", p.Type),
			zap.Stringer("from", p.From))
		return
	}
	if err := h.mirrorJoin(p); err != nil {
		l.remove(origin)
		h.logger.Warn("error adding federated occupant",
			zap.Stringer("origin", origin),
			zap.Error(err))
		return
	}
	h.relay(p, l, origin, true)
}

func (h *Handler) remoteLeave(p packet.Packet, l *link, origin jid.JID) {
	if !l.has(origin) {
		h.logger.Debug("dropping leave of occupant not joined through peer",
			zap.Stringer("origin", origin),
			zap.Stringer("peer", l.peer))
		return
	}
	// The occupant must still be attributed to the peer while it is removed.
	occ, ok := h.room.OccupantByJID(origin)
	if ok {
		occ.Presence = h.localize(p, occ.Nick)
		if err := h.room.MirrorLeave(occ); err != nil {
			h.logger.Warn("error removing federated occupant",
				zap.Stringer("origin", origin),
				zap.Error(err))
		}
	} else {
		h.logger.Warn("federated occupant left but was not in the room",
			zap.Stringer("origin", origin))
	}
	l.remove(origin)
	h.relay(p, l, origin, true)

	if l.kind == inboundLink && len(l.occupants) == 0 {
		h.logger.Info("last occupant of joining node left",
			zap.Stringer("peer", l.peer))
		delete(h.inbound, l.peer.String())
		h.metrics.linkRemoved(inboundLink)
		h.send(leftNotice(h.room.Addr().Bare(), l.peer))
	}
}

func (h *Handler) remoteTraffic(p packet.Packet, l *link, origin jid.JID) {
	var sender Occupant
	switch occ, ok := h.room.OccupantByJID(origin); {
	case origin.Equal(l.peer):
		sender = roomOccupant(h.room.Addr(), l.peer)
	case ok && occ.Remote() && l.has(origin):
		sender = occ
	default:
		h.logger.Debug("dropping traffic not authored through peer",
			zap.String("stanza", p.XMLName.Local),
			zap.Stringer("origin", origin),
			zap.Stringer("peer", l.peer))
		return
	}
	if err := h.room.Deliver(h.localize(p, sender.Nick), sender); err != nil {
		h.logger.Warn("error delivering federated stanza",
			zap.String("stanza", p.XMLName.Local),
			zap.Stringer("origin", origin),
			zap.Error(err))
	}
	h.relay(p, l, origin, true)
}

// relay forwards traffic received on src to every other link that does not
// know about it yet.
// Traffic from a joining node is also echoed back to it since a joined node
// is the arbiter of ordering for its joining nodes.
func (h *Handler) relay(p packet.Packet, src *link, origin jid.JID, echo bool) {
	if p.IsIQ() {
		return
	}
	nick := p.From.Resourcepart()
	for _, l := range h.links() {
		if l == src || !l.wants(origin) {
			continue
		}
		out := p.Copy()
		out.From = h.roleAddr(nick)
		out.To = h.linkAddr(l, nick)
		h.metrics.propagated(l.kind)
		h.send(out)
	}
	if echo && src.kind == inboundLink {
		out := p.Copy()
		out.From = h.roleAddr(nick)
		out.To = src.peer
		h.send(out)
	}
}

func (h *Handler) joinPrecondition(peer jid.JID) string {
	if h.config != nil && h.config.Peer.Equal(peer) {
		return ReasonCircular
	}
	return ""
}

// processJoinRequest accepts or refuses a node asking to join the room.
func (h *Handler) processJoinRequest(p packet.Packet) error {
	peer := p.From.Bare()
	if reason := h.joinPrecondition(peer); reason != "" {
		h.logger.Info("rejecting join request",
			zap.Stringer("peer", peer),
			zap.String("reason", reason))
		h.metrics.joinRequest(false)
		h.send(rejectNotice(h.room.Addr().Bare(), p.From, reason))
		return nil
	}
	origin, err := Origin(p)
	if err != nil {
		return h.malformed(p, err)
	}
	// The occupant is admitted before the link exists so that a refusal can
	// still be answered with a reject instead of a subject.
	if err := h.mirrorJoin(p); err != nil {
		h.logger.Info("rejecting join request, occupant refused by the room",
			zap.Stringer("peer", peer),
			zap.Stringer("origin", origin),
			zap.Error(err))
		h.metrics.joinRequest(false)
		h.send(rejectNotice(h.room.Addr().Bare(), p.From, ReasonOccupantRefused))
		return nil
	}

	l := newInbound(peer)
	l.add(origin)
	h.inbound[peer.String()] = l
	h.metrics.linkAdded(inboundLink)
	h.metrics.joinRequest(true)
	h.logger.Info("accepted joining node",
		zap.Stringer("peer", peer),
		zap.Stringer("origin", origin))

	h.sendRoster(l)
	h.sendHistory(l)
	h.sendSubject(l)
	h.relay(p, l, origin, false)
	return nil
}

func (h *Handler) sendRoster(l *link) {
	for _, occ := range h.room.Occupants() {
		if l.has(originOf(occ)) || occ.Origin.Equal(l.peer) {
			continue
		}
		p := packet.NewPresence(h.roleAddr(occ.Nick), l.peer, "", h.userX(occ, occ.Role))
		h.send(Enrich(p, originOf(occ)))
	}
}

func (h *Handler) sendHistory(l *link) {
	for _, e := range h.room.History() {
		msg := e.Message.Copy()
		if _, ok := msg.Find(delay.NS, "delay"); !ok {
			d, err := packet.FromMarshaler(delay.Delay{From: h.room.Addr().Bare(), Time: e.Sent})
			if err != nil {
				h.logger.Warn("error stamping history", zap.Error(err))
			} else {
				msg.Payload = append(msg.Payload, d)
			}
		}
		msg = Enrich(msg, e.Author)
		msg.From = h.roleAddr(e.Nick)
		msg.To = l.peer
		h.send(msg)
	}
}

// sendSubject sends the subject, which tells the joining node that the join
// is complete.
func (h *Handler) sendSubject(l *link) {
	var msg packet.Packet
	if entry, ok := h.room.Subject(); ok {
		msg = Enrich(entry.Message.Without("", "body"), entry.Author)
		msg.From = h.roleAddr(entry.Nick)
	} else {
		msg = packet.NewMessage(h.room.Addr().Bare(), l.peer, stanza.GroupChatMessage,
			packet.NewElement(xml.Name{Local: "subject"}))
		msg.ID = uuid.NewString()
		msg = Enrich(msg, h.room.Addr().Bare())
	}
	if _, ok := msg.Subject(); !ok {
		msg.Payload = append(msg.Payload, packet.NewElement(xml.Name{Local: "subject"}))
	}
	msg.To = l.peer
	h.send(msg)
}
