// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"context"
	"encoding/xml"
	"sort"
	"sync"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"mellium.im/fmuc/packet"
)

const disconnectStatus = "FMUC node disconnect"

// Handler federates one room with its peers.
//
// A room has at most one outbound link (or one join negotiation that may
// become the outbound link) and any number of inbound links, one per joining
// peer.
// All state is guarded by a single mutex so that the handler behaves as a
// serialized actor per room.
// Stanzas produced while the lock is held are queued and handed to the
// Router, in order, once it is released.
type Handler struct {
	room    Room
	router  Router
	sw      *Switch
	logger  *zap.Logger
	metrics *Metrics

	mu          sync.Mutex
	started     bool
	config      *OutboundConfig
	negotiation *negotiation
	outbound    *link
	inbound     map[string]*link
	outbox      []packet.Packet

	// sent is closed once the last batch taken from the outbox has been handed
	// to the router. Each batch waits for the one before it, outside of mu, so
	// stanzas leave in the order the state changes producing them were made.
	sent chan struct{}
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used by the handler.
// The room address is added to every entry.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithMetrics records the activity of the handler in m.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// New returns a handler for room that sends stanzas with router.
// Federation is only active while both sw and the room allow it; a nil Switch
// is always on.
//
// The Router must not call back into the handler from Send.
func New(room Room, router Router, sw *Switch, opts ...Option) *Handler {
	sent := make(chan struct{})
	close(sent)
	h := &Handler{
		room:    room,
		router:  router,
		sw:      sw,
		logger:  zap.NewNop(),
		inbound: make(map[string]*link),
		sent:    sent,
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With(zap.Stringer("room", room.Addr().Bare()))
	return h
}

// unlock releases the state lock and sends everything queued while it was
// held.
// A stalled router delays the callers that have something to send, never the
// state lock.
func (h *Handler) unlock(ctx context.Context) {
	out := h.outbox
	h.outbox = nil
	if len(out) == 0 {
		h.mu.Unlock()
		return
	}
	prev, done := h.sent, make(chan struct{})
	h.sent = done
	h.mu.Unlock()

	if !waitTurn(ctx, prev) {
		h.logger.Warn("dropping stanzas, earlier stanzas are still being sent",
			zap.Int("count", len(out)),
			zap.Error(ctx.Err()))
		go func() {
			<-prev
			close(done)
		}()
		return
	}
	defer close(done)

	for _, p := range out {
		err := h.router.Send(ctx, p.TokenReader())
		if err != nil {
			h.logger.Warn("error sending stanza",
				zap.String("stanza", p.XMLName.Local),
				zap.Stringer("to", p.To),
				zap.Error(err))
		}
	}
}

// waitTurn waits for prev to be closed and reports whether it was before ctx
// was done.
func waitTurn(ctx context.Context, prev <-chan struct{}) bool {
	select {
	case <-prev:
		return true
	default:
	}
	select {
	case <-prev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Handler) send(p packet.Packet) {
	h.outbox = append(h.outbox, p)
}

func (h *Handler) enabled() bool {
	return h.sw.Enabled() && h.room.FederationEnabled()
}

// withNick returns addr with nick as its resourcepart, or the bare addr if
// nick is empty.
func (h *Handler) withNick(addr jid.JID, nick string) jid.JID {
	addr = addr.Bare()
	if nick == "" {
		return addr
	}
	j, err := addr.WithResource(nick)
	if err != nil {
		h.logger.Warn("invalid nickname", zap.String("nick", nick), zap.Error(err))
		return addr
	}
	return j
}

func (h *Handler) roleAddr(nick string) jid.JID {
	return h.withNick(h.room.Addr(), nick)
}

// linkAddr is where stanzas authored by nick are sent on l.
// The joined node is addressed like any MUC service, joining nodes by their
// bare room address.
func (h *Handler) linkAddr(l *link, nick string) jid.JID {
	if l.kind == outboundLink {
		return h.withNick(l.peer, nick)
	}
	return l.peer
}

// links returns every established link, the outbound link first and inbound
// links ordered by peer.
func (h *Handler) links() []*link {
	out := make([]*link, 0, len(h.inbound)+1)
	if h.outbound != nil {
		out = append(out, h.outbound)
	}
	return append(out, h.inboundLinks()...)
}

func (h *Handler) inboundLinks() []*link {
	keys := make([]string, 0, len(h.inbound))
	for k := range h.inbound {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*link, 0, len(keys))
	for _, k := range keys {
		out = append(out, h.inbound[k])
	}
	return out
}

// ApplyConfiguration reconciles the outbound slot with desired.
// A nil config means the room should not join any peer.
// Applying the same configuration again has no further effect.
func (h *Handler) ApplyConfiguration(ctx context.Context, desired *OutboundConfig) {
	h.mu.Lock()
	defer h.unlock(ctx)

	desired = cloneConfig(desired)
	if !h.enabled() {
		h.config = desired
		if h.started {
			h.logger.Info("federation disabled, leaving all peers")
			h.stop()
		}
		return
	}
	if !h.started {
		h.started = true
		h.config = desired
		h.logger.Debug("starting federation", zap.Stringer("outbound", desired))
		h.startOutbound()
		return
	}

	if n := h.negotiation; n != nil && (desired == nil || !n.peer.Equal(desired.Peer)) {
		h.logger.Info("outbound peer changed while joining, aborting join",
			zap.Stringer("peer", n.peer))
		h.abortNegotiation(ErrAborted)
	}

	switch {
	case h.config == nil && desired == nil:
	case h.config == nil:
		h.config = desired
		h.startOutbound()
	case desired == nil:
		h.config = nil
		h.removeRemote(h.stopOutbound())
	case h.outbound != nil:
		if h.outbound.config().Equal(*desired) {
			h.config = desired
			return
		}
		h.logger.Info("outbound configuration changed, rejoining",
			zap.Stringer("old", h.outbound.config()),
			zap.Stringer("new", desired))
		h.removeRemote(h.stopOutbound())
		h.config = desired
		h.startOutbound()
	default:
		if equalConfig(h.config, desired) {
			return
		}
		h.config = desired
		if h.negotiation == nil {
			h.startOutbound()
		}
	}
}

// StartOutbound joins every current occupant to the configured peer.
// It is used when federation is turned on while the room is not empty.
func (h *Handler) StartOutbound(ctx context.Context) {
	h.mu.Lock()
	defer h.unlock(ctx)
	h.startOutbound()
}

func (h *Handler) startOutbound() {
	if h.config == nil {
		return
	}
	occupants := h.room.Occupants()
	if len(occupants) == 0 {
		h.logger.Debug("room is empty, outbound join deferred until the first occupant arrives")
		return
	}
	for _, occ := range occupants {
		if occ.Remote() {
			continue
		}
		h.join(occ, false, true).Then(func(err error) {
			if err != nil {
				h.logger.Warn("occupant did not join federation",
					zap.String("nick", occ.Nick),
					zap.Error(err))
			}
		})
	}
}

// Stop leaves every peer and removes every occupant that joined through
// them from the room.
// An occupant attributed to more than one link is removed once.
func (h *Handler) Stop(ctx context.Context) {
	h.mu.Lock()
	defer h.unlock(ctx)
	h.stop()
}

func (h *Handler) stop() {
	removed := h.stopInbound(func(*link) bool { return true })
	removed = append(removed, h.stopOutbound()...)
	h.removeRemote(removed)
	h.started = false
}

// StopInbound tells every joining peer that it left the federation.
func (h *Handler) StopInbound(ctx context.Context) {
	h.mu.Lock()
	defer h.unlock(ctx)
	h.removeRemote(h.stopInbound(func(*link) bool { return true }))
}

// StopInboundPeer tells the joining peer that it left the federation.
// It does nothing if peer has not joined this room.
func (h *Handler) StopInboundPeer(ctx context.Context, peer jid.JID) {
	h.mu.Lock()
	defer h.unlock(ctx)
	peer = peer.Bare()
	h.removeRemote(h.stopInbound(func(l *link) bool {
		return l.peer.Equal(peer)
	}))
}

func (h *Handler) stopInbound(match func(*link) bool) []jid.JID {
	var removed []jid.JID
	for _, l := range h.inboundLinks() {
		if !match(l) {
			continue
		}
		delete(h.inbound, l.peer.String())
		h.metrics.linkRemoved(inboundLink)
		h.logger.Info("leaving joining node", zap.Stringer("peer", l.peer))
		h.send(leftNotice(h.room.Addr().Bare(), l.peer))
		removed = append(removed, l.list()...)
	}
	return removed
}

// StopOutbound leaves the joined node and removes every occupant that joined
// through it from the room.
func (h *Handler) StopOutbound(ctx context.Context) {
	h.mu.Lock()
	defer h.unlock(ctx)
	h.removeRemote(h.stopOutbound())
}

// stopOutbound aborts any negotiation, tells the joined node that every
// occupant contributed by this room left, and returns the occupants that were
// attributed to the link.
func (h *Handler) stopOutbound() []jid.JID {
	h.abortNegotiation(ErrAborted)
	l := h.outbound
	if l == nil {
		return nil
	}
	h.outbound = nil
	h.metrics.linkRemoved(outboundLink)
	if n := l.closeEchoes(ErrLinkClosed); n > 0 {
		h.metrics.echoes(-n)
		h.logger.Debug("released pending echoes", zap.Int("count", n))
	}
	h.logger.Info("leaving joined node", zap.Stringer("peer", l.peer))
	for _, occ := range h.room.Occupants() {
		if occ.Remote() && (l.has(occ.Origin) || occ.Origin.Equal(l.peer)) {
			continue
		}
		leave := packet.NewPresence(h.roleAddr(occ.Nick), h.linkAddr(l, occ.Nick),
			stanza.UnavailablePresence, h.userX(occ, muc.RoleNone))
		h.send(Enrich(leave, originOf(occ)))
	}
	return l.list()
}

// AbortOutboundJoin cancels an outbound join in progress.
// The caller of the join and everyone queued behind it receive ErrAborted.
// It does nothing if no join is in progress.
func (h *Handler) AbortOutboundJoin(ctx context.Context) {
	h.mu.Lock()
	defer h.unlock(ctx)
	h.abortNegotiation(ErrAborted)
}

func (h *Handler) abortNegotiation(err error) {
	n := h.negotiation
	if n == nil {
		return
	}
	h.negotiation = nil
	n.abort(err)
	h.metrics.negotiationAborted()
	h.logger.Info("outbound join aborted", zap.Stringer("peer", n.peer), zap.Error(err))
	// The joined node may already consider us joined.
	h.send(leftNotice(h.room.Addr().Bare(), n.peer))
}

// removeRemote removes the given remote occupants from the room on behalf of
// a peer that is gone.
func (h *Handler) removeRemote(addrs []jid.JID) {
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		k := addr.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		occ, ok := h.room.OccupantByJID(addr)
		if !ok {
			h.logger.Warn("federated occupant already gone", zap.Stringer("jid", addr))
			continue
		}
		occ.Presence = packet.NewPresence(h.roleAddr(occ.Nick), h.room.Addr().Bare(),
			stanza.UnavailablePresence,
			packet.NewElement(xml.Name{Local: "status"}).WithText(disconnectStatus))
		if err := h.room.MirrorLeave(occ); err != nil {
			h.logger.Warn("error removing federated occupant",
				zap.String("nick", occ.Nick),
				zap.Error(err))
		}
	}
}

// LinkInfo describes an established link.
type LinkInfo struct {
	Peer jid.JID

	// Mode is only meaningful for the outbound link.
	Mode Mode

	// Occupants are the remote occupants attributed to the peer.
	Occupants []jid.JID

	PendingEchoes int
}

func (l *link) info() LinkInfo {
	return LinkInfo{
		Peer:          l.peer,
		Mode:          l.mode,
		Occupants:     l.list(),
		PendingEchoes: len(l.echoes),
	}
}

// NegotiationInfo describes an outbound join in progress.
type NegotiationInfo struct {
	Peer      jid.JID
	Mode      Mode
	Responses int
	Queued    int
}

// Config returns the desired outbound configuration, if any.
func (h *Handler) Config() (OutboundConfig, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.config == nil {
		return OutboundConfig{}, false
	}
	return *h.config, true
}

// Outbound returns the established outbound link, if any.
func (h *Handler) Outbound() (LinkInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outbound == nil {
		return LinkInfo{}, false
	}
	return h.outbound.info(), true
}

// Negotiation returns the outbound join in progress, if any.
func (h *Handler) Negotiation() (NegotiationInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.negotiation
	if n == nil {
		return NegotiationInfo{}, false
	}
	return NegotiationInfo{
		Peer:      n.peer,
		Mode:      n.mode,
		Responses: len(n.responses),
		Queued:    len(n.queue),
	}, true
}

// Inbound returns the links of every accepted joining peer ordered by peer.
func (h *Handler) Inbound() []LinkInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	links := h.inboundLinks()
	out := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		out = append(out, l.info())
	}
	return out
}
