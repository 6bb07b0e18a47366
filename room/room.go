// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package room implements an in-memory multi-user chat room that can be
// federated with rooms on other services.
//
// A Room keeps its occupants, history, and subject in memory and hands every
// local change to an fmuc.Handler before broadcasting it, waiting a bounded
// amount of time for federated nodes that have to see it first.
// Changes learned from federated nodes reach the Room through the fmuc.Room
// interface.
package room // import "mellium.im/fmuc/room"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/secure/precis"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"mellium.im/fmuc"
	"mellium.im/fmuc/packet"
)

// Defaults used for zero values in Config.
const (
	DefaultMaxHistory  = 20
	DefaultJoinTimeout = 10 * time.Second
)

// Errors returned by local room operations.
var (
	ErrNickInUse    = errors.New("room: nickname already in use")
	ErrNotOccupant  = errors.New("room: not an occupant")
	ErrNoNick       = errors.New("room: no nickname given")
	ErrBadNick      = errors.New("room: invalid nickname")
	ErrNotSupported = errors.New("room: unsupported stanza")
)

// Config is the configuration of a single room.
type Config struct {
	// Federation allows the room to join and be joined by federated nodes.
	Federation bool

	// Outbound is the node this room joins, if any.
	Outbound *fmuc.OutboundConfig

	// PublicJIDs shows the real address of occupants to everyone instead of
	// moderators only.
	PublicJIDs bool

	// MaxHistory is the number of messages kept for new occupants.
	MaxHistory int

	// Subject is the subject of the room before any occupant changes it.
	Subject string

	// JoinTimeout bounds how long a local change waits for federated nodes.
	JoinTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.Outbound != nil {
		o := *c.Outbound
		c.Outbound = &o
	}
	return c
}

type options struct {
	logger  *zap.Logger
	metrics *fmuc.Metrics
}

// Option configures a Room or a Service.
type Option func(*options)

// WithLogger sets the logger used by rooms and their federation handlers.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics records federation activity in m.
func WithMetrics(m *fmuc.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func getOpts(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Room is a chat room.
// It satisfies the fmuc.Room interface for its own federation handler.
type Room struct {
	addr   jid.JID
	router fmuc.Router
	logger *zap.Logger
	fed    *fmuc.Handler
	tasks  chan func(context.Context)

	mu        sync.Mutex
	cfg       Config
	occupants []fmuc.Occupant
	history   []fmuc.HistoryEntry
	subject   *fmuc.HistoryEntry

	// joining holds local occupants waiting for federated nodes, by nickname key.
	joining map[string]fmuc.Occupant
}

// New returns an empty room at addr.
// Stanzas for occupants and federated nodes are sent with router, federation
// is additionally gated on sw.
func New(addr jid.JID, cfg Config, router fmuc.Router, sw *fmuc.Switch, opts ...Option) *Room {
	o := getOpts(opts)
	r := &Room{
		addr:    addr.Bare(),
		router:  router,
		logger:  o.logger.With(zap.Stringer("room", addr.Bare())),
		tasks:   make(chan func(context.Context), 64),
		cfg:     cfg.withDefaults(),
		joining: make(map[string]fmuc.Occupant),
	}
	fedOpts := []fmuc.Option{fmuc.WithLogger(o.logger)}
	if o.metrics != nil {
		fedOpts = append(fedOpts, fmuc.WithMetrics(o.metrics))
	}
	r.fed = fmuc.New(r, router, sw, fedOpts...)
	return r
}

// Federation returns the federation handler of the room.
func (r *Room) Federation() *fmuc.Handler {
	return r.fed
}

// Config returns the current configuration of the room.
func (r *Room) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.withDefaults()
}

// Reconfigure replaces the configuration of the room and brings federation in
// line with it.
func (r *Room) Reconfigure(ctx context.Context, cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
	r.ApplyFederation(ctx)
}

// ApplyFederation brings the federation links of the room in line with its
// configuration and the service wide switch.
func (r *Room) ApplyFederation(ctx context.Context) {
	r.fed.ApplyConfiguration(ctx, r.Config().Outbound)
}

// Close leaves every federated node.
// Local occupants stay in the room.
func (r *Room) Close(ctx context.Context) {
	r.fed.Stop(ctx)
}

// enqueue schedules a local operation on the worker of the room.
func (r *Room) enqueue(ctx context.Context, task func(context.Context)) error {
	select {
	case r.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes local operations one at a time until ctx is canceled.
func (r *Room) run(ctx context.Context) error {
	r.ApplyFederation(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-r.tasks:
			task(ctx)
		}
	}
}

// wait blocks until f resolves or the join timeout elapses.
// Local changes go ahead either way.
func (r *Room) wait(ctx context.Context, op string, f *fmuc.Future) {
	ctx, cancel := context.WithTimeout(ctx, r.Config().JoinTimeout)
	defer cancel()
	if err := f.Wait(ctx); err != nil {
		r.logger.Warn("continuing without federated nodes",
			zap.String("op", op),
			zap.Stringer("wait", f.Cause()),
			zap.Error(err))
	}
}

func (r *Room) send(ctx context.Context, p packet.Packet) {
	if err := r.router.Send(ctx, p.TokenReader()); err != nil {
		r.logger.Warn("error sending stanza",
			zap.String("stanza", p.XMLName.Local),
			zap.Stringer("to", p.To),
			zap.Error(err))
	}
}

func (r *Room) nickAddr(nick string) jid.JID {
	addr, err := r.addr.WithResource(nick)
	if err != nil {
		return r.addr
	}
	return addr
}

// nickKey is the form nicknames are compared in.
func nickKey(nick string) (string, error) {
	key, err := precis.Nickname.String(nick)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrBadNick, nick, err)
	}
	return key, nil
}

func (r *Room) nickTakenLocked(nick string) bool {
	key, err := nickKey(nick)
	if err != nil {
		key = nick
	}
	_, pending := r.joining[key]
	_, ok := r.byNickLocked(nick)
	return ok || pending
}

func (r *Room) byNickLocked(nick string) (int, bool) {
	for i, occ := range r.occupants {
		if occ.Nick == nick || precis.Nickname.Compare(occ.Nick, nick) {
			return i, true
		}
	}
	return -1, false
}

func (r *Room) byJIDLocked(j jid.JID) (int, bool) {
	for i, occ := range r.occupants {
		if occ.JID.Equal(j) {
			return i, true
		}
	}
	return -1, false
}

func (r *Room) hasLocalLocked() bool {
	for _, occ := range r.occupants {
		if !occ.Remote() {
			return true
		}
	}
	return false
}

// Join admits the sender of the available presence p under the nickname it
// was addressed to.
// A presence from an existing occupant updates its presence instead.
func (r *Room) Join(ctx context.Context, p packet.Packet) error {
	nick := p.To.Resourcepart()
	if nick == "" {
		return ErrNoNick
	}
	key, err := nickKey(nick)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if i, ok := r.byJIDLocked(p.From); ok {
		defer r.mu.Unlock()
		occ := r.occupants[i]
		if !precis.Nickname.Compare(occ.Nick, nick) {
			return ErrNickInUse
		}
		occ.Presence = fmuc.Strip(p)
		r.occupants[i] = occ
		r.broadcastPresenceLocked(ctx, occ, "")
		return nil
	}
	if r.nickTakenLocked(nick) {
		r.mu.Unlock()
		return ErrNickInUse
	}
	occ := fmuc.Occupant{
		Nick:        nick,
		JID:         p.From,
		Role:        muc.RoleParticipant,
		Affiliation: muc.AffiliationNone,
		Presence:    fmuc.Strip(p),
	}
	if !r.hasLocalLocked() {
		occ.Role = muc.RoleModerator
		occ.Affiliation = muc.AffiliationOwner
	}
	r.joining[key] = occ
	r.mu.Unlock()

	r.wait(ctx, "join", r.fed.Join(ctx, occ))

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.joining, key)
	for _, other := range r.occupants {
		r.send(ctx, r.presenceFor(other, occ, ""))
	}
	r.occupants = append(r.occupants, occ)
	r.broadcastPresenceLocked(ctx, occ, "")
	for _, e := range r.history {
		msg := e.Message.Copy()
		msg.To = occ.JID
		r.send(ctx, msg)
	}
	r.send(ctx, r.subjectForLocked(occ.JID))
	r.logger.Debug("occupant joined", zap.String("nick", nick))
	return nil
}

// Leave removes the sender of the unavailable presence p from the room.
func (r *Room) Leave(ctx context.Context, p packet.Packet) error {
	r.mu.Lock()
	i, ok := r.byJIDLocked(p.From)
	if !ok || r.occupants[i].Remote() {
		r.mu.Unlock()
		return ErrNotOccupant
	}
	occ := r.occupants[i]
	r.mu.Unlock()

	leave := fmuc.Strip(p)
	r.wait(ctx, "leave", r.fed.Propagate(ctx, leave, occ))

	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok = r.byJIDLocked(occ.JID)
	if !ok {
		return ErrNotOccupant
	}
	status, _ := leave.Child("status")
	r.occupants = append(r.occupants[:i], r.occupants[i+1:]...)
	occ.Presence = leave
	r.send(ctx, r.presenceFor(occ, occ, stanza.UnavailablePresence))
	r.broadcastPresenceLocked(ctx, occ, stanza.UnavailablePresence)
	r.logger.Debug("occupant left", zap.String("nick", occ.Nick), zap.String("status", status.Text))
	return nil
}

// Say sends the groupchat message p from an occupant to the room.
// A message with a subject and no body changes the subject.
func (r *Room) Say(ctx context.Context, p packet.Packet) error {
	if p.Type != string(stanza.GroupChatMessage) {
		return ErrNotSupported
	}
	occ, ok := r.OccupantByJID(p.From)
	if !ok || occ.Remote() {
		return ErrNotOccupant
	}

	msg := fmuc.Strip(p)
	r.wait(ctx, "message", r.fed.Propagate(ctx, msg, occ))

	msg.From = r.nickAddr(occ.Nick)
	msg.To = r.addr
	if fmuc.IsSubject(msg) {
		return r.SetSubject(msg, occ)
	}
	return r.Deliver(msg, occ)
}

// Addr returns the bare address of the room.
func (r *Room) Addr() jid.JID {
	return r.addr
}

// FederationEnabled reports whether the room is configured to federate.
func (r *Room) FederationEnabled() bool {
	return r.Config().Federation
}

// JIDVisibleToAll reports whether real addresses are public in the room.
func (r *Room) JIDVisibleToAll() bool {
	return r.Config().PublicJIDs
}

// Occupants returns a snapshot of the occupants in the order they joined.
func (r *Room) Occupants() []fmuc.Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fmuc.Occupant, 0, len(r.occupants))
	for _, occ := range r.occupants {
		occ.Presence = occ.Presence.Copy()
		out = append(out, occ)
	}
	return out
}

// OccupantByJID returns the occupant with the given real address.
// Local users whose join is still being federated are included.
func (r *Room) OccupantByJID(j jid.JID) (fmuc.Occupant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byJIDLocked(j)
	if !ok {
		for _, occ := range r.joining {
			if occ.JID.Equal(j) {
				return occ, true
			}
		}
		return fmuc.Occupant{}, false
	}
	occ := r.occupants[i]
	occ.Presence = occ.Presence.Copy()
	return occ, true
}

// History returns the retained messages, oldest first.
func (r *Room) History() []fmuc.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fmuc.HistoryEntry, 0, len(r.history))
	for _, e := range r.history {
		e.Message = e.Message.Copy()
		out = append(out, e)
	}
	return out
}

// Subject returns the last subject change.
// Before anyone changes it the configured subject is reported as set by the
// room itself, if there is one.
func (r *Room) Subject() (fmuc.HistoryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subjectLocked()
}

func (r *Room) subjectLocked() (fmuc.HistoryEntry, bool) {
	if r.subject != nil {
		e := *r.subject
		e.Message = e.Message.Copy()
		return e, true
	}
	if r.cfg.Subject == "" {
		return fmuc.HistoryEntry{}, false
	}
	return fmuc.HistoryEntry{
		Author: r.addr,
		Message: packet.NewMessage(r.addr, jid.JID{}, stanza.GroupChatMessage,
			packet.NewElement(subjectName).WithText(r.cfg.Subject)),
	}, true
}

// MirrorJoin adds an occupant hosted by a federated node.
func (r *Room) MirrorJoin(occ fmuc.Occupant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nickTakenLocked(occ.Nick) {
		return ErrNickInUse
	}
	r.occupants = append(r.occupants, occ)
	r.broadcastPresenceLocked(context.Background(), occ, "")
	return nil
}

// MirrorLeave removes an occupant hosted by a federated node.
func (r *Room) MirrorLeave(occ fmuc.Occupant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byNickLocked(occ.Nick)
	if !ok || !r.occupants[i].JID.Equal(occ.JID) {
		return ErrNotOccupant
	}
	gone := r.occupants[i]
	gone.Presence = occ.Presence
	r.occupants = append(r.occupants[:i], r.occupants[i+1:]...)
	r.broadcastPresenceLocked(context.Background(), gone, stanza.UnavailablePresence)
	return nil
}

// Deliver broadcasts a message from sender to the local occupants.
// Groupchat messages with a body are added to the history.
func (r *Room) Deliver(p packet.Packet, sender fmuc.Occupant) error {
	if !p.IsMessage() {
		return ErrNotSupported
	}
	if fmuc.IsSubject(p) {
		return r.SetSubject(p, sender)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := p.Body(); ok && p.Type == string(stanza.GroupChatMessage) {
		r.addHistoryLocked(fmuc.HistoryEntry{
			Author:  sender.JID,
			Nick:    sender.Nick,
			Sent:    time.Now().UTC(),
			Message: withDelay(p, r.addr, time.Now().UTC()),
		})
	}
	r.broadcastLocked(context.Background(), p)
	return nil
}

// AddHistory archives a message learned from a federated node.
func (r *Room) AddHistory(e fmuc.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !hasDelay(e.Message) && !e.Sent.IsZero() {
		e.Message = withDelay(e.Message, r.addr, e.Sent)
	}
	r.addHistoryLocked(e)
	return nil
}

func (r *Room) addHistoryLocked(e fmuc.HistoryEntry) {
	r.history = append(r.history, e)
	if limit := r.cfg.withDefaults().MaxHistory; len(r.history) > limit {
		r.history = append(r.history[:0], r.history[len(r.history)-limit:]...)
	}
}

// SetSubject changes the subject and tells the local occupants.
func (r *Room) SetSubject(msg packet.Packet, sender fmuc.Occupant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg = msg.Copy()
	msg.From = r.nickAddr(sender.Nick)
	r.subject = &fmuc.HistoryEntry{
		Author:  sender.JID,
		Nick:    sender.Nick,
		Sent:    time.Now().UTC(),
		Message: msg,
	}
	r.broadcastLocked(context.Background(), msg)
	return nil
}

// subjectForLocked returns the subject message sent to new occupants.
// An empty subject is sent if none was ever set.
func (r *Room) subjectForLocked(to jid.JID) packet.Packet {
	msg := packet.NewMessage(r.addr, to, stanza.GroupChatMessage, packet.NewElement(subjectName))
	if e, ok := r.subjectLocked(); ok {
		msg = e.Message
		msg.To = to
	}
	return msg
}

// broadcastLocked sends a copy of p to every local occupant.
func (r *Room) broadcastLocked(ctx context.Context, p packet.Packet) {
	for _, occ := range r.occupants {
		if occ.Remote() {
			continue
		}
		out := p.Copy()
		out.To = occ.JID
		r.send(ctx, out)
	}
}

// broadcastPresenceLocked tells every local occupant about the presence of
// occ.
func (r *Room) broadcastPresenceLocked(ctx context.Context, occ fmuc.Occupant, typ stanza.PresenceType) {
	for _, to := range r.occupants {
		if to.Remote() {
			continue
		}
		r.send(ctx, r.presenceFor(occ, to, typ))
	}
}
