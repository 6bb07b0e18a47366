// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/fmuc"
	"mellium.im/fmuc/packet"
)

const closeTimeout = 5 * time.Second

// ErrRoomExists is returned when adding a room that is already served.
var ErrRoomExists = errors.New("room: room already exists")

// Service is a chat service hosting many rooms under one domain.
//
// Stanzas carrying federation data are handed to the handler of the room they
// are addressed to right away.
// Everything else is a local operation and is queued on the room so that one
// room never waits on another.
type Service struct {
	domain jid.JID
	router fmuc.Router
	sw     *fmuc.Switch
	opts   []Option
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]*Room
	ctx   context.Context
	group *errgroup.Group
}

// NewService returns a service for the rooms at domain.
// Federation for every room is gated on sw.
func NewService(domain jid.JID, router fmuc.Router, sw *fmuc.Switch, opts ...Option) *Service {
	o := getOpts(opts)
	if sw == nil {
		sw = fmuc.NewSwitch(true)
	}
	return &Service{
		domain: domain.Domain(),
		router: router,
		sw:     sw,
		opts:   opts,
		logger: o.logger.With(zap.Stringer("service", domain.Domain())),
		rooms:  make(map[string]*Room),
	}
}

// Domain returns the address of the service.
func (s *Service) Domain() jid.JID {
	return s.domain
}

// AddRoom creates a room named localpart.
// Rooms added while the service runs start right away.
func (s *Service) AddRoom(localpart string, cfg Config) (*Room, error) {
	if localpart == "" {
		return nil, errors.New("room: empty room name")
	}
	addr, err := jid.New(localpart, s.domain.Domainpart(), "")
	if err != nil {
		return nil, fmt.Errorf("room: bad room name %q: %w", localpart, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := addr.Localpart()
	if _, ok := s.rooms[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, addr)
	}
	r := New(addr, cfg, s.router, s.sw, s.opts...)
	s.rooms[key] = r
	if s.group != nil {
		ctx := s.ctx
		s.group.Go(func() error { return r.run(ctx) })
	}
	return r, nil
}

// Room returns the room named localpart.
func (s *Service) Room(localpart string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[localpart]
	return r, ok
}

// Rooms returns every room ordered by address.
func (s *Service) Rooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr().String() < out[j].Addr().String()
	})
	return out
}

// FederationEnabled reports whether federation is turned on for the service.
func (s *Service) FederationEnabled() bool {
	return s.sw.Enabled()
}

// SetFederationEnabled turns federation on or off for the whole service and
// updates the links of every room.
func (s *Service) SetFederationEnabled(ctx context.Context, enabled bool) {
	if !s.sw.Set(enabled) {
		return
	}
	s.logger.Info("federation switched", zap.Bool("enabled", enabled))
	for _, r := range s.Rooms() {
		r.ApplyFederation(ctx)
	}
}

// Run starts the rooms and blocks until ctx is canceled.
// Federation links are closed before it returns.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	if s.group != nil {
		s.mu.Unlock()
		return errors.New("room: service already running")
	}
	s.group, s.ctx = g, gctx
	for _, r := range s.rooms {
		r := r
		g.Go(func() error { return r.run(gctx) })
	}
	s.mu.Unlock()

	err := g.Wait()
	s.mu.Lock()
	s.group, s.ctx = nil, nil
	s.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	for _, r := range s.Rooms() {
		r.Close(closeCtx)
	}
	return err
}

// HandleXMPP satisfies the xmpp.Handler interface.
// Stanza level problems are answered or logged and never end the session.
func (s *Service) HandleXMPP(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	p, err := packet.Read(xmlstream.MultiReader(
		xmlstream.Token(*start),
		xmlstream.Inner(t),
		xmlstream.Token(start.End()),
	))
	if err != nil {
		s.logger.Debug("dropping undecodable stanza", zap.String("name", start.Name.Local), zap.Error(err))
		return nil
	}
	s.Dispatch(s.runCtx(), p)
	return nil
}

func (s *Service) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// Dispatch routes p to the room it is addressed to.
func (s *Service) Dispatch(ctx context.Context, p packet.Packet) {
	if p.Type == "error" {
		s.logger.Debug("ignoring error stanza", zap.Stringer("from", p.From), zap.Stringer("to", p.To))
		return
	}
	r, ok := s.Room(p.To.Localpart())
	if !ok || !p.To.Domain().Equal(s.domain) {
		s.reply(ctx, p, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound})
		return
	}

	if fmuc.HasEnvelope(p) {
		// Errors are logged and counted by the handler.
		_ = r.Federation().Process(ctx, p)
		return
	}

	var op func(context.Context, packet.Packet) error
	switch {
	case p.IsAvailable():
		op = r.Join
	case p.IsUnavailable():
		op = r.Leave
	case p.IsMessage():
		op = r.Say
	case p.IsRequest():
		s.reply(ctx, p, stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented})
		return
	default:
		s.logger.Debug("ignoring stanza",
			zap.String("stanza", p.XMLName.Local),
			zap.String("type", p.Type),
			zap.Stringer("from", p.From))
		return
	}
	err := r.enqueue(ctx, func(ctx context.Context) {
		if err := op(ctx, p); err != nil {
			s.refuse(ctx, p, err)
		}
	})
	if err != nil {
		s.logger.Warn("dropping stanza", zap.Stringer("room", r.Addr()), zap.Error(err))
	}
}

// refuse answers a local operation that failed.
func (s *Service) refuse(ctx context.Context, p packet.Packet, err error) {
	var e stanza.Error
	switch {
	case errors.Is(err, ErrNickInUse):
		e = stanza.Error{Type: stanza.Cancel, Condition: stanza.Conflict}
	case errors.Is(err, ErrNoNick), errors.Is(err, ErrBadNick):
		e = stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed}
	case errors.Is(err, ErrNotOccupant):
		e = stanza.Error{Type: stanza.Modify, Condition: stanza.NotAcceptable}
	default:
		e = stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
	}
	s.logger.Debug("refusing stanza",
		zap.String("stanza", p.XMLName.Local),
		zap.Stringer("from", p.From),
		zap.Error(err))
	s.reply(ctx, p, e)
}

func (s *Service) reply(ctx context.Context, p packet.Packet, e stanza.Error) {
	reply, err := fmuc.Strip(p).ErrorReply(e)
	if err != nil {
		s.logger.Warn("error building error reply", zap.Error(err))
		return
	}
	if err := s.router.Send(ctx, reply.TokenReader()); err != nil {
		s.logger.Warn("error sending error reply", zap.Stringer("to", reply.To), zap.Error(err))
	}
}
