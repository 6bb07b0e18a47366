// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc_test

import (
	"context"
	"encoding/xml"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"mellium.im/fmuc"
	"mellium.im/fmuc/packet"
)

var (
	roomAddr = jid.MustParse("lobby@muc.example.net")
	peerP    = jid.MustParse("lobby@muc.example.org")
	peerQ    = jid.MustParse("lobby@muc.example.com")
)

// testRoom is an in-memory fmuc.Room that records what the handler did to it.
type testRoom struct {
	mu         sync.Mutex
	federation bool
	public     bool
	occupants  []fmuc.Occupant
	history    []fmuc.HistoryEntry
	subject    *fmuc.HistoryEntry
	delivered  []packet.Packet
	leaves     []fmuc.Occupant
	joins      []fmuc.Occupant
}

func newTestRoom(local ...fmuc.Occupant) *testRoom {
	return &testRoom{federation: true, public: true, occupants: local}
}

func (r *testRoom) Addr() jid.JID { return roomAddr }

func (r *testRoom) FederationEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.federation
}

func (r *testRoom) JIDVisibleToAll() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.public
}

func (r *testRoom) Occupants() []fmuc.Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fmuc.Occupant(nil), r.occupants...)
}

func (r *testRoom) OccupantByJID(j jid.JID) (fmuc.Occupant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, occ := range r.occupants {
		if occ.JID.Equal(j) {
			return occ, true
		}
	}
	return fmuc.Occupant{}, false
}

func (r *testRoom) byNick(nick string) (fmuc.Occupant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, occ := range r.occupants {
		if occ.Nick == nick {
			return occ, true
		}
	}
	return fmuc.Occupant{}, false
}

func (r *testRoom) History() []fmuc.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fmuc.HistoryEntry(nil), r.history...)
}

func (r *testRoom) Subject() (fmuc.HistoryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subject == nil {
		return fmuc.HistoryEntry{}, false
	}
	return *r.subject, true
}

func (r *testRoom) MirrorJoin(occ fmuc.Occupant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.occupants {
		if o.Nick == occ.Nick {
			return errors.New("nick in use")
		}
	}
	r.occupants = append(r.occupants, occ)
	r.joins = append(r.joins, occ)
	return nil
}

func (r *testRoom) MirrorLeave(occ fmuc.Occupant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, o := range r.occupants {
		if o.Nick == occ.Nick {
			r.occupants = append(r.occupants[:i], r.occupants[i+1:]...)
			r.leaves = append(r.leaves, occ)
			return nil
		}
	}
	return errors.New("not an occupant")
}

func (r *testRoom) Deliver(p packet.Packet, _ fmuc.Occupant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, p)
	return nil
}

func (r *testRoom) AddHistory(e fmuc.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, e)
	return nil
}

func (r *testRoom) SetSubject(msg packet.Packet, sender fmuc.Occupant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subject = &fmuc.HistoryEntry{Author: sender.JID, Nick: sender.Nick, Message: msg}
	return nil
}

func (r *testRoom) subjectText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subject == nil {
		return ""
	}
	s, _ := r.subject.Message.Subject()
	return s
}

// recorder is an fmuc.Router that keeps every stanza it is asked to send.
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

// take returns the stanzas sent since the last call.
func (r *recorder) take() []packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

// stallRouter is a recorder whose first Send blocks until release is closed.
type stallRouter struct {
	recorder
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newStallRouter() *stallRouter {
	return &stallRouter{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (r *stallRouter) Send(ctx context.Context, t xml.TokenReader) error {
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return r.recorder.Send(ctx, t)
}

func local(nick string, role muc.Role) fmuc.Occupant {
	return fmuc.Occupant{
		Nick:        nick,
		JID:         jid.MustParse(nick + "@example.net/phone"),
		Role:        role,
		Affiliation: muc.AffiliationMember,
	}
}

func newTestHandler(room *testRoom, sw *fmuc.Switch) (*fmuc.Handler, *recorder) {
	r := &recorder{}
	return fmuc.New(room, r, sw), r
}

// federated returns a stanza as it would be sent by peer on behalf of origin.
func federated(p packet.Packet, peer jid.JID, nick string, origin jid.JID) packet.Packet {
	p = fmuc.Enrich(p, origin)
	p.From = peer
	if nick != "" {
		p.From = jid.MustParse(peer.String() + "/" + nick)
	}
	p.To = roomAddr
	return p
}

func remoteJoin(peer jid.JID, nick string, origin jid.JID) packet.Packet {
	item := packet.NewElement(xml.Name{Space: muc.NSUser, Local: "item"}).
		WithAttr("affiliation", "member").
		WithAttr("role", "participant").
		WithAttr("jid", origin.String())
	return federated(packet.NewPresence(jid.JID{}, jid.JID{}, "",
		packet.NewElement(xml.Name{Space: muc.NS, Local: "x"}),
		packet.NewElement(xml.Name{Space: muc.NSUser, Local: "x"}, item),
	), peer, nick, origin)
}

func remoteLeave(peer jid.JID, nick string, origin jid.JID) packet.Packet {
	return federated(packet.NewPresence(jid.JID{}, jid.JID{}, stanza.UnavailablePresence), peer, nick, origin)
}

func groupchat(body string) packet.Packet {
	return packet.NewMessage(jid.JID{}, jid.JID{}, stanza.GroupChatMessage,
		packet.NewElement(xml.Name{Local: "body"}).WithText(body))
}

func subject(peer jid.JID, text string) packet.Packet {
	return federated(packet.NewMessage(jid.JID{}, jid.JID{}, stanza.GroupChatMessage,
		packet.NewElement(xml.Name{Local: "subject"}).WithText(text)), peer, "", peer)
}

// echo reflects a stanza sent to a joined node back the way it would.
func echo(p packet.Packet) packet.Packet {
	e := p.Copy()
	e.From, e.To = p.To, p.From
	return e
}

func isLeftNotice(p packet.Packet) bool {
	return fmuc.IsLeft(p)
}

func requireResolved(t *testing.T, f *fmuc.Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future never resolved")
	return err
}

func requirePending(t *testing.T, f *fmuc.Future) {
	t.Helper()
	select {
	case <-f.Done():
		t.Fatalf("future resolved early with %v", f.Err())
	case <-time.After(20 * time.Millisecond):
	}
}

func xmlName(local string) xml.Name {
	return xml.Name{Space: fmuc.NS, Local: local}
}

func xmlBody() xml.Name {
	return xml.Name{Local: "body"}
}
