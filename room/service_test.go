// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/fmuc/internal/ns"
	"mellium.im/fmuc/packet"
	"mellium.im/fmuc/room"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func condition(p packet.Packet) string {
	e, ok := p.Child("error")
	if !ok {
		return ""
	}
	for _, c := range e.Child {
		if c.XMLName.Space == ns.Stanza {
			return c.XMLName.Local
		}
	}
	return ""
}

// run serves s until the test ends.
func run(t *testing.T, fns ...func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(ctx) })
	}
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, g.Wait())
	})
}

func TestDispatchUnknownRoom(t *testing.T) {
	rec := &recorder{}
	s := room.NewService(jid.MustParse("muc.example.net"), rec, nil)
	s.Dispatch(context.Background(), say(alice.String(), "hall@muc.example.net", "hi"))

	got := rec.take(alice)
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0].Type)
	assert.Equal(t, string(stanza.ItemNotFound), condition(got[0]))

	// Errors are never answered.
	bounce := got[0]
	bounce.From, bounce.To = bounce.To, bounce.From
	s.Dispatch(context.Background(), bounce)
	assert.Empty(t, rec.all())
}

func TestAddRoom(t *testing.T) {
	s := room.NewService(jid.MustParse("muc.example.net"), &recorder{}, nil)
	_, err := s.AddRoom("lobby", room.Config{})
	require.NoError(t, err)
	_, err = s.AddRoom("lobby", room.Config{})
	assert.ErrorIs(t, err, room.ErrRoomExists)
	_, err = s.AddRoom("hall", room.Config{})
	require.NoError(t, err)
	_, err = s.AddRoom("", room.Config{})
	assert.Error(t, err)

	var names []string
	for _, r := range s.Rooms() {
		names = append(names, r.Addr().Localpart())
	}
	assert.Equal(t, []string{"hall", "lobby"}, names)

	r, ok := s.Room("lobby")
	require.True(t, ok)
	assert.Equal(t, "lobby@muc.example.net", r.Addr().String())
}

func TestServiceLocalTraffic(t *testing.T) {
	rec := &recorder{}
	s := room.NewService(jid.MustParse("muc.example.net"), rec, nil)
	lobbyRoom, err := s.AddRoom("lobby", room.Config{})
	require.NoError(t, err)
	run(t, s.Run)

	// Rooms added while running get a worker too.
	hall, err := s.AddRoom("hall", room.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	s.Dispatch(ctx, enter(alice.String(), "lobby@muc.example.net/alice"))
	s.Dispatch(ctx, enter(bob.String(), "hall@muc.example.net/bob"))
	require.Eventually(t, func() bool {
		return len(lobbyRoom.Occupants()) == 1 && len(hall.Occupants()) == 1
	}, waitFor, tick)

	rec.take(bob)
	s.Dispatch(ctx, say(bob.String(), lobby.String(), "not here"))
	require.Eventually(t, func() bool {
		for _, p := range rec.take(bob) {
			if condition(p) == string(stanza.NotAcceptable) {
				return true
			}
		}
		return false
	}, waitFor, tick)

	s.Dispatch(ctx, enter(bob.String(), "lobby@muc.example.net/alice"))
	require.Eventually(t, func() bool {
		for _, p := range rec.take(bob) {
			if p.IsPresence() && condition(p) == string(stanza.Conflict) {
				return true
			}
		}
		return false
	}, waitFor, tick)

	iq := packet.NewIQ("q1", alice, lobby, stanza.GetIQ)
	s.Dispatch(ctx, iq)
	var reply packet.Packet
	for _, p := range rec.take(alice) {
		if p.IsIQ() {
			reply = p
		}
	}
	assert.Equal(t, "q1", reply.ID)
	assert.Equal(t, string(stanza.FeatureNotImplemented), condition(reply))

	s.Dispatch(ctx, exit(alice.String(), "lobby@muc.example.net/alice"))
	require.Eventually(t, func() bool {
		return len(lobbyRoom.Occupants()) == 0
	}, waitFor, tick)
}
