// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"context"
	"encoding/xml"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"

	"mellium.im/fmuc/packet"
)

// Occupant is a participant of a room as seen by the federation handler.
type Occupant struct {
	// Nick is the nickname of the occupant in the room, empty for the room
	// itself.
	Nick string

	// JID is the address the occupant is known by: the real address of a local
	// user, the reported address of a user joined through a federated node, or
	// the room address when the room itself is the sender.
	JID jid.JID

	Role        muc.Role
	Affiliation muc.Affiliation

	// Origin is the address reported in the fmuc element the occupant was
	// learned from.
	// It is the zero value for users hosted by the local node.
	Origin jid.JID

	// Presence is the last presence of the occupant, without fmuc data.
	Presence packet.Packet
}

// Remote reports whether the occupant joined through a federated node.
func (o Occupant) Remote() bool {
	return !o.Origin.Equal(jid.JID{})
}

// roomOccupant is the sender used when a federated peer room itself is the
// author of a stanza, for instance of the subject handed out on join.
func roomOccupant(room, peer jid.JID) Occupant {
	return Occupant{
		JID:    room.Bare(),
		Origin: peer.Bare(),
		Role:   muc.RoleModerator,
	}
}

// HistoryEntry is a message retained by a room.
type HistoryEntry struct {
	Author  jid.JID
	Nick    string
	Sent    time.Time
	Message packet.Packet
}

// Room is the chat room served by a Handler.
//
// The handler only ever calls the mirroring methods of a room while holding
// its own lock, so implementations must not call back into the Handler from
// them.
type Room interface {
	// Addr is the bare address of the room.
	Addr() jid.JID

	// FederationEnabled reports whether the room participates in federation.
	FederationEnabled() bool

	// Occupants returns a snapshot of the current occupants.
	Occupants() []Occupant

	// OccupantByJID returns the occupant known by the given address.
	OccupantByJID(jid.JID) (Occupant, bool)

	// JIDVisibleToAll reports whether real addresses are visible to all
	// occupants instead of moderators only.
	JIDVisibleToAll() bool

	// History returns the retained messages, oldest first.
	History() []HistoryEntry

	// Subject returns the current subject message, or false if the subject has
	// never been set.
	Subject() (HistoryEntry, bool)

	// MirrorJoin adds an occupant that joined on a federated node and tells
	// the local occupants about it.
	MirrorJoin(Occupant) error

	// MirrorLeave removes an occupant that left on a federated node and tells
	// the local occupants about it.
	MirrorLeave(Occupant) error

	// Deliver hands traffic from a federated node to the local occupants as if
	// sender had sent it locally.
	Deliver(p packet.Packet, sender Occupant) error

	// AddHistory archives a message learned from a federated node.
	AddHistory(HistoryEntry) error

	// SetSubject changes the subject on behalf of sender.
	SetSubject(msg packet.Packet, sender Occupant) error
}

// Router delivers stanzas to their addressee.
// Delivery is best effort and unconfirmed.
// It is satisfied by *xmpp.Session.
type Router interface {
	Send(context.Context, xml.TokenReader) error
}
