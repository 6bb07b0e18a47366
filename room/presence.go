// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package room

import (
	"encoding/xml"
	"time"

	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"mellium.im/fmuc"
	"mellium.im/fmuc/packet"
)

// statusSelf marks the presence of the occupant receiving it.
const statusSelf = "110"

var subjectName = xml.Name{Local: "subject"}

// presenceFor is the presence of occ as seen by the occupant to.
// The caller must hold r.mu.
// Real addresses are shown to moderators, or to everyone in rooms with public
// addresses.
func (r *Room) presenceFor(occ, to fmuc.Occupant, typ stanza.PresenceType) packet.Packet {
	base := fmuc.Strip(occ.Presence).
		Without(muc.NS, "x").
		Without(muc.NSUser, "x")

	role := occ.Role
	if typ == stanza.UnavailablePresence {
		role = muc.RoleNone
	}
	item := packet.NewElement(xml.Name{Space: muc.NSUser, Local: "item"}).
		WithAttr("affiliation", occ.Affiliation.String()).
		WithAttr("role", role.String())
	if r.cfg.PublicJIDs || to.Role == muc.RoleModerator {
		item = item.WithAttr("jid", occ.JID.String())
	}
	x := packet.NewElement(xml.Name{Space: muc.NSUser, Local: "x"}, item)
	if occ.JID.Equal(to.JID) {
		x.Child = append(x.Child,
			packet.NewElement(xml.Name{Space: muc.NSUser, Local: "status"}).WithAttr("code", statusSelf))
	}

	p := packet.NewPresence(r.nickAddr(occ.Nick), to.JID, typ, base.Payload...)
	p.ID = base.ID
	p.Lang = base.Lang
	return p.With(x)
}

func hasDelay(p packet.Packet) bool {
	_, ok := p.Find(delay.NS, "delay")
	return ok
}

// withDelay returns a copy of p stamped as sent by the room at t.
func withDelay(p packet.Packet, from jid.JID, t time.Time) packet.Packet {
	d, err := packet.FromMarshaler(delay.Delay{From: from, Time: t})
	if err != nil {
		return p.Copy()
	}
	return p.With(d)
}
