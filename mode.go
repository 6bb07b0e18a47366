// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"fmt"
	"strings"

	"mellium.im/xmpp/jid"
)

// Mode is the federation mode of an outbound link.
type Mode uint8

// A list of federation modes.
const (
	// MasterMaster nodes apply their own changes immediately and do not wait
	// for the joined node.
	MasterMaster Mode = iota

	// MasterSlave nodes wait for the joined node to echo a change back before
	// applying it locally.
	MasterSlave
)

func (m Mode) String() string {
	switch m {
	case MasterMaster:
		return "master-master"
	case MasterSlave:
		return "master-slave"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// MarshalText satisfies encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	switch m {
	case MasterMaster, MasterSlave:
		return []byte(m.String()), nil
	}
	return nil, fmt.Errorf("fmuc: unknown mode %d", uint8(m))
}

// UnmarshalText satisfies encoding.TextUnmarshaler.
// Case is ignored and the dash is optional.
func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "master-master", "mastermaster", "":
		*m = MasterMaster
	case "master-slave", "masterslave":
		*m = MasterSlave
	default:
		return fmt.Errorf("fmuc: unknown mode %q", text)
	}
	return nil
}

// OutboundConfig is the desired outbound federation of a room: the room it
// should join and how.
type OutboundConfig struct {
	Peer jid.JID
	Mode Mode
}

// Equal reports whether two configurations target the same peer in the same
// mode.
func (c OutboundConfig) Equal(o OutboundConfig) bool {
	return c.Mode == o.Mode && c.Peer.Equal(o.Peer)
}

func (c OutboundConfig) String() string {
	return c.Peer.String() + " (" + c.Mode.String() + ")"
}

func equalConfig(a, b *OutboundConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func cloneConfig(c *OutboundConfig) *OutboundConfig {
	if c == nil {
		return nil
	}
	out := OutboundConfig{Peer: c.Peer.Bare(), Mode: c.Mode}
	return &out
}
