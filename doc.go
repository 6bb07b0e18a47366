// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package fmuc implements Federated Multi-User Chat as described in
// XEP-0289.
//
// A federated room on one node (the joining node) attaches itself to a room on
// another node (the joined node) so that occupants of both see one
// conversation.
// Traffic crossing a link is wrapped in an fmuc element naming the node the
// sender originally joined:
//
//	<presence from='lobby@muc.example.net/alice' to='lobby@muc.example.org/alice'>
//	  <x xmlns='http://jabber.org/protocol/muc'/>
//	  <fmuc xmlns='http://isode.com/protocol/fmuc' from='alice@example.net/phone'/>
//	</presence>
//
// The joining node picks a Mode for its link.
// In MasterMaster mode local traffic is delivered right away and sent to the
// joined node without waiting.
// In MasterSlave mode the joining node waits until the joined node echoes its
// traffic back before delivering it, so both rooms see messages in the same
// order.
//
// A Handler federates a single room.
// It is driven by the room through Join and Propagate, which return a Future
// the room waits on before it lets the local operation take effect, and by the
// transport through Process, which accepts every stanza carrying an fmuc
// element.
// Stanzas are sent through a Router; *xmpp.Session is one.
//
// Package room contains an in-memory chat service that implements the Room
// interface and can be served over an XMPP component connection.
package fmuc // import "mellium.im/fmuc"
