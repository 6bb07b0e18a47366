// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"mellium.im/xmpp/jid"

	"mellium.im/fmuc/packet"
)

type joinResult uint8

const (
	joinPending joinResult = iota
	joinAccepted
	joinRejected
)

func (r joinResult) String() string {
	switch r {
	case joinAccepted:
		return "accepted"
	case joinRejected:
		return "rejected"
	}
	return "pending"
}

type queued struct {
	packet packet.Packet
	sender Occupant
	future *Future
}

// negotiation is an outbound join that the joined node has not answered
// completely yet.
type negotiation struct {
	peer      jid.JID
	mode      Mode
	future    *Future
	responses []packet.Packet
	result    joinResult
	queue     []queued
}

func newNegotiation(cfg OutboundConfig, f *Future) *negotiation {
	return &negotiation{
		peer:   cfg.Peer.Bare(),
		mode:   cfg.Mode,
		future: f,
	}
}

func (n *negotiation) done() bool {
	return n.result != joinPending
}

// addResponse records a stanza sent by the joined node and reports whether
// the negotiation reached a result with it.
// The first subject accepts the join, the first reject refuses it.
func (n *negotiation) addResponse(p packet.Packet) bool {
	n.responses = append(n.responses, p)
	if n.result == joinPending {
		switch {
		case IsReject(p):
			n.result = joinRejected
		case IsSubject(p):
			n.result = joinAccepted
		}
	}
	return n.done()
}

// rejectionReason returns the reason the peer gave in its last response.
func (n *negotiation) rejectionReason() string {
	if len(n.responses) == 0 {
		return ""
	}
	return RejectReason(n.responses[len(n.responses)-1])
}

// enqueue holds p until the join has been accepted.
// If the caller of the join was not asked to wait, neither is the caller of
// enqueue.
func (n *negotiation) enqueue(p packet.Packet, sender Occupant) *Future {
	f := newFuture(JoinWait)
	if n.future.Resolved() {
		f.resolve(nil)
	}
	n.queue = append(n.queue, queued{packet: p, sender: sender, future: f})
	return f
}

func (n *negotiation) purge() []queued {
	q := n.queue
	n.queue = nil
	return q
}

// abort fails the join and everything queued behind it.
func (n *negotiation) abort(err error) {
	n.result = joinRejected
	for _, q := range n.purge() {
		q.future.resolve(err)
	}
	n.future.resolve(err)
}
