// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"errors"

	"mellium.im/xmpp/jid"
)

// Errors used to resolve futures that will never see their echo.
var (
	ErrAborted     = errors.New("fmuc: outbound join aborted")
	ErrLinkClosed  = errors.New("fmuc: link closed before the stanza was echoed")
	ErrEchoDropped = errors.New("fmuc: gave up waiting for the stanza to be echoed")
)

// Reasons sent to a joining node when its request is refused.
const (
	ReasonDisabled        = "FMUC functionality is not enabled."
	ReasonCircular        = "The joined node is set up to federate with the joining node (cannot have circular federation)."
	ReasonOccupantRefused = "The joined room refused the occupant (nickname in use)."
)

// RejectedError is returned to everyone waiting on an outbound join that the
// joined node refused.
type RejectedError struct {
	Peer   jid.JID
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "fmuc: join rejected by " + e.Peer.String()
	}
	return "fmuc: join rejected by " + e.Peer.String() + ": " + e.Reason
}
