// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"

	"mellium.im/fmuc"
)

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	m := fmuc.NewMetrics(prometheus.NewRegistry())
	room := newTestRoom(local("alice", muc.RoleModerator))
	r := &recorder{}
	h := fmuc.New(room, r, nil, fmuc.WithMetrics(m), fmuc.WithLogger(zaptest.NewLogger(t)))
	h.ApplyConfiguration(ctx, &fmuc.OutboundConfig{Peer: peerP, Mode: fmuc.MasterSlave})
	require.NoError(t, h.Process(ctx, subject(peerP, "")))

	require.NoError(t, h.Process(ctx, remoteJoin(peerQ, "dave", dave)))
	require.NoError(t, h.Process(ctx, remoteJoin(peerP, "erin", jid.MustParse("erin@example.org"))))
	_ = h.Process(ctx, fmuc.Strip(groupchat("no envelope")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboundLinks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InboundLinks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Negotiations.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JoinRequests.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Malformed))

	alice, _ := room.byNick("alice")
	f := h.Propagate(ctx, groupchat("hi"), alice)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingEchoes))
	for _, p := range r.take() {
		if p.To.Bare().Equal(peerP) && p.IsMessage() {
			require.NoError(t, h.Process(ctx, echo(p)))
		}
	}
	require.NoError(t, requireResolved(t, f))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingEchoes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EchoesMatched))

	h.Stop(ctx)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OutboundLinks))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InboundLinks))
}
