// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mellium.im/fmuc"
)

func TestModeText(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want fmuc.Mode
		err  bool
	}{
		{in: "", want: fmuc.MasterMaster},
		{in: "master-master", want: fmuc.MasterMaster},
		{in: "master-slave", want: fmuc.MasterSlave},
		{in: "masterslave", want: fmuc.MasterSlave},
		{in: "Master-Slave", want: fmuc.MasterSlave},
		{in: "peer", err: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			var m fmuc.Mode
			err := m.UnmarshalText([]byte(tc.in))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, m)

			text, err := m.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, m.String(), string(text))
		})
	}
}

func TestOutboundConfigEqual(t *testing.T) {
	a := fmuc.OutboundConfig{Peer: peerP, Mode: fmuc.MasterSlave}
	assert.True(t, a.Equal(fmuc.OutboundConfig{Peer: peerP, Mode: fmuc.MasterSlave}))
	assert.False(t, a.Equal(fmuc.OutboundConfig{Peer: peerP}))
	assert.False(t, a.Equal(fmuc.OutboundConfig{Peer: peerQ, Mode: fmuc.MasterSlave}))
}

func TestSwitch(t *testing.T) {
	var nilSwitch *fmuc.Switch
	assert.True(t, nilSwitch.Enabled())

	sw := fmuc.NewSwitch(false)
	assert.False(t, sw.Enabled())
	assert.True(t, sw.Set(true))
	assert.False(t, sw.Set(true))
	assert.True(t, sw.Enabled())
}
