// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"sync/atomic"
)

// Switch is the service wide federation flag.
// It is shared by every Handler of a service; toggling it does not notify
// anyone, whoever owns the configuration is expected to call
// ApplyConfiguration on each room afterwards.
//
// A nil *Switch is always on.
type Switch struct {
	off atomic.Bool
}

// NewSwitch returns a switch in the given state.
func NewSwitch(enabled bool) *Switch {
	s := &Switch{}
	s.Set(enabled)
	return s
}

// Enabled reports whether federation is enabled.
func (s *Switch) Enabled() bool {
	return s == nil || !s.off.Load()
}

// Set changes the state of the switch and reports whether it changed.
func (s *Switch) Set(enabled bool) bool {
	return s.off.Swap(!enabled) != !enabled
}
