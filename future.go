// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"context"
	"errors"
	"sync"
)

// Cause says why a Future may not be resolved yet.
type Cause uint8

// A list of causes.
const (
	// NoWait futures are resolved when they are returned.
	NoWait Cause = iota

	// EchoWait futures resolve when a master-slave peer echoes the stanza
	// back, or when the link to that peer is torn down.
	EchoWait

	// JoinWait futures resolve when an outbound join negotiation is accepted,
	// rejected, or aborted.
	JoinWait

	// AllWait futures are the combination of other futures, see All.
	AllWait
)

func (c Cause) String() string {
	switch c {
	case NoWait:
		return "none"
	case EchoWait:
		return "echo"
	case JoinWait:
		return "join"
	case AllWait:
		return "all"
	}
	return "unknown"
}

// Future is a single assignment completion handle.
// It is resolved at most once, either successfully or with an error.
type Future struct {
	cause Cause
	once  sync.Once
	done  chan struct{}
	err   error
}

func newFuture(c Cause) *Future {
	return &Future{cause: c, done: make(chan struct{})}
}

func resolved() *Future {
	f := newFuture(NoWait)
	f.resolve(nil)
	return f
}

// resolve sets the outcome of f and reports whether this call did it.
func (f *Future) resolve(err error) bool {
	ok := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		ok = true
	})
	return ok
}

// Cause returns the reason a caller may have to wait on f.
func (f *Future) Cause() Cause {
	return f.cause
}

// Done returns a channel that is closed once f is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether f has an outcome.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the outcome of f or nil if it has not been resolved yet.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until f is resolved or ctx is done.
// Giving up on a wait does not affect the future.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Then calls fn with the outcome of f once it is resolved.
// fn runs on its own goroutine.
func (f *Future) Then(fn func(error)) {
	go func() {
		<-f.done
		fn(f.err)
	}()
}

// All returns a future that resolves once every one of fs has resolved.
// The outcome joins the errors of the children.
// There is no ordering between the children.
func All(fs ...*Future) *Future {
	all := newFuture(AllWait)
	pending := false
	for _, f := range fs {
		if !f.Resolved() {
			pending = true
			break
		}
	}
	if !pending {
		all.resolve(joinErrs(fs))
		return all
	}
	go func() {
		for _, f := range fs {
			<-f.done
		}
		all.resolve(joinErrs(fs))
	}()
	return all
}

func joinErrs(fs []*Future) error {
	errs := make([]error, 0, len(fs))
	for _, f := range fs {
		if f.err != nil {
			errs = append(errs, f.err)
		}
	}
	return errors.Join(errs...)
}
