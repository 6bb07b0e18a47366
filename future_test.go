// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture(EchoWait)
	assert.False(t, f.Resolved())
	assert.NoError(t, f.Err())

	errFirst := errors.New("first")
	assert.True(t, f.resolve(errFirst))
	assert.False(t, f.resolve(nil))
	assert.True(t, f.Resolved())
	assert.Equal(t, errFirst, f.Err())
	assert.Equal(t, EchoWait, f.Cause())
}

func TestResolvedFuture(t *testing.T) {
	f := resolved()
	assert.True(t, f.Resolved())
	assert.Equal(t, NoWait, f.Cause())
	assert.NoError(t, f.Wait(context.Background()))
}

func TestFutureWait(t *testing.T) {
	f := newFuture(JoinWait)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)
	assert.False(t, f.Resolved(), "giving up resolved the future")

	go f.resolve(nil)
	assert.NoError(t, f.Wait(context.Background()))
}

func TestFutureThen(t *testing.T) {
	f := newFuture(EchoWait)
	var wg sync.WaitGroup
	wg.Add(1)
	var got error
	f.Then(func(err error) {
		got = err
		wg.Done()
	})
	f.resolve(ErrLinkClosed)
	wg.Wait()
	assert.ErrorIs(t, got, ErrLinkClosed)
}

func TestAll(t *testing.T) {
	t.Run("resolved", func(t *testing.T) {
		f := All(resolved(), resolved())
		assert.True(t, f.Resolved(), "all of resolved futures must resolve synchronously")
		assert.Equal(t, AllWait, f.Cause())
		assert.NoError(t, f.Err())
	})
	t.Run("empty", func(t *testing.T) {
		assert.True(t, All().Resolved())
	})
	t.Run("waits for every child", func(t *testing.T) {
		a, b := newFuture(EchoWait), newFuture(JoinWait)
		f := All(a, resolved(), b)
		b.resolve(ErrAborted)
		select {
		case <-f.Done():
			t.Fatal("resolved before every child")
		case <-time.After(10 * time.Millisecond):
		}
		a.resolve(ErrLinkClosed)
		err := f.Wait(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAborted)
		assert.ErrorIs(t, err, ErrLinkClosed)
	})
}

func TestCauseString(t *testing.T) {
	for c, s := range map[Cause]string{
		NoWait:    "none",
		EchoWait:  "echo",
		JoinWait:  "join",
		AllWait:   "all",
		Cause(42): "unknown",
	} {
		assert.Equal(t, s, c.String())
	}
}
