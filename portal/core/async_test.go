// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubwerk/portalstack/portal/core"
)

func TestGgRecoversPanic(t *testing.T) {
	// the finalizer runs only once the panic has been recovered, so
	// receiving it proves the process survived
	cb := make(chan struct{})
	core.Gg("boom", func() { panic("kaput") }, func() { close(cb) })

	select {
	case <-cb:
	case <-time.After(3 * time.Second):
		t.Fatal("finalizer never ran")
	}
}

func TestGgSkipsFinalizerOnCleanReturn(t *testing.T) {
	cb := make(chan struct{}, 1)
	done := make(chan struct{})
	core.Gg("calm", func() { close(done) }, func() { cb <- struct{}{} })
	<-done

	assert.Never(t, func() bool {
		select {
		case <-cb:
			return true
		default:
			return false
		}
	}, 300*time.Millisecond, 50*time.Millisecond, "finalizer is for panics only")
}

func TestGo1(t *testing.T) {
	got := make(chan int, 1)
	core.Go1("fwd", func(n int) { got <- n }, 42)

	select {
	case n := <-got:
		assert.Equal(t, 42, n)
	case <-time.After(3 * time.Second):
		t.Fatal("goroutine never ran")
	}
}

func TestGif(t *testing.T) {
	hits := make(chan string, 2)
	core.Gif(true, "yes", func() { hits <- "yes" })
	core.Gif(false, "no", func() { hits <- "no" })

	require.Eventually(t, func() bool { return len(hits) >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "yes", <-hits)
	assert.Empty(t, hits)
}

func TestRecoverContainsPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		defer core.Recover(core.DontExit, "inline")
		panic("contained")
	})
}
