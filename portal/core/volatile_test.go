// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nubwerk/portalstack/portal/core"
)

func TestVolatile(t *testing.T) {
	v := core.NewVolatile("up")
	assert.Equal(t, "up", v.Load())

	v.Store("down")
	assert.Equal(t, "down", v.Load())

	assert.True(t, v.Cas("down", "up"))
	assert.False(t, v.Cas("down", "nope"), "stale compare must not swap")
	assert.Equal(t, "up", v.Load())

	assert.Equal(t, "up", v.Swap("gone"))
	assert.Equal(t, "gone", v.Load())
}

func TestVolatileZero(t *testing.T) {
	var v core.Volatile[int]
	assert.Zero(t, v.Load(), "unset volatile loads the zero value")
}
