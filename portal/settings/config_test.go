// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package settings_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nubwerk/portalstack/portal/settings"
)

func TestNetworkTimeout(t *testing.T) {
	defer settings.SetNetworkTimeout(0)

	assert.Equal(t, 5*time.Second, settings.NetworkTimeout())

	settings.SetNetworkTimeout(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, settings.NetworkTimeout())

	settings.SetNetworkTimeout(-1)
	assert.Equal(t, 5*time.Second, settings.NetworkTimeout(), "non-positive restores the default")
}
