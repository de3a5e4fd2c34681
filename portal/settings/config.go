// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package settings

import (
	"sync/atomic"
	"time"
)

// DNSMaxMsgSize caps DNS datagrams; larger queries are truncated
// on receive and responses never exceed it.
const DNSMaxMsgSize = 512

// ListenBacklog caps concurrently accepted portal connections.
const ListenBacklog = 32

// TLSReadChunk is the initial read buffer size for portal sockets.
const TLSReadChunk = 256

// TLSShrinkSlack is the max unused capacity tolerated on a portal
// socket read buffer before it is shrunk to fit.
const TLSShrinkSlack = 200

// WsBufSize is the default rx/tx buffer size for websocket clients.
const WsBufSize = 1024

// ConnectTimeout bounds transport connect attempts.
const ConnectTimeout = 10 * time.Second

// PollInterval is how long a websocket worker waits for readable
// data before it checks for control events again.
const PollInterval = 1 * time.Second

// defaultNetworkTimeout bounds single transport reads and writes.
const defaultNetworkTimeout = 5 * time.Second

var networkTimeout = atomic.Int64{}

// Debug enables verbose logging across the stack.
var Debug bool = false

func init() {
	networkTimeout.Store(int64(defaultNetworkTimeout))
}

// NetworkTimeout returns the current transport read/write timeout.
func NetworkTimeout() time.Duration {
	return time.Duration(networkTimeout.Load())
}

// SetNetworkTimeout overrides the transport read/write timeout;
// non-positive d restores the default.
func SetNetworkTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultNetworkTimeout
	}
	networkTimeout.Store(int64(d))
}
