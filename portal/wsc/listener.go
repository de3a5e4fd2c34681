// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wsc

import "time"

// Client states.
const (
	Stopped = iota
	Idle
	Connecting
	Connected
	Stopping
)

// Control actions carried by the one slot queue.
const (
	evConnect = iota
	evDisconnect
	evStop
)

type event struct {
	action int
	delay  time.Duration
}

// WsListener receives client lifecycle and message events from the
// worker. Payload slices and strings built from the shared rx buffer
// are only valid for the duration of the call; copy to retain.
// Handlers must not block the worker on long operations.
type WsListener interface {
	// Connected fires once the transport is connected and upgraded.
	Connected()
	// Disconnected fires when the client falls back to Idle, on
	// request, connect failure, or read and write errors.
	Disconnected()
	// TextMessage delivers a whole unfragmented text message.
	TextMessage(s string)
	// BinaryMessage delivers a whole unfragmented binary message.
	BinaryMessage(b []byte)
	// TextFragment delivers a piece of a text message larger than
	// the rx buffer; last marks the final piece.
	TextFragment(s string, last bool)
	// BinaryFragment delivers n bytes of a binary message of total
	// length, starting at offset.
	BinaryFragment(b []byte, n, offset, total int)
}

func stateName(s int) string {
	switch s {
	case Stopped:
		return "stopped"
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

func actionName(a int) string {
	switch a {
	case evConnect:
		return "connect"
	case evDisconnect:
		return "disconnect"
	case evStop:
		return "stop"
	}
	return "unknown"
}
