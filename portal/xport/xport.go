// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package xport is the transport stack under the websocket client:
// plain tcp, tls ("ssl"), and an rfc 6455 client engine layered over
// either ("ws", "wss").
package xport

import (
	"errors"
	"time"

	"github.com/nubwerk/portalstack/portal/core"
)

// Schemes transports answer to.
const (
	SchemaTCP = "tcp"
	SchemaSSL = "ssl"
	SchemaWS  = "ws"
	SchemaWSS = "wss"
)

// Websocket frame opcodes; OpFin is the final-fragment bit carried
// in the high bit of the opcode byte handed to SendRaw.
const (
	OpContinuation byte = 0x00
	OpText         byte = 0x01
	OpBinary       byte = 0x02
	OpClose        byte = 0x08
	OpPing         byte = 0x09
	OpPong         byte = 0x0A
	OpFin          byte = 0x80
)

var (
	errNotConnected = errors.New("transport not connected")
	errBadCA        = errors.New("ca certificate not pem or der")
	errUpgrade      = errors.New("websocket upgrade refused")
	errMaskedFrame  = errors.New("masked frame from server")
	errBadFrame     = errors.New("bad frame length")
)

// Transport is a connect-once byte or message stream. Reads follow
// a poll; on framed transports PayloadLen and Opcode describe the
// frame the last Read drew from, and SendRaw emits one frame whose
// final-fragment bit is the high bit of opcode.
type Transport interface {
	Schema() string
	DefaultPort() int
	Connect(host string, port int, timeout time.Duration) error
	// PollRead reports readability: >0 readable, 0 nothing yet.
	PollRead(timeout time.Duration) (int, error)
	Read(b []byte, timeout time.Duration) (int, error)
	Write(b []byte, timeout time.Duration) (int, error)
	SendRaw(opcode byte, b []byte, timeout time.Duration) (int, error)
	PayloadLen() int
	Opcode() byte
	Close() error
}

var (
	_ Transport = (*TCPTransport)(nil)
	_ Transport = (*SSLTransport)(nil)
	_ Transport = (*WSTransport)(nil)
)

// List is the fixed transport set a websocket client picks from:
// ws stacked on tcp, wss stacked on ssl.
type List struct {
	tcp *TCPTransport
	ssl *SSLTransport
	ws  *WSTransport
	wss *WSTransport
}

func NewList() *List {
	tcp := NewTCP()
	ssl := NewSSL()
	return &List{
		tcp: tcp,
		ssl: ssl,
		ws:  NewWS(tcp, false),
		wss: NewWS(ssl, true),
	}
}

// ByScheme returns the transport for s, or nil if unknown.
func (l *List) ByScheme(s string) Transport {
	switch s {
	case SchemaTCP:
		return l.tcp
	case SchemaSSL:
		return l.ssl
	case SchemaWS:
		return l.ws
	case SchemaWSS:
		return l.wss
	}
	return nil
}

// SetCACertificate installs the root for the ssl transport, and so
// for wss.
func (l *List) SetCACertificate(pem []byte) error {
	return l.ssl.SetCACertificate(pem)
}

// SetPath sets the upgrade request path on the websocket transports.
func (l *List) SetPath(p string) {
	l.ws.SetPath(p)
	l.wss.SetPath(p)
}

// CloseAll closes every transport in the list.
func (l *List) CloseAll() {
	core.Close(l.ws, l.wss, l.tcp, l.ssl)
}
