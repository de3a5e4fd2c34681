// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tlsd

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"net"
	"sync"

	"github.com/Jigsaw-Code/getsni"
	"github.com/nubwerk/portalstack/portal/core"
	"github.com/nubwerk/portalstack/portal/log"
	"github.com/nubwerk/portalstack/portal/settings"
)

const sniffLen = 2048 // client hello bytes examined for the server name

var errClosed = errors.New("socket closed")

// SocketListener observes one portal client. BytesReceived carries
// each batch of decrypted bytes; Disconnected fires exactly once,
// after which no further events arrive for s.
type SocketListener interface {
	BytesReceived(s *Socket, data []byte)
	Disconnected(s *Socket)
}

// Socket is one accepted portal client. It is handed out through
// ServerListener.NewConnection only after its handshake completed.
type Socket struct {
	mu        sync.Mutex // guards the fields below
	srv       *Server    // cleared on close and by the shutdown drain
	raw       net.Conn   // accepted conn
	tc        *tls.Conn
	br        *bufio.Reader // decrypted stream; Buffered() is the pending count
	listener  SocketListener
	sni       string
	accepted  bool // handshake completed
	announced bool // NewConnection delivered
	closed    bool
	dcFired   bool // Disconnected delivered

	raddr net.Addr
}

func newSocket(s *Server, c net.Conn) *Socket {
	return &Socket{srv: s, raw: c, raddr: c.RemoteAddr()}
}

// SetListener installs l as the event sink for sk; nil removes it.
func (sk *Socket) SetListener(l SocketListener) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sk.listener = l
}

// GetSNI returns the server name the client indicated in its hello,
// or "" when it sent none.
func (sk *Socket) GetSNI() string {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.sni
}

func (sk *Socket) RemoteAddr() net.Addr { return sk.raddr }

// Write sends b over the established connection.
func (sk *Socket) Write(b []byte) (int, error) {
	sk.mu.Lock()
	defer sk.mu.Unlock()

	if sk.closed || sk.tc == nil {
		return 0, errClosed
	}
	if settings.Debug {
		log.VV("tlsd: write %d bytes to %s", len(b), sk.raddr)
	}
	return sk.tc.Write(b)
}

// WriteString writes s like Write.
func (sk *Socket) WriteString(s string) (int, error) {
	return sk.Write([]byte(s))
}

// Close tears the connection down. Idempotent; on the first close of
// an announced socket the listener gets one Disconnected.
func (sk *Socket) Close() error {
	sk.mu.Lock()
	if sk.closed {
		sk.mu.Unlock()
		return nil
	}
	sk.closed = true
	srv := sk.srv
	sk.srv = nil
	tc, raw := sk.tc, sk.raw
	accepted := sk.accepted
	sk.mu.Unlock()

	if srv != nil {
		srv.removeSocket(sk)
	}
	if accepted && tc != nil {
		_ = tc.CloseWrite() // close-notify
	}
	core.CloseConn(raw)

	sk.reportClose()
	log.D("tlsd: closed %s", sk.raddr)
	return nil
}

// disown detaches sk from its server so Close does not call back
// into it; the shutdown drain uses this.
func (sk *Socket) disown() {
	sk.mu.Lock()
	sk.srv = nil
	sk.mu.Unlock()
}

// announceTo marks sk announced and delivers NewConnection, unless a
// close won the race first. A close landing while the announcement
// is in flight is reported right after the handler returns, so the
// listener it installed still hears it.
func (sk *Socket) announceTo(l ServerListener) {
	sk.mu.Lock()
	if sk.closed {
		sk.mu.Unlock()
		return
	}
	sk.announced = true
	sk.mu.Unlock()

	l.NewConnection(sk)
	sk.reportClose()
}

// reportClose fires Disconnected once for an announced socket that
// is closed and has a listener to tell.
func (sk *Socket) reportClose() {
	sk.mu.Lock()
	l := sk.listener
	fire := sk.closed && sk.announced && !sk.dcFired && l != nil
	if fire {
		sk.dcFired = true
	}
	sk.mu.Unlock()

	if fire {
		l.Disconnected(sk)
	}
}

// eventListener returns the sink for data events; nil once closed.
func (sk *Socket) eventListener() SocketListener {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.closed {
		return nil
	}
	return sk.listener
}

// pump runs on its own goroutine per conn: handshake first, then
// read until the peer goes away or the socket is closed.
func (sk *Socket) pump(s *Server, cfg *tls.Config) {
	if !sk.handshake(cfg) {
		_ = sk.Close() // not announced: no Disconnected
		return
	}
	s.connected(sk) // NewConnection strictly precedes reads

	for {
		data, err := sk.readOnce()
		if len(data) > 0 {
			if l := sk.eventListener(); l != nil {
				l.BytesReceived(sk, data)
			}
		}
		if err != nil {
			log.D("tlsd: read %s; err: %v", sk.raddr, err)
			break
		}
	}
	_ = sk.Close()
}

// handshake blocks until the client speaks, sniffs the server name
// off its hello, then runs the TLS handshake over the replayed
// stream. False when the handshake did not complete.
func (sk *Socket) handshake(cfg *tls.Config) bool {
	br := bufio.NewReaderSize(sk.raw, sniffLen)

	if hdr, err := br.Peek(5); err == nil {
		n := 5 + int(binary.BigEndian.Uint16(hdr[3:5]))
		if n > sniffLen {
			n = sniffLen
		}
		hello, _ := br.Peek(n)
		if name, serr := getsni.GetSNI(hello); serr == nil && len(name) > 0 {
			sk.mu.Lock()
			sk.sni = name
			sk.mu.Unlock()
			log.I("tlsd: sni %s from %s", name, sk.raddr)
		} else {
			log.V("tlsd: no sni from %s; err: %v", sk.raddr, serr)
		}
	}

	tc := tls.Server(&sniffConn{Conn: sk.raw, r: br}, cfg)
	if err := tc.Handshake(); err != nil {
		log.I("tlsd: handshake %s; err: %v", sk.raddr, err)
		return false
	}

	sk.mu.Lock()
	sk.tc = tc
	sk.br = bufio.NewReaderSize(tc, core.BufSize)
	sk.accepted = true
	sk.mu.Unlock()

	log.D("tlsd: handshake done %s", sk.raddr)
	return true
}

// readOnce accumulates one delivery's worth of decrypted bytes: an
// initial chunk, grown by the pending decrypted count while the
// record layer holds more, shrunk to fit once it does not. Bytes
// accumulated before an error are still returned alongside it.
func (sk *Socket) readOnce() ([]byte, error) {
	buf := make([]byte, settings.TLSReadChunk)
	read := 0
	for {
		n, err := sk.br.Read(buf[read:])
		read += n
		if err != nil {
			return fit(buf, read), err
		}

		pending := sk.br.Buffered()
		if settings.Debug {
			log.VV("tlsd: read %d of %d, pending %d from %s", n, read, pending, sk.raddr)
		}
		if pending <= 0 {
			return fit(buf, read), nil
		}

		need := read + pending
		if cap(buf) < need+1 {
			grown := make([]byte, need, need+1)
			copy(grown, buf[:read])
			buf = grown
		} else {
			buf = buf[:need]
		}
	}
}

// fit trims b to the n bytes read and writes a zero one past the
// end; the zero is addressable at b[:n+1][n] but never counted in
// len. Backing arrays wasting more than the shrink slack are
// reallocated to fit.
func fit(b []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	if cap(b)-n > settings.TLSShrinkSlack || cap(b) < n+1 {
		snug := make([]byte, n, n+1)
		copy(snug, b[:n])
		b = snug
	} else {
		b = b[:n]
	}
	b[:n+1][n] = 0
	return b
}

// sniffConn replays bytes peeked off the raw stream ahead of the
// handshake.
type sniffConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *sniffConn) Read(p []byte) (int, error) { return c.r.Read(p) }
