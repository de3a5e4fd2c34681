// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package xport

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nubwerk/portalstack/portal/core"
	"github.com/nubwerk/portalstack/portal/log"
)

// stream is the byte-stream half shared by the tcp and ssl
// transports. Reads and polls serialize on rmu, writes on wmu, so a
// long poll never holds up a send.
type stream struct {
	rmu sync.Mutex // serializes reads and polls
	wmu sync.Mutex // serializes writes

	mu   sync.Mutex // guards conn, r, last
	conn net.Conn
	r    *bufio.Reader
	last int // bytes drawn by the latest read
}

func (s *stream) attach(c net.Conn) {
	s.mu.Lock()
	s.conn = c
	s.r = bufio.NewReaderSize(c, core.BufSize)
	s.last = 0
	s.mu.Unlock()
}

func (s *stream) cr() (net.Conn, *bufio.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.r
}

func (s *stream) PollRead(timeout time.Duration) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	c, r := s.cr()
	if c == nil {
		return -1, errNotConnected
	}
	if r.Buffered() > 0 {
		return 1, nil
	}

	_ = c.SetReadDeadline(time.Now().Add(timeout))
	_, err := r.Peek(1)
	if err == nil {
		return 1, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 0, nil
	}
	return -1, err
}

func (s *stream) Read(b []byte, timeout time.Duration) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	c, r := s.cr()
	if c == nil {
		return 0, errNotConnected
	}
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	n, err := r.Read(b)

	s.mu.Lock()
	s.last = n
	s.mu.Unlock()
	return n, err
}

func (s *stream) Write(b []byte, timeout time.Duration) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	c, _ := s.cr()
	if c == nil {
		return 0, errNotConnected
	}
	_ = c.SetWriteDeadline(time.Now().Add(timeout))
	return c.Write(b)
}

// SendRaw on a byte stream is a plain write; the opcode is ignored.
func (s *stream) SendRaw(_ byte, b []byte, timeout time.Duration) (int, error) {
	return s.Write(b, timeout)
}

// PayloadLen on a byte stream is the latest read's size.
func (s *stream) PayloadLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *stream) Opcode() byte { return OpBinary }

func (s *stream) Close() error {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.r = nil
	s.last = 0
	s.mu.Unlock()

	core.CloseConn(c)
	return nil
}

// TCPTransport is a plain tcp stream.
type TCPTransport struct {
	stream
}

func NewTCP() *TCPTransport { return &TCPTransport{} }

func (t *TCPTransport) Schema() string   { return SchemaTCP }
func (t *TCPTransport) DefaultPort() int { return 0 }

func (t *TCPTransport) Connect(host string, port int, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	c, err := d.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		log.E("xport: tcp connect %s:%d; err: %v", host, port, err)
		return err
	}
	core.SetKeepAliveConfigSockOpt(c)
	t.attach(c)
	return nil
}

// SSLTransport is a tls client stream over tcp; the server name is
// the connect host, roots default to the system pool.
type SSLTransport struct {
	stream
	cmu   sync.Mutex
	roots *x509.CertPool // nil uses the system roots
}

func NewSSL() *SSLTransport { return &SSLTransport{} }

func (t *SSLTransport) Schema() string   { return SchemaSSL }
func (t *SSLTransport) DefaultPort() int { return 0 }

// SetCACertificate pins the verification roots to the pem (or der)
// certificates in b, replacing any earlier pin.
func (t *SSLTransport) SetCACertificate(b []byte) error {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		crt, err := x509.ParseCertificate(b)
		if err != nil {
			log.W("xport: bad ca certificate; err: %v", err)
			return errBadCA
		}
		pool.AddCert(crt)
	}

	t.cmu.Lock()
	t.roots = pool
	t.cmu.Unlock()
	return nil
}

func (t *SSLTransport) Connect(host string, port int, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	raw, err := d.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		log.E("xport: ssl connect %s:%d; err: %v", host, port, err)
		return err
	}
	core.SetKeepAliveConfigSockOpt(raw)

	t.cmu.Lock()
	roots := t.roots
	t.cmu.Unlock()

	tc := tls.Client(raw, &tls.Config{
		ServerName: host,
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
	})
	_ = raw.SetDeadline(time.Now().Add(timeout))
	if err = tc.Handshake(); err != nil {
		log.E("xport: ssl handshake %s; err: %v", host, err)
		core.CloseConn(raw)
		return err
	}
	_ = raw.SetDeadline(time.Time{})

	t.attach(tc)
	return nil
}
