// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tlsd serves the captive portal itself: a TLS 1.2 only
// server that defers each handshake until the client sends its
// first bytes, and announces only clients that complete it.
package tlsd

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/k-sone/critbitgo"
	"github.com/nubwerk/portalstack/portal/core"
	"github.com/nubwerk/portalstack/portal/log"
	"github.com/nubwerk/portalstack/portal/settings"
	"golang.org/x/net/netutil"
)

const (
	// type of service
	SVCTLS = "svctls" // tls 1.2 portal server

	// status of services
	SUP = 0  // svc created
	SOK = 1  // svc up
	SKO = -1 // svc not ok
	END = -2 // svc stopped
)

var (
	errRunning    = errors.New("server is running")
	errNotRunning = errors.New("server not running")
	errNoIdentity = errors.New("missing key or certificate")
)

// ServerListener is told of each client whose handshake completed.
// NewConnection fires strictly before any bytes from that client are
// delivered; install a SocketListener on s from within it.
type ServerListener interface {
	NewConnection(s *Socket)
}

// Server accepts portal clients over TLS 1.2. The handshake is not
// run at accept time; it starts when the client speaks first.
type Server struct {
	id  string
	cfg *tls.Config // version-pinned base config

	mu       sync.Mutex // guards the fields below
	ln       net.Listener
	done     chan struct{}
	addr     string
	key      crypto.PrivateKey
	certs    [][]byte // leaf first
	leaf     *x509.Certificate
	acl      *critbitgo.Net // nil allows all
	listener ServerListener
	sockets  map[*Socket]struct{}

	status *core.Volatile[int]
}

// NewServer creates a stopped portal server; a key and a certificate
// must be set before Listen.
func NewServer() *Server {
	return &Server{
		id: SVCTLS,
		cfg: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS12,
		},
		sockets: make(map[*Socket]struct{}),
		status:  core.NewVolatile(SUP),
	}
}

// SetListener installs l as the new connection sink; nil removes it.
func (s *Server) SetListener(l ServerListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// SetAllowedClients restricts serving to clients within cidrs; an
// empty list allows all. Fails when the server is running.
func (s *Server) SetAllowedClients(cidrs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		log.W("tlsd: %s running; acl unchanged", s.id)
		return errRunning
	}
	if len(cidrs) == 0 {
		s.acl = nil
		return nil
	}

	t := critbitgo.NewNet()
	for _, cidr := range cidrs {
		r, err := ip2cidr(cidr)
		if err != nil {
			log.W("tlsd: %s bad cidr %q; err: %v", s.id, cidr, err)
			return err
		}
		if err = t.Add(r, cidr); err != nil {
			log.W("tlsd: %s acl add %q; err: %v", s.id, cidr, err)
			return err
		}
	}
	s.acl = t
	return nil
}

// Listen binds the configured port and serves until Shutdown. The
// identity set via SetPrivateKey and SetCertificate must be complete.
func (s *Server) Listen(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		log.W("tlsd: %s already running at %s", s.id, s.addr)
		return errRunning
	}
	if s.key == nil || len(s.certs) == 0 {
		log.W("tlsd: %s identity incomplete", s.id)
		return errNoIdentity
	}

	tcpln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		log.E("tlsd: %s listen :%d; err: %v", s.id, port, err)
		return err
	}

	cfg := s.cfg.Clone()
	cfg.Certificates = []tls.Certificate{{
		Certificate: s.certs,
		PrivateKey:  s.key,
		Leaf:        s.leaf,
	}}

	ln := netutil.LimitListener(kaListener{tcpln}, settings.ListenBacklog)
	s.ln = ln
	s.addr = tcpln.Addr().String()
	s.done = make(chan struct{})
	s.status.Store(SOK)

	done := s.done
	core.Go("tlsd.accept", func() {
		defer close(done)
		s.serve(ln, cfg)
	})

	log.I("tlsd: %s started %s", s.id, s.addr)
	return nil
}

// Shutdown closes the listener, joins the accept worker, then closes
// every tracked socket. Each announced client gets exactly one
// Disconnected; clients mid-handshake get none.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return errNotRunning
	}
	ln := s.ln
	done := s.done
	snap := s.sockets
	s.ln = nil
	s.done = nil
	s.sockets = make(map[*Socket]struct{})
	s.status.Store(END)
	s.mu.Unlock()

	core.Close(ln)
	<-done

	for sk := range snap {
		sk.disown() // Close must not call back into us
		_ = sk.Close()
	}

	log.I("tlsd: %s stopped", s.id)
	return nil
}

func (s *Server) ID() string   { return s.id }
func (s *Server) Type() string { return SVCTLS }
func (s *Server) Status() int  { return s.status.Load() }

func (s *Server) GetAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// serve is the accept worker: admit, register, then hand each conn
// to its own pump.
func (s *Server) serve(ln net.Listener, cfg *tls.Config) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.Status() == END {
				break // stopped
			}
			if errors.Is(err, net.ErrClosed) {
				s.status.Store(SKO)
				break
			}
			log.W("tlsd: %s accept; err: %v", s.id, err)
			continue
		}

		raddr := c.RemoteAddr()
		if !s.allow(raddr) {
			log.I("tlsd: %s deny %s", s.id, raddr)
			core.CloseConn(c)
			continue
		}

		sk := newSocket(s, c)
		if !s.track(sk) {
			core.CloseConn(c) // stopped underneath us
			continue
		}

		log.D("tlsd: %s conn from %s", s.id, raddr)
		core.Go("tlsd.pump", func() {
			sk.pump(s, cfg)
		})
	}
	log.I("tlsd: %s exited", s.id)
}

// track registers sk; false when the server stopped in the meantime.
func (s *Server) track(sk *Socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return false
	}
	s.sockets[sk] = struct{}{}
	return true
}

// removeSocket drops sk from tracking; ignored when the server is
// not running, as the shutdown drain owns cleanup then.
func (s *Server) removeSocket(sk *Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return
	}
	delete(s.sockets, sk)
}

// connected announces sk, unless the server stopped or has no sink.
func (s *Server) connected(sk *Socket) {
	s.mu.Lock()
	l := s.listener
	running := s.ln != nil
	s.mu.Unlock()

	if !running || l == nil {
		return
	}
	sk.announceTo(l)
}

func (s *Server) allow(raddr net.Addr) bool {
	s.mu.Lock()
	acl := s.acl
	s.mu.Unlock()

	if acl == nil {
		return true
	}
	host, _, err := net.SplitHostPort(raddr.String())
	if err != nil {
		host = raddr.String()
	}
	r, err := ip2cidr(host)
	if err != nil {
		return false
	}
	m, _, err := acl.Match(r)
	return err == nil && m != nil
}

// kaListener applies keep-alive socket options to conns as they are
// accepted, before the concurrency cap wrapper hides the raw conn.
type kaListener struct {
	net.Listener
}

func (l kaListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		core.SetKeepAliveConfigSockOpt(c)
	}
	return c, err
}

func ip2cidr(ipOrCidr string) (*net.IPNet, error) {
	if _, r, err := net.ParseCIDR(ipOrCidr); err == nil {
		return r, nil
	}
	ip, err := netip.ParseAddr(ipOrCidr)
	if err != nil {
		return nil, err
	}
	return &net.IPNet{
		IP:   ip.AsSlice(),
		Mask: net.CIDRMask(ip.BitLen(), ip.BitLen()),
	}, nil
}
