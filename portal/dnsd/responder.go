// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsd

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/nubwerk/portalstack/portal/core"
	"github.com/nubwerk/portalstack/portal/log"
	"github.com/nubwerk/portalstack/portal/settings"
	"github.com/nubwerk/portalstack/portal/xdns"
)

const (
	// type of service
	SVCDNS = "svcdns" // hijack responder

	// status of services
	SUP = 0  // svc created
	SOK = 1  // svc up
	SKO = -1 // svc not ok
	END = -2 // svc stopped
)

var (
	errRunning    = errors.New("responder is running")
	errNotRunning = errors.New("responder not running")
	errNotIP4     = errors.New("not an ipv4 address")
)

// Responder answers all well-formed A queries with one configured
// IPv4 address; everything else gets a framed DNS error. It never
// resolves upstream.
type Responder struct {
	id   string
	ip4  [4]byte
	port int

	mu   sync.Mutex // guards conn, done, addr
	conn *net.UDPConn
	done chan struct{}
	addr string

	status *core.Volatile[int]
	smm    Summariser // may be nil
}

// NewResponder creates a hijack responder answering with ip
// on udp port; ip must be an IPv4 address.
func NewResponder(ip string, port int) (*Responder, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, err
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if !addr.Is4() {
		return nil, errNotIP4
	}
	return &Responder{
		id:     SVCDNS,
		ip4:    addr.As4(),
		port:   port,
		status: core.NewVolatile(SUP),
	}, nil
}

// SetSummariser installs smm as the accesslog sink; nil removes it.
// Takes effect for queries processed after the next Start.
func (r *Responder) SetSummariser(smm Summariser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.smm = smm
}

// Start binds 0.0.0.0 on the configured port and serves until Stop.
func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		log.W("dnsd: %s already running at %s", r.id, r.addr)
		return errRunning
	}

	uc, err := net.ListenUDP("udp", &net.UDPAddr{Port: r.port})
	if err != nil {
		log.E("dnsd: %s listen :%d; err: %v", r.id, r.port, err)
		return err
	}

	r.conn = uc
	r.addr = uc.LocalAddr().String()
	r.done = make(chan struct{})
	r.status.Store(SOK)

	done := r.done
	smm := r.smm
	core.Go("dnsd.serve", func() {
		defer close(done)
		r.serve(uc, smm)
	})

	log.I("dnsd: %s started %s", r.id, r.addr)
	return nil
}

// Stop closes the socket, which unblocks the worker, and joins it.
func (r *Responder) Stop() error {
	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return errNotRunning
	}
	uc := r.conn
	done := r.done
	r.conn = nil
	r.done = nil
	r.status.Store(END)
	core.CloseUDP(uc)
	r.mu.Unlock()

	<-done

	log.I("dnsd: %s stopped", r.id)
	return nil
}

func (r *Responder) ID() string   { return r.id }
func (r *Responder) Type() string { return SVCDNS }
func (r *Responder) Status() int  { return r.status.Load() }

func (r *Responder) GetAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// serve is the worker loop: receive datagram, rewrite it in place,
// send the response back to the origin if there is one.
func (r *Responder) serve(uc *net.UDPConn, smm Summariser) {
	b := core.Alloc()
	defer core.Recycle(b)

	for {
		n, caddr, err := uc.ReadFromUDP(b[:settings.DNSMaxMsgSize])
		if err != nil {
			if r.Status() == END {
				break // stopped
			}
			if errors.Is(err, net.ErrClosed) {
				r.status.Store(SKO)
				break
			}
			log.W("dnsd: %s read; err: %v", r.id, err)
			continue
		}

		var qname string
		var qtype uint16
		if smm != nil || log.LevelOf() <= log.DEBUG {
			if q := xdns.AsMsg(b[:n]); q != nil {
				qname = xdns.QName(q)
				qtype = xdns.QType(q)
			}
		}

		start := time.Now()
		rlen := hijack(b, n, r.ip4)

		if smm != nil {
			s := querySummary(r.id, caddr.String(), qname, int(qtype))
			s.Rcode = rcodeOf(b, rlen)
			s.RLen = rlen
			s.done(start)
			core.Go1("dnsd.onquery", smm.OnQuery, s)
		}

		if rlen <= 0 {
			log.D("dnsd: %s drop %d bytes from %s", r.id, n, caddr)
			continue // silent drop
		}

		log.D("dnsd: %s q %s type %d from %s; rlen %d", r.id, qname, qtype, caddr, rlen)

		if _, err = uc.WriteToUDP(b[:rlen], caddr); err != nil {
			log.E("dnsd: %s write %s; err: %v", r.id, caddr, err)
		}
	}
	log.I("dnsd: %s exited", r.id)
}

// rcodeOf extracts the response code out of a framed response;
// dropped queries (rlen <= 0) have none.
func rcodeOf(pkt []byte, rlen int) int {
	if rlen < headerSize {
		return -1
	}
	return int(binary.BigEndian.Uint16(pkt[offFlags:]) & maskRcode)
}
