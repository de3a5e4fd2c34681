// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package portal bundles the DNS hijack responder and the TLS portal
// server into one captive portal unit: every name a client asks for
// resolves to the portal address, and the portal answers over TLS.
package portal

import (
	"errors"
	"sync"

	"github.com/nubwerk/portalstack/portal/dnsd"
	"github.com/nubwerk/portalstack/portal/log"
	"github.com/nubwerk/portalstack/portal/settings"
	"github.com/nubwerk/portalstack/portal/tlsd"
)

var (
	errRunning    = errors.New("portal is running")
	errNotRunning = errors.New("portal not running")
)

// SetLogLevel adjusts logging across the stack; level is one of the
// log.LogLevel values, VVERBOSE through NONE.
func SetLogLevel(level int) {
	l := log.LogLevel(level)
	settings.Debug = l <= log.DEBUG
	log.SetLevel(l)
}

// Portal owns one hijack responder and one portal server and starts
// and stops them as a unit.
type Portal struct {
	dns     *dnsd.Responder
	tls     *tlsd.Server
	tlsPort int

	mu    sync.Mutex
	alive bool
}

// New creates a stopped portal hijacking every DNS name to ip, with
// DNS on udp dnsPort and the TLS portal on tcp tlsPort. An identity
// must be set before Start.
func New(ip string, dnsPort, tlsPort int) (*Portal, error) {
	dns, err := dnsd.NewResponder(ip, dnsPort)
	if err != nil {
		return nil, err
	}
	return &Portal{
		dns:     dns,
		tls:     tlsd.NewServer(),
		tlsPort: tlsPort,
	}, nil
}

// SetIdentity installs the portal server's private key and
// certificate chain, both PEM or DER. Fails while running.
func (p *Portal) SetIdentity(key, cert []byte) error {
	if err := p.tls.SetPrivateKey(key); err != nil {
		return err
	}
	return p.tls.SetCertificate(cert)
}

// SetPortalListener installs l as the portal server's connection
// sink; nil removes it.
func (p *Portal) SetPortalListener(l tlsd.ServerListener) {
	p.tls.SetListener(l)
}

// SetSummariser installs smm as the responder's accesslog sink; nil
// removes it.
func (p *Portal) SetSummariser(smm dnsd.Summariser) {
	p.dns.SetSummariser(smm)
}

// SetAllowedClients restricts the portal server to clients within
// cidrs; an empty list allows all. Fails while running.
func (p *Portal) SetAllowedClients(cidrs []string) error {
	return p.tls.SetAllowedClients(cidrs)
}

// Start brings up DNS, then TLS. If TLS fails to listen, DNS is
// stopped again and the portal stays down.
func (p *Portal) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.alive {
		return errRunning
	}
	if err := p.dns.Start(); err != nil {
		return err
	}
	if err := p.tls.Listen(p.tlsPort); err != nil {
		_ = p.dns.Stop()
		return err
	}
	p.alive = true
	log.I("portal: up; dns %s, tls %s", p.dns.GetAddr(), p.tls.GetAddr())
	return nil
}

// Stop brings down TLS, then DNS; both are attempted even if the
// first fails.
func (p *Portal) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.alive {
		return errNotRunning
	}
	terr := p.tls.Shutdown()
	derr := p.dns.Stop()
	p.alive = false
	log.I("portal: down; tls err: %v, dns err: %v", terr, derr)
	if terr != nil {
		return terr
	}
	return derr
}

func (p *Portal) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// GetAddrs reports the bound addresses, empty when not running.
func (p *Portal) GetAddrs() (dns, tls string) {
	return p.dns.GetAddr(), p.tls.GetAddr()
}
