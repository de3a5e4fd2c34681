// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package wsc is a worker driven websocket client over pluggable
// transports. A single goroutine owns all network i/o; applications
// steer it through a one slot control queue and hear back through
// WsListener. Connect, Disconnect and Stop only enqueue; the worker
// moves the state machine Stopped, Idle, Connecting, Connected,
// Stopping.
package wsc

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nubwerk/portalstack/portal/core"
	"github.com/nubwerk/portalstack/portal/log"
	"github.com/nubwerk/portalstack/portal/settings"
	"github.com/nubwerk/portalstack/portal/xport"
)

// SVCWS is the service type of websocket clients.
const SVCWS = "svcws"

var (
	errNotStopped   = errors.New("client not stopped")
	errNotIdle      = errors.New("client not idle")
	errNotConnected = errors.New("client not connected")
	errNoTransport  = errors.New("no transport")
	errNoData       = errors.New("no data to send")
	errBadScheme    = errors.New("unsupported url scheme")
	errNoHost       = errors.New("no host in url")
	errBadSize      = errors.New("bad buffer size")
	errQueueFull    = errors.New("event queue full")
	errSend         = errors.New("send failed")
)

type Client struct {
	id string

	smu   sync.Mutex // guards state and the control slot
	state int
	ev    *event     // one slot control queue; nil when empty
	evc   *sync.Cond // signalled on every enqueue

	mu     sync.Mutex // guards transports, buffers, url parts
	list   *xport.List
	tpt    xport.Transport // connected transport, nil otherwise
	rx     []byte
	tx     []byte
	scheme string
	host   string
	port   int
	path   string

	wmu sync.Mutex // serializes whole message sends over tx

	bufsize  int
	listener WsListener
}

func NewClient(id string, l WsListener) *Client {
	c := &Client{
		id:       id,
		listener: l,
		bufsize:  settings.WsBufSize,
		state:    Stopped,
	}
	c.evc = sync.NewCond(&c.smu)
	return c
}

// Start builds the transport list, allocates the rx and tx buffers,
// moves to Idle, and spawns the worker. Legal only while Stopped.
func (c *Client) Start() error {
	c.smu.Lock()
	defer c.smu.Unlock()

	if c.state != Stopped {
		log.W("wsc: %s start in %s", c.id, stateName(c.state))
		return errNotStopped
	}

	n := c.bufsize
	c.mu.Lock()
	c.list = xport.NewList()
	c.rx = core.AllocRegion(n)[:n]
	c.tx = core.AllocRegion(n)[:n]
	c.mu.Unlock()

	c.ev = nil
	c.state = Idle
	core.Go("wsc.run", c.run)
	log.I("wsc: %s started", c.id)
	return nil
}

// Stop asks the worker to tear down and exit. Legal only while Idle;
// disconnect first if connected. The worker moves to Stopped once
// cleanup is done.
func (c *Client) Stop() error {
	c.smu.Lock()
	defer c.smu.Unlock()

	if c.state != Idle {
		log.W("wsc: %s stop in %s", c.id, stateName(c.state))
		return errNotIdle
	}
	return c.putLocked(evStop, 0)
}

// Connect asks the worker to dial the configured url, after delay if
// nonzero. Legal only while Idle.
func (c *Client) Connect(delay time.Duration) error {
	c.smu.Lock()
	defer c.smu.Unlock()

	if c.state != Idle {
		log.W("wsc: %s connect in %s", c.id, stateName(c.state))
		return errNotIdle
	}
	return c.putLocked(evConnect, delay)
}

// Disconnect asks the worker to drop the connection. Legal while
// Connecting or Connected.
func (c *Client) Disconnect() error {
	c.smu.Lock()
	defer c.smu.Unlock()

	if c.state != Connecting && c.state != Connected {
		log.W("wsc: %s disconnect in %s", c.id, stateName(c.state))
		return errNotConnected
	}
	return c.putLocked(evDisconnect, 0)
}

// SetURL parses and stores u for the next connect. The scheme must
// byte match ws or wss; a missing port means the scheme default at
// connect time. Legal only while Idle.
func (c *Client) SetURL(u string) error {
	c.smu.Lock()
	defer c.smu.Unlock()

	if c.state != Idle {
		log.W("wsc: %s seturl in %s", c.id, stateName(c.state))
		return errNotIdle
	}

	scheme, _, ok := strings.Cut(u, "://")
	if !ok || (scheme != xport.SchemaWS && scheme != xport.SchemaWSS) {
		log.W("wsc: %s bad scheme in %q", c.id, u)
		return errBadScheme
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return err
	}
	host := parsed.Hostname()
	if len(host) == 0 {
		return errNoHost
	}
	port := 0
	if p := parsed.Port(); len(p) > 0 {
		if port, err = strconv.Atoi(p); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.scheme, c.host, c.port, c.path = scheme, host, port, parsed.Path
	c.mu.Unlock()
	log.I("wsc: %s url %s://%s:%d%s", c.id, scheme, host, port, parsed.Path)
	return nil
}

// SetCACertificate installs the root used to verify wss peers; it
// applies to the live ssl transport. Legal only while Idle.
func (c *Client) SetCACertificate(pem []byte) error {
	c.smu.Lock()
	defer c.smu.Unlock()

	if c.state != Idle {
		log.W("wsc: %s setca in %s", c.id, stateName(c.state))
		return errNotIdle
	}

	c.mu.Lock()
	list := c.list
	c.mu.Unlock()
	if list == nil {
		return errNotIdle
	}
	return list.SetCACertificate(pem)
}

// SetBufferSize sets the rx and tx buffer size used from the next
// Start on; it caps frame size for sends. Legal only while Stopped.
func (c *Client) SetBufferSize(n int) error {
	c.smu.Lock()
	defer c.smu.Unlock()

	if c.state != Stopped {
		log.W("wsc: %s setbufsize in %s", c.id, stateName(c.state))
		return errNotStopped
	}
	if n <= 0 {
		return errBadSize
	}
	c.bufsize = n
	return nil
}

// SendText sends s as one websocket text message, fragmented into
// buffer sized frames as needed. Returns bytes handed to the wire.
func (c *Client) SendText(s string) (int, error) {
	return c.sendWithOpcode(xport.OpText, []byte(s))
}

// SendBinary sends b as one websocket binary message.
func (c *Client) SendBinary(b []byte) (int, error) {
	return c.sendWithOpcode(xport.OpBinary, b)
}

// sendWithOpcode chunks data into frames of at most the buffer size:
// the first frame carries opcode, later ones are continuations, and
// only the last carries the fin bit.
func (c *Client) sendWithOpcode(opcode byte, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errNoData
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if s := c.State(); s != Connected {
		log.W("wsc: %s send in %s", c.id, stateName(s))
		return 0, errNotConnected
	}
	c.mu.Lock()
	t, tx := c.tpt, c.tx
	c.mu.Unlock()
	if t == nil || tx == nil {
		return 0, errNoTransport
	}

	need := len(data)
	written := 0
	current := opcode
	for written < len(data) {
		if need > len(tx) {
			need = len(tx)
		} else {
			current |= xport.OpFin
		}

		copy(tx[:need], data[written:written+need])
		n, err := t.SendRaw(current, tx[:need], settings.NetworkTimeout())
		if err != nil || n <= 0 {
			log.E("wsc: %s sent %d of %d; err: %v", c.id, written, len(data), err)
			c.abort()
			if err == nil {
				err = errSend
			}
			return written, err
		}

		current = xport.OpContinuation // opcode only on the first frame
		written += n
		need = len(data) - written
	}
	return written, nil
}

// putLocked places ev in the control slot; callers hold smu. A held
// slot rejects further events until the worker consumes it.
func (c *Client) putLocked(action int, delay time.Duration) error {
	if c.ev != nil {
		log.W("wsc: %s queue full; %s dropped", c.id, actionName(action))
		return errQueueFull
	}
	c.ev = &event{action: action, delay: delay}
	c.evc.Signal()
	log.D("wsc: %s queued %s", c.id, actionName(action))
	return nil
}

func (c *Client) State() int {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Type() string {
	return SVCWS
}

func (c *Client) transport() xport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tpt
}

func (c *Client) rxbuf() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rx
}
