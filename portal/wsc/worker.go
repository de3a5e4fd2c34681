// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wsc

import (
	"time"

	clocksmith "github.com/jedisct1/go-clocksmith"

	"github.com/nubwerk/portalstack/portal/core"
	"github.com/nubwerk/portalstack/portal/log"
	"github.com/nubwerk/portalstack/portal/settings"
	"github.com/nubwerk/portalstack/portal/xport"
)

// run is the worker: one state switch per iteration, then a peek for
// a queued disconnect. Exits on Stopping, after cleanup.
func (c *Client) run() {
	log.D("wsc: %s worker up", c.id)
	for {
		switch c.State() {
		case Idle:
			c.waitEvent()
		case Connecting:
			c.connectTransport()
		case Connected:
			c.poll()
		case Stopping:
			c.cleanup()
			c.setState(Stopped)
			log.I("wsc: %s stopped", c.id)
			return
		default:
			log.W("wsc: %s wtf state %s", c.id, stateName(c.State()))
			c.cleanup()
			c.setState(Stopped)
			return
		}

		c.checkDisconnect()
	}
}

// waitEvent blocks until the control slot fills, then transitions:
// Connect moves to Connecting, Stop to Stopping. The slot empties in
// the same critical section as the transition, so a second control
// event cannot slip in between.
func (c *Client) waitEvent() {
	c.smu.Lock()
	for c.ev == nil {
		c.evc.Wait()
	}
	ev := c.ev

	var delay time.Duration
	switch ev.action {
	case evConnect:
		c.state = Connecting
		c.ev = nil
		delay = ev.delay
	case evStop:
		c.state = Stopping
		c.ev = nil
	default:
		// stray disconnect; checkDisconnect picks it up
	}
	c.smu.Unlock()

	if delay > 0 {
		log.I("wsc: %s connect delayed %v", c.id, delay)
		clocksmith.Sleep(delay)
	}
}

// connectTransport dials the transport named by the url scheme. On
// failure the client falls back to Idle and Disconnected fires; on
// success Connected fires after the state flips.
func (c *Client) connectTransport() {
	c.mu.Lock()
	list := c.list
	scheme, host, port, path := c.scheme, c.host, c.port, c.path
	c.mu.Unlock()

	if list == nil {
		c.setState(Idle)
		return
	}
	t := list.ByScheme(scheme)
	if t == nil {
		// no url set, or a scheme no transport answers to
		log.W("wsc: %s no transport for %q", c.id, scheme)
		c.setState(Idle)
		return
	}

	if port == 0 {
		port = t.DefaultPort()
	}
	list.SetPath(path)

	c.mu.Lock()
	c.tpt = t
	c.port = port
	c.mu.Unlock()

	log.I("wsc: %s connecting %s://%s:%d%s", c.id, scheme, host, port, path)
	if err := t.Connect(host, port, settings.ConnectTimeout); err != nil {
		log.E("wsc: %s connect %s:%d; err: %v", c.id, host, port, err)
		c.abort()
		return
	}

	c.setState(Connected)
	log.I("wsc: %s connected %s:%d", c.id, host, port)
	if l := c.listener; l != nil {
		l.Connected()
	}
}

// poll waits briefly for readability, then drains inbound frames.
func (c *Client) poll() {
	t := c.transport()
	if t == nil {
		return // a failed send aborted concurrently
	}

	n, err := t.PollRead(settings.PollInterval)
	if err != nil || n < 0 {
		log.E("wsc: %s poll; err: %v", c.id, err)
		c.abort()
		return
	}
	if n == 0 {
		return
	}
	if !c.readData(t) {
		c.abort()
	}
}

// readData reads one websocket message worth of frames. Frames no
// bigger than the rx buffer come up as whole messages; anything
// larger is handed out in fragments as it arrives. Pings are
// answered inline. Returns false on read errors.
func (c *Client) readData(t xport.Transport) bool {
	rx := c.rxbuf()
	if rx == nil {
		return false
	}

	l := c.listener
	offset := 0
	for {
		n, err := t.Read(rx, settings.NetworkTimeout())
		if err != nil {
			log.E("wsc: %s read; err: %v", c.id, err)
			return false
		}

		plen := t.PayloadLen()
		op := t.Opcode()

		if offset+n < plen {
			// frame bigger than rx; hand out the piece we have
			if l != nil {
				switch op {
				case xport.OpBinary:
					l.BinaryFragment(rx[:n], n, offset, plen)
				case xport.OpText:
					l.TextFragment(string(rx[:n]), false)
				}
			}
			offset += n
			continue
		}

		if offset == 0 {
			// control frames are at most 125 bytes, they arrive whole
			if op == xport.OpPing {
				var payload []byte
				if n > 0 {
					payload = rx[:n]
				}
				if _, perr := t.SendRaw(xport.OpFin|xport.OpPong, payload, settings.NetworkTimeout()); perr != nil {
					log.W("wsc: %s pong; err: %v", c.id, perr)
				}
				return true
			}
			if l != nil && plen > 0 {
				switch op {
				case xport.OpBinary:
					l.BinaryMessage(rx[:plen])
				case xport.OpText:
					l.TextMessage(string(rx[:plen]))
				}
			}
		} else if l != nil {
			switch op {
			case xport.OpBinary:
				l.BinaryFragment(rx[:n], n, offset, plen)
			case xport.OpText:
				l.TextFragment(string(rx[:n]), true)
			}
		}
		return true
	}
}

// checkDisconnect peeks the control slot for a queued disconnect and
// runs the abort path if one is there. Other events stay put for
// waitEvent.
func (c *Client) checkDisconnect() {
	c.smu.Lock()
	ev := c.ev
	if ev == nil || ev.action != evDisconnect {
		c.smu.Unlock()
		return
	}
	c.ev = nil
	c.smu.Unlock()

	log.I("wsc: %s disconnecting", c.id)
	c.abort()
}

// abort closes the transport, falls back to Idle, clears the control
// slot, and fires Disconnected exactly once even when a failed send
// and the worker abort together. Only Connecting and Connected fall
// back; an abort arriving after the fact leaves the state alone.
func (c *Client) abort() {
	c.mu.Lock()
	t := c.tpt
	c.tpt = nil
	c.mu.Unlock()
	core.Close(t)

	c.smu.Lock()
	prev := c.state
	if prev == Connecting || prev == Connected {
		c.state = Idle
		c.ev = nil
	}
	c.smu.Unlock()

	if prev != Connecting && prev != Connected {
		return // a concurrent abort beat us to it, or a stop is underway
	}
	log.I("wsc: %s disconnected", c.id)
	if l := c.listener; l != nil {
		l.Disconnected()
	}
}

// cleanup releases transports and buffers; it waits out any send in
// flight so the tx buffer is never recycled under a writer.
func (c *Client) cleanup() {
	c.wmu.Lock()
	c.mu.Lock()
	list, rx, tx := c.list, c.rx, c.tx
	c.list, c.tpt, c.rx, c.tx = nil, nil, nil, nil
	c.mu.Unlock()
	c.wmu.Unlock()

	if list != nil {
		list.CloseAll()
	}
	core.Recycle(rx)
	core.Recycle(tx)
	log.D("wsc: %s cleaned up", c.id)
}

func (c *Client) setState(s int) {
	c.smu.Lock()
	c.state = s
	c.smu.Unlock()
}
