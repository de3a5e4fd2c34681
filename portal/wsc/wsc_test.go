// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wsc_test

import (
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/nubwerk/portalstack/portal/wsc"
)

// portalPeer answers websocket upgrades and echoes messages back.
// "ping-me" makes it ping the client and report "pinged" once the
// pong arrives; "bye" makes it close the session normally.
func portalPeer(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusInternalError, "going down")

	ctx := r.Context()
	for {
		typ, b, err := c.Read(ctx)
		if err != nil {
			return
		}
		switch string(b) {
		case "bye":
			c.Close(websocket.StatusNormalClosure, "bye")
			return
		case "ping-me":
			if err = c.Ping(ctx); err != nil {
				return // the client never answered
			}
			if err = c.Write(ctx, websocket.MessageText, []byte("pinged")); err != nil {
				return
			}
		default:
			if err = c.Write(ctx, typ, b); err != nil {
				return
			}
		}
	}
}

// clientEvents tallies listener callbacks; fragment payloads are
// copied out of the shared rx buffer before the callback returns.
type clientEvents struct {
	mu     sync.Mutex
	conns  int
	drops  int
	texts  []string
	bins   [][]byte
	frag   strings.Builder // text fragments, concatenated
	nfrags int
	lasts  int
}

func (e *clientEvents) Connected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns++
}

func (e *clientEvents) Disconnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drops++
}

func (e *clientEvents) TextMessage(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, s)
}

func (e *clientEvents) BinaryMessage(b []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bins = append(e.bins, append([]byte(nil), b...))
}

func (e *clientEvents) TextFragment(s string, last bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frag.WriteString(s)
	e.nfrags++
	if last {
		e.lasts++
	}
}

func (e *clientEvents) BinaryFragment(b []byte, n, off, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nfrags++
	if off+n >= total {
		e.lasts++
	}
}

func (e *clientEvents) connects() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns
}

func (e *clientEvents) disconnects() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drops
}

func (e *clientEvents) lastText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.texts) == 0 {
		return ""
	}
	return e.texts[len(e.texts)-1]
}

func (e *clientEvents) sawText(s string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.texts {
		if t == s {
			return true
		}
	}
	return false
}

func (e *clientEvents) fragments() (string, int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frag.String(), e.nfrags, e.lasts
}

func wsURL(t *testing.T, rawurl string) string {
	t.Helper()
	u, err := url.Parse(rawurl)
	require.NoError(t, err)
	return "ws://" + u.Host + "/"
}

func TestClientSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(portalPeer))
	defer srv.Close()

	ev := new(clientEvents)
	c := wsc.NewClient("t1", ev)
	require.NoError(t, c.SetBufferSize(1024))
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() })
	assert.Equal(t, wsc.Idle, c.State())

	require.NoError(t, c.SetURL(wsURL(t, srv.URL)))
	require.NoError(t, c.Connect(0))
	require.Eventually(t, c.IsConnected, 3*time.Second, 10*time.Millisecond,
		"connect never completed")
	assert.Equal(t, 1, ev.connects())

	assert.Error(t, c.Connect(0), "connect while connected must be refused")
	assert.Error(t, c.Stop(), "stop while connected must be refused")
	assert.Error(t, c.SetURL("ws://elsewhere/"), "url is frozen while connected")

	t.Run("text echo", func(t *testing.T) {
		n, err := c.SendText("hello portal")
		require.NoError(t, err)
		assert.Equal(t, 12, n)
		require.Eventually(t, func() bool { return ev.sawText("hello portal") },
			3*time.Second, 10*time.Millisecond, "echo never arrived")
	})

	t.Run("binary echo", func(t *testing.T) {
		n, err := c.SendBinary([]byte{0xca, 0xfe, 0x42})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		require.Eventually(t, func() bool {
			ev.mu.Lock()
			defer ev.mu.Unlock()
			return len(ev.bins) == 1 && string(ev.bins[0]) == string([]byte{0xca, 0xfe, 0x42})
		}, 3*time.Second, 10*time.Millisecond)
	})

	t.Run("large messages fragment both ways", func(t *testing.T) {
		// 2500 bytes leave here as three frames; the peer reassembles
		// and echoes one frame, which lands as three rx fragments
		big := strings.Repeat("x", 2500)
		n, err := c.SendText(big)
		require.NoError(t, err)
		assert.Equal(t, 2500, n)

		require.Eventually(t, func() bool {
			got, _, lasts := ev.fragments()
			return len(got) == 2500 && lasts == 1
		}, 3*time.Second, 10*time.Millisecond, "fragments never completed")

		got, nfrags, _ := ev.fragments()
		assert.Equal(t, big, got, "fragments reassemble to the message")
		assert.Equal(t, 3, nfrags, "three buffer sized pieces")
		assert.False(t, ev.sawText(big), "fragmented delivery must not also surface whole")
	})

	t.Run("server ping answered", func(t *testing.T) {
		_, err := c.SendText("ping-me")
		require.NoError(t, err)
		// "pinged" only comes back after the peer saw our pong
		require.Eventually(t, func() bool { return ev.sawText("pinged") },
			3*time.Second, 10*time.Millisecond, "peer never got the pong")
	})

	t.Run("disconnect on request", func(t *testing.T) {
		require.NoError(t, c.Disconnect())
		require.Eventually(t, func() bool { return ev.disconnects() == 1 },
			3*time.Second, 10*time.Millisecond, "disconnect never reported")
		assert.Equal(t, wsc.Idle, c.State())
		assert.Error(t, c.Disconnect(), "second disconnect has nothing to drop")
	})

	t.Run("reconnect after delay", func(t *testing.T) {
		require.NoError(t, c.Connect(50*time.Millisecond))
		require.Eventually(t, c.IsConnected, 3*time.Second, 10*time.Millisecond)
		assert.Equal(t, 2, ev.connects())
	})

	t.Run("peer close disconnects", func(t *testing.T) {
		_, err := c.SendText("bye")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return ev.disconnects() == 2 },
			3*time.Second, 10*time.Millisecond, "peer close never reported")
		assert.Never(t, func() bool { return ev.disconnects() > 2 },
			300*time.Millisecond, 50*time.Millisecond, "disconnected fired twice")
	})

	require.NoError(t, c.Stop())
	require.Eventually(t, func() bool { return c.State() == wsc.Stopped },
		3*time.Second, 10*time.Millisecond, "worker never exited")
	assert.Error(t, c.Stop(), "second stop must be refused")

	// stopped clients restart cleanly
	require.NoError(t, c.SetBufferSize(512))
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())
	require.Eventually(t, func() bool { return c.State() == wsc.Stopped },
		3*time.Second, 10*time.Millisecond)
}

func TestClientOverTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(portalPeer))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: srv.Certificate().Raw,
	})

	ev := new(clientEvents)
	c := wsc.NewClient("t2", ev)

	assert.Error(t, c.SetCACertificate(certPEM), "ca needs a started client")

	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() })
	require.NoError(t, c.SetCACertificate(certPEM))
	require.NoError(t, c.SetURL("wss://"+u.Host+"/"))

	require.NoError(t, c.Connect(0))
	require.Eventually(t, c.IsConnected, 3*time.Second, 10*time.Millisecond,
		"wss connect never completed")

	_, err = c.SendText("over tls")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ev.sawText("over tls") },
		3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Disconnect())
	require.Eventually(t, func() bool { return ev.disconnects() == 1 },
		3*time.Second, 10*time.Millisecond)
}

func TestConnectFailure(t *testing.T) {
	// grab a port nobody will be listening on by the time we dial
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	ev := new(clientEvents)
	c := wsc.NewClient("t3", ev)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() })

	require.NoError(t, c.SetURL(fmt.Sprintf("ws://127.0.0.1:%d/", port)))
	require.NoError(t, c.Connect(0))

	require.Eventually(t, func() bool { return ev.disconnects() == 1 },
		5*time.Second, 10*time.Millisecond, "failed connect never reported")
	assert.Zero(t, ev.connects())
	assert.Equal(t, wsc.Idle, c.State(), "failed connects fall back to idle")

	// still usable: connecting somewhere real works afterwards
	srv := httptest.NewServer(http.HandlerFunc(portalPeer))
	defer srv.Close()
	require.NoError(t, c.SetURL(wsURL(t, srv.URL)))
	require.NoError(t, c.Connect(0))
	require.Eventually(t, c.IsConnected, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Disconnect())
	require.Eventually(t, func() bool { return c.State() == wsc.Idle },
		3*time.Second, 10*time.Millisecond)
}

func TestConnectWithoutURL(t *testing.T) {
	ev := new(clientEvents)
	c := wsc.NewClient("t4", ev)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() })

	require.NoError(t, c.Connect(0), "the request itself is legal while idle")
	require.Eventually(t, func() bool { return c.State() == wsc.Idle },
		3*time.Second, 10*time.Millisecond)

	assert.Never(t, func() bool { return ev.connects() > 0 || ev.disconnects() > 0 },
		300*time.Millisecond, 50*time.Millisecond, "no transport, no events")
}
