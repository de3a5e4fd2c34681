// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package xport

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nubwerk/portalstack/portal/log"
	"github.com/nubwerk/portalstack/portal/settings"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// WSTransport speaks the rfc 6455 client side over an inner byte
// stream: tcp for ws, ssl for wss. Reads are frame-aware: Read
// returns payload bytes of the current inbound frame, PayloadLen and
// Opcode describe that frame. A close frame ends the stream with
// io.EOF. Reads are driven by a single goroutine; sends may come
// from others and serialize on the inner stream.
type WSTransport struct {
	inner  Transport
	secure bool
	path   string

	pre []byte // bytes read past the upgrade response, served first

	// current inbound frame
	opcode    byte
	plen      int64
	remaining int64
}

func NewWS(inner Transport, secure bool) *WSTransport {
	return &WSTransport{inner: inner, secure: secure, path: "/"}
}

func (w *WSTransport) Schema() string {
	if w.secure {
		return SchemaWSS
	}
	return SchemaWS
}

func (w *WSTransport) DefaultPort() int {
	if w.secure {
		return 443
	}
	return 80
}

// SetPath sets the request path for the next upgrade; "" means "/".
func (w *WSTransport) SetPath(p string) {
	if len(p) == 0 {
		p = "/"
	}
	w.path = p
}

func (w *WSTransport) Connect(host string, port int, timeout time.Duration) error {
	if err := w.inner.Connect(host, port, timeout); err != nil {
		return err
	}
	if err := w.upgrade(host, port, timeout); err != nil {
		log.E("xport: %s upgrade %s:%d; err: %v", w.Schema(), host, port, err)
		_ = w.inner.Close()
		return err
	}
	log.I("xport: %s upgraded %s:%d%s", w.Schema(), host, port, w.path)
	return nil
}

// upgrade runs the http/1.1 handshake on the freshly connected inner
// stream; frame bytes the server sent right behind its response are
// kept aside for the first reads.
func (w *WSTransport) upgrade(host string, port int, timeout time.Duration) error {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	key := base64.StdEncoding.EncodeToString(nonce[:])

	req := &http.Request{
		Method: http.MethodGet,
		URL:    &url.URL{Path: w.path},
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Header: http.Header{
			"Upgrade":               {"websocket"},
			"Connection":            {"Upgrade"},
			"Sec-WebSocket-Key":     {key},
			"Sec-WebSocket-Version": {"13"},
		},
	}

	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return err
	}
	if _, err := w.inner.Write(buf.Bytes(), timeout); err != nil {
		return err
	}

	br := bufio.NewReaderSize(&innerReader{w.inner, timeout}, 4096)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols ||
		!strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") ||
		resp.Header.Get("Sec-WebSocket-Accept") != acceptOf(key) {
		return errUpgrade
	}

	if n := br.Buffered(); n > 0 {
		stash, _ := br.Peek(n)
		w.pre = append([]byte(nil), stash...)
	} else {
		w.pre = nil
	}
	w.opcode, w.plen, w.remaining = 0, 0, 0
	return nil
}

func (w *WSTransport) PollRead(timeout time.Duration) (int, error) {
	if len(w.pre) > 0 || w.remaining > 0 {
		return 1, nil
	}
	return w.inner.PollRead(timeout)
}

func (w *WSTransport) Read(b []byte, timeout time.Duration) (int, error) {
	if w.remaining <= 0 {
		if err := w.readHeader(timeout); err != nil {
			return 0, err
		}
		if w.opcode == OpClose {
			log.D("xport: %s close frame", w.Schema())
			return 0, io.EOF
		}
	}
	if w.remaining == 0 {
		return 0, nil // empty frame
	}

	n := len(b)
	if int64(n) > w.remaining {
		n = int(w.remaining)
	}
	if err := w.readFull(b[:n], timeout); err != nil {
		return 0, err
	}
	w.remaining -= int64(n)
	return n, nil
}

func (w *WSTransport) PayloadLen() int { return int(w.plen) }
func (w *WSTransport) Opcode() byte    { return w.opcode }

// SendRaw emits one frame: the final-fragment bit is the high bit of
// opcode, the payload is client-masked. Returns payload bytes sent.
func (w *WSTransport) SendRaw(opcode byte, b []byte, timeout time.Duration) (int, error) {
	frame := make([]byte, 0, len(b)+14)
	frame = append(frame, opcode)

	l := len(b)
	switch {
	case l < 126:
		frame = append(frame, byte(l)|0x80)
	case l <= 0xffff:
		frame = append(frame, 126|0x80, byte(l>>8), byte(l))
	default:
		frame = append(frame, 127|0x80)
		frame = binary.BigEndian.AppendUint64(frame, uint64(l))
	}

	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return 0, err
	}
	frame = append(frame, mask[:]...)

	start := len(frame)
	frame = append(frame, b...)
	for i := start; i < len(frame); i++ {
		frame[i] ^= mask[(i-start)&3]
	}

	if _, err := w.inner.Write(frame, timeout); err != nil {
		return 0, err
	}
	return l, nil
}

// Write sends b as one unfragmented binary frame.
func (w *WSTransport) Write(b []byte, timeout time.Duration) (int, error) {
	return w.SendRaw(OpFin|OpBinary, b, timeout)
}

func (w *WSTransport) Close() error {
	w.pre = nil
	w.opcode, w.plen, w.remaining = 0, 0, 0
	return w.inner.Close()
}

// readHeader parses the next frame header off the stream. Frames
// from servers must arrive unmasked.
func (w *WSTransport) readHeader(timeout time.Duration) error {
	var h [8]byte
	if err := w.readFull(h[:2], timeout); err != nil {
		return err
	}
	w.opcode = h[0] & 0x0f
	masked := h[1]&0x80 != 0
	plen := int64(h[1] & 0x7f)

	switch plen {
	case 126:
		if err := w.readFull(h[:2], timeout); err != nil {
			return err
		}
		plen = int64(binary.BigEndian.Uint16(h[:2]))
	case 127:
		if err := w.readFull(h[:8], timeout); err != nil {
			return err
		}
		u := binary.BigEndian.Uint64(h[:8])
		if u > 1<<62 {
			return errBadFrame
		}
		plen = int64(u)
	}

	if masked {
		return errMaskedFrame
	}
	w.plen = plen
	w.remaining = plen
	if settings.Debug {
		log.VV("xport: %s frame op %#x len %d", w.Schema(), w.opcode, plen)
	}
	return nil
}

// readFull fills p from the stash of pre-read bytes first, then the
// inner stream.
func (w *WSTransport) readFull(p []byte, timeout time.Duration) error {
	for len(p) > 0 {
		if len(w.pre) > 0 {
			n := copy(p, w.pre)
			w.pre = w.pre[n:]
			p = p[n:]
			continue
		}
		n, err := w.inner.Read(p, timeout)
		if n > 0 {
			p = p[n:]
		}
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// innerReader adapts a Transport to io.Reader for the upgrade
// response parse.
type innerReader struct {
	t       Transport
	timeout time.Duration
}

func (r *innerReader) Read(p []byte) (int, error) {
	return r.t.Read(p, r.timeout)
}

func acceptOf(key string) string {
	h := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}
