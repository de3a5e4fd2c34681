// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsd

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubwerk/portalstack/portal/settings"
)

var hijackIP = [4]byte{10, 0, 0, 1}

// aQuery is a plain A query for example.com, id 0x1234, RD set.
func aQuery() []byte {
	return []byte{
		0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0,
		0x00, 0x01, 0x00, 0x01,
	}
}

func runHijack(q []byte) ([]byte, int) {
	pkt := make([]byte, settings.DNSMaxMsgSize)
	copy(pkt, q)
	n := hijack(pkt, len(q), hijackIP)
	return pkt, n
}

func TestHijackAnswersA(t *testing.T) {
	pkt, n := runHijack(aQuery())

	want := []byte{
		// header: id kept, QR|RD|RA set, one question, one answer
		0x12, 0x34, 0x81, 0x80, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
		// question echoed byte for byte
		7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0,
		0x00, 0x01, 0x00, 0x01,
		// answer: pointer to the question name, A IN, ttl 0, 10.0.0.1
		0xC0, 0x0C, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04,
		10, 0, 0, 1,
	}
	require.Equal(t, len(want), n)
	assert.Equal(t, want, pkt[:n])
}

func TestHijackRejectsOpcode(t *testing.T) {
	q := aQuery()
	// opcode STATUS; the rest of the query is untouched
	binary.BigEndian.PutUint16(q[offFlags:], 0x1000)
	pkt, n := runHijack(q)

	want := []byte{
		0x12, 0x34, 0x90, 0x81, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	require.Equal(t, len(want), n)
	assert.Equal(t, want, pkt[:n])
}

func TestHijackRefusesAAAA(t *testing.T) {
	q := aQuery()
	q[26] = 28 // qtype AAAA
	pkt, n := runHijack(q)

	want := aQuery()
	want[26] = 28
	binary.BigEndian.PutUint16(want[offFlags:], 0x8183)
	require.Equal(t, len(want), n)
	assert.Equal(t, want, pkt[:n])
}

func TestHijackValidation(t *testing.T) {
	tests := []struct {
		name      string
		mangle    func(q []byte) []byte
		wantLen   int
		wantRcode int
		wantQD    uint16
		wantAN    uint16
	}{
		{
			name:    "qtype any",
			mangle:  func(q []byte) []byte { q[26] = 255; return q },
			wantLen: 45,
			wantQD:  1,
			wantAN:  1,
		},
		{
			name:    "qclass any",
			mangle:  func(q []byte) []byte { q[28] = 255; return q },
			wantLen: 45,
			wantQD:  1,
			wantAN:  1,
		},
		{
			name: "junk rcode bits cleared",
			mangle: func(q []byte) []byte {
				binary.BigEndian.PutUint16(q[offFlags:], 0x0107)
				return q
			},
			wantLen: 45,
			wantQD:  1,
			wantAN:  1,
		},
		{
			name: "qclass chaos",
			mangle: func(q []byte) []byte {
				q[28] = 3
				return q
			},
			wantLen:   29,
			wantRcode: rcodeNameError,
			wantQD:    1,
		},
		{
			name: "answer in query",
			mangle: func(q []byte) []byte {
				binary.BigEndian.PutUint16(q[offANCount:], 1)
				return q
			},
			wantLen:   headerSize,
			wantRcode: rcodeFormatError,
		},
		{
			name: "authority in query",
			mangle: func(q []byte) []byte {
				binary.BigEndian.PutUint16(q[offNSCount:], 1)
				return q
			},
			wantLen:   headerSize,
			wantRcode: rcodeFormatError,
		},
		{
			name: "no question",
			mangle: func(q []byte) []byte {
				binary.BigEndian.PutUint16(q[offQDCount:], 0)
				return q
			},
			wantLen:   headerSize,
			wantRcode: rcodeFormatError,
		},
		{
			name: "two questions",
			mangle: func(q []byte) []byte {
				binary.BigEndian.PutUint16(q[offQDCount:], 2)
				return q
			},
			wantLen:   headerSize,
			wantRcode: rcodeFormatError,
		},
		{
			name:      "compression pointer in name",
			mangle:    func(q []byte) []byte { q[12] = 0xC0; return q },
			wantLen:   headerSize,
			wantRcode: rcodeFormatError,
		},
		{
			name:      "label too long",
			mangle:    func(q []byte) []byte { q[12] = 64; return q },
			wantLen:   headerSize,
			wantRcode: rcodeFormatError,
		},
		{
			name:      "name runs off the end",
			mangle:    func(q []byte) []byte { return q[:20] },
			wantLen:   headerSize,
			wantRcode: rcodeFormatError,
		},
		{
			name:      "qclass cut off",
			mangle:    func(q []byte) []byte { return q[:28] },
			wantLen:   25, // header and name echoed, the broken tail dropped
			wantRcode: rcodeFormatError,
			wantQD:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, n := runHijack(tt.mangle(aQuery()))

			require.Equal(t, tt.wantLen, n)
			assert.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(pkt[offID:]), "id must survive")
			flags := binary.BigEndian.Uint16(pkt[offFlags:])
			assert.NotZero(t, flags&maskQR, "response bit")
			assert.Equal(t, tt.wantRcode, int(flags&maskRcode))
			assert.Equal(t, tt.wantQD, binary.BigEndian.Uint16(pkt[offQDCount:]))
			assert.Equal(t, tt.wantAN, binary.BigEndian.Uint16(pkt[offANCount:]))
			assert.Zero(t, binary.BigEndian.Uint16(pkt[offNSCount:]))
			assert.Zero(t, binary.BigEndian.Uint16(pkt[offARCount:]))
		})
	}
}

func TestHijackDrops(t *testing.T) {
	response := aQuery()
	binary.BigEndian.PutUint16(response[offFlags:], 0x8180)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"truncated header", []byte{0x12, 0x34, 0x01, 0x00, 0x00}},
		{"response not query", response},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n := runHijack(tt.in)
			assert.Zero(t, n, "must be dropped without a response")
		})
	}
}

func TestHijackStripsEDNS(t *testing.T) {
	q := aQuery()
	binary.BigEndian.PutUint16(q[offARCount:], 1)
	// root OPT RR, udp size 4096, no options
	q = append(q, 0, 0x00, 0x29, 0x10, 0x00, 0, 0, 0, 0, 0x00, 0x00)

	pkt, n := runHijack(q)

	require.Equal(t, 45, n)
	assert.Zero(t, binary.BigEndian.Uint16(pkt[offARCount:]), "OPT must not be echoed")
	assert.Equal(t, []byte{10, 0, 0, 1}, pkt[n-4:n])
}

func TestHijackOversizeResponse(t *testing.T) {
	// a name of eight full labels pushes the answer past the
	// datagram cap even though every label is legal on its own
	q := []byte{0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	for i := 0; i < 8; i++ {
		q = append(q, maxLabel)
		q = append(q, bytes.Repeat([]byte{'a'}, maxLabel)...)
	}
	q = append(q, 0, 0x00, 0x01, 0x00, 0x01)

	pkt := make([]byte, len(q)+rrSize)
	copy(pkt, q)
	n := hijack(pkt, len(q), hijackIP)

	require.Equal(t, len(q), n, "question echoed, no answer appended")
	flags := binary.BigEndian.Uint16(pkt[offFlags:])
	assert.Equal(t, rcodeFormatError, int(flags&maskRcode))
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(pkt[offQDCount:]))
	assert.Zero(t, binary.BigEndian.Uint16(pkt[offANCount:]))
}

func TestHijackAllocs(t *testing.T) {
	q := aQuery()
	pkt := make([]byte, settings.DNSMaxMsgSize)

	allocs := testing.AllocsPerRun(100, func() {
		copy(pkt, q)
		hijack(pkt, len(q), hijackIP)
	})
	assert.Zero(t, allocs)
}
