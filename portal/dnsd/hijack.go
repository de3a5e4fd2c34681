// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsd

import (
	"encoding/binary"

	"github.com/nubwerk/portalstack/portal/settings"
)

// rfc1035 header field offsets, all big-endian.
const (
	offID      = 0
	offFlags   = 2
	offQDCount = 4
	offANCount = 6
	offNSCount = 8
	offARCount = 10
	headerSize = 12
)

// masks into the 16-bit flags word.
const (
	maskQR     = 0x8000
	maskOpcode = 0x7800
	maskRA     = 0x0080
	maskRcode  = 0x000F
)

const (
	rcodeFormatError = 1
	rcodeNameError   = 3
)

const (
	qtypeA   = 1
	qtypeANY = 255

	classIN  = 1
	classANY = 255

	// labels above 63 octets carry the name-pointer bits; with a
	// single question there is nothing to point at, so both cases
	// are a format error.
	maxLabel = 63

	// name ptr (2) + type (2) + class (2) + ttl (4) + rdlength (2) + rdata (4)
	rrSize = 16
)

// hijack validates the query in pkt[:n] and rewrites it in place
// into a response, returning the response length; 0 means no
// response is owed. pkt must have capacity for rrSize bytes past n.
func hijack(pkt []byte, n int, ip4 [4]byte) int {
	if n < headerSize {
		return 0 // incomplete header; ignore
	}

	flags := binary.BigEndian.Uint16(pkt[offFlags:])
	if flags&maskQR != 0 {
		return 0 // not a query; ignore
	}
	if flags&maskOpcode != 0 {
		// only standard queries
		return errFrame(pkt, rcodeFormatError, headerSize)
	}
	if binary.BigEndian.Uint16(pkt[offANCount:]) != 0 ||
		binary.BigEndian.Uint16(pkt[offNSCount:]) != 0 {
		// only questions
		return errFrame(pkt, rcodeFormatError, headerSize)
	}
	if binary.BigEndian.Uint16(pkt[offQDCount:]) != 1 {
		// multiple questions in one query are never used in practice
		return errFrame(pkt, rcodeFormatError, headerSize)
	}

	// walk the qname labels up to the terminating zero label
	i := headerSize
	for {
		if i >= n {
			// ran off the end of the message inside the qname
			return errFrame(pkt, rcodeFormatError, headerSize)
		}
		l := int(pkt[i])
		if l > maxLabel {
			return errFrame(pkt, rcodeFormatError, headerSize)
		}
		i += l + 1
		if l == 0 {
			break
		}
	}

	if i+4 > n {
		// qtype and qclass truncated; echo the partial question
		return errFrame(pkt, rcodeFormatError, i)
	}
	qend := i + 4
	qtype := binary.BigEndian.Uint16(pkt[i:])
	qclass := binary.BigEndian.Uint16(pkt[i+2:])

	if qtype != qtypeA && qtype != qtypeANY {
		return errFrame(pkt, rcodeNameError, qend)
	}
	if qclass != classIN && qclass != classANY {
		return errFrame(pkt, rcodeNameError, qend)
	}

	// EDNS pseudo-records may trail the question; dropped unparsed
	binary.BigEndian.PutUint16(pkt[offARCount:], 0)

	rlen := qend + rrSize
	if rlen > settings.DNSMaxMsgSize {
		// domain names cap at 255 octets so a legal response always
		// fits; anything longer is malformed
		return errFrame(pkt, rcodeFormatError, qend)
	}

	// answer points back at the question name instead of repeating it
	ans := pkt[qend:]
	binary.BigEndian.PutUint16(ans[0:], 0xC000|headerSize)
	binary.BigEndian.PutUint16(ans[2:], qtypeA)
	binary.BigEndian.PutUint16(ans[4:], classIN)
	// ttl 0: no caching; avoids poisoning resolvers with a hijacked answer
	binary.BigEndian.PutUint32(ans[6:], 0)
	binary.BigEndian.PutUint16(ans[10:], 4)
	copy(ans[12:16], ip4[:])

	binary.BigEndian.PutUint16(pkt[offANCount:], 1)
	binary.BigEndian.PutUint16(pkt[offFlags:], (flags|maskQR|maskRA)&^maskRcode)

	return rlen
}

// errFrame rewrites pkt in place into an error response of rlen
// bytes, keeping the transaction id and request flags. QDCount is 1
// only when (part of) the question is echoed after the header.
func errFrame(pkt []byte, rcode uint16, rlen int) int {
	flags := binary.BigEndian.Uint16(pkt[offFlags:])
	flags |= maskQR | maskRA
	flags = (flags &^ maskRcode) | rcode
	binary.BigEndian.PutUint16(pkt[offFlags:], flags)

	if rlen > headerSize {
		binary.BigEndian.PutUint16(pkt[offQDCount:], 1)
	} else {
		binary.BigEndian.PutUint16(pkt[offQDCount:], 0)
	}
	binary.BigEndian.PutUint16(pkt[offANCount:], 0)
	binary.BigEndian.PutUint16(pkt[offNSCount:], 0)
	binary.BigEndian.PutUint16(pkt[offARCount:], 0)

	return rlen
}
