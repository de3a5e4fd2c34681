// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package xdns

import (
	"github.com/miekg/dns"

	"github.com/nubwerk/portalstack/portal/log"
)

func AsMsg(packet []byte) *dns.Msg {
	msg := &dns.Msg{}
	if err := msg.Unpack(packet); err != nil {
		log.D("dnsutil: failed to unpack msg: %v", err)
		return nil
	}
	return msg
}

func QName(msg *dns.Msg) string {
	if msg != nil && len(msg.Question) > 0 {
		return msg.Question[0].Name
	}
	return ""
}

func QType(msg *dns.Msg) uint16 {
	if msg != nil && len(msg.Question) > 0 {
		return msg.Question[0].Qtype
	}
	return dns.TypeNone
}

func Rcode(msg *dns.Msg) int {
	if msg != nil {
		return msg.Rcode
	}
	return dns.RcodeFormatError
}

func HasAnyAnswer(msg *dns.Msg) bool {
	return msg != nil && len(msg.Answer) > 0
}

func HasAAnswer(msg *dns.Msg) bool {
	if msg == nil {
		return false
	}
	for _, a := range msg.Answer {
		if a.Header().Rrtype == dns.TypeA {
			if rec, ok := a.(*dns.A); ok && rec.A != nil {
				return true
			}
		}
	}
	return false
}

// AAnswerIP returns the first A record's address, or "".
func AAnswerIP(msg *dns.Msg) string {
	if msg == nil {
		return ""
	}
	for _, a := range msg.Answer {
		if rec, ok := a.(*dns.A); ok && rec.A != nil {
			return rec.A.String()
		}
	}
	return ""
}

func Size(msg *dns.Msg) int {
	if msg == nil {
		return 0
	}
	return msg.Len()
}
