// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsd

import (
	"fmt"
	"time"
)

// QuerySummary is the accesslog record of one handled datagram,
// reported after the response (if any) is determined.
type QuerySummary struct {
	SID     string // service id
	Client  string // client ip:port
	QName   string // question name, "" if unparsable
	QType   int    // question type, 0 if unparsable
	Rcode   int    // response code; -1 when dropped silently
	RLen    int    // response length; 0 when dropped silently
	Latency int32  // time to process (micros)
}

type Summariser interface {
	// OnQuery reports a summary for each processed query.
	OnQuery(*QuerySummary)
}

func querySummary(sid, client, qname string, qtype int) *QuerySummary {
	return &QuerySummary{
		SID:    sid,
		Client: client,
		QName:  qname,
		QType:  qtype,
	}
}

func (s *QuerySummary) done(start time.Time) {
	if s == nil {
		return
	}
	s.Latency = int32(time.Since(start).Microseconds())
}

func (s *QuerySummary) String() string {
	return fmt.Sprintf("sid: %s, client: %s, q: %s, qtype: %d, rcode: %d, rlen: %d, t: %dus",
		s.SID, s.Client, s.QName, s.QType, s.Rcode, s.RLen, s.Latency)
}
