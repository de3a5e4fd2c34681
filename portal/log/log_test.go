// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package log_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nubwerk/portalstack/portal/log"
)

func TestTaggedLogger(t *testing.T) {
	var buf bytes.Buffer
	l := log.NewLogger("xport")
	l.SetOutput(&buf)
	l.SetLevel(log.DEBUG)

	l.Infof("connected %s", "10.1.1.1")
	assert.Contains(t, buf.String(), "xport connected 10.1.1.1", "tag prefixes the message")

	buf.Reset()
	l.Printf("std logger shim %d", 7)
	assert.Contains(t, buf.String(), "xport std logger shim 7")
}

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := log.NewLogger("")
	l.SetOutput(&buf)

	l.SetLevel(log.ERROR)
	l.Infof("quiet")
	l.Debugf("quieter")
	assert.Empty(t, buf.String())

	l.Errorf("loud")
	assert.Contains(t, buf.String(), "loud")

	l.SetLevel(log.NONE)
	buf.Reset()
	l.Errorf("void")
	assert.Empty(t, buf.String(), "none silences even errors")
}

func TestStackTrace(t *testing.T) {
	var buf bytes.Buffer
	l := log.NewLogger("")
	l.SetOutput(&buf)
	l.SetLevel(log.ERROR)

	l.Stack("trace me")
	out := buf.String()
	assert.Contains(t, out, "trace me")
	assert.Contains(t, out, "goroutine", "the stack rides along")
}

func TestFrontAPI(t *testing.T) {
	old := log.LevelOf()
	defer log.SetLevel(old)

	log.SetLevel(log.WARN)
	assert.Equal(t, log.WARN, log.LevelOf())

	assert.False(t, log.RegisterLogger(nil), "nil loggers are refused")
	assert.NotPanics(t, func() { log.N("dropped %d", 1) })
}
