// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package log

import (
	"io"
	"sync/atomic"
)

var Glogger Logger

// level mirrors Glogger's level for cheap LevelOf reads.
var level atomic.Uint32

type LogFn func(string, ...any)

func RegisterLogger(l Logger) bool {
	if l == nil {
		return false
	}
	Glogger = l
	SetLevel(INFO)
	return true
}

func SetLevel(n LogLevel) {
	level.Store(uint32(n))
	if Glogger != nil {
		Glogger.SetLevel(n)
	}
}

func SetOutput(w io.Writer) {
	if Glogger != nil {
		Glogger.SetOutput(w)
	}
}

// LevelOf reports the currently registered log level.
func LevelOf() LogLevel {
	return LogLevel(level.Load())
}

// N is a no-op LogFn.
func N(string, ...any) {}

func VV(msg string, args ...any) {
	if Glogger != nil {
		Glogger.VeryVerbosef(msg, args...)
	}
}

func V(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Verbosef(msg, args...)
	}
}

func D(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Debugf(msg, args...)
	}
}

func I(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Infof(msg, args...)
	}
}

func W(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Warnf(msg, args...)
	}
}

func E(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Errorf(msg, args...)
	}
}

// Wtf logs fatally; should-never-happen paths only.
func Wtf(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Fatalf(msg, args...)
	}
}

// T logs the stack trace of the current goroutine.
func T(msg string) {
	if Glogger != nil {
		Glogger.Stack(msg)
	}
}
