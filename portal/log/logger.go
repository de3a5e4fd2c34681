// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package log

import (
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	SetLevel(level LogLevel)
	SetOutput(w io.Writer)
	Printf(msg string, args ...any)
	VeryVerbosef(msg string, args ...any)
	Verbosef(msg string, args ...any)
	Debugf(msg string, args ...any)
	Infof(msg string, args ...any)
	Warnf(msg string, args ...any)
	Errorf(msg string, args ...any)
	Fatalf(msg string, args ...any)
	Stack(msg string)
}

type LogLevel uint32

const (
	VVERBOSE LogLevel = iota
	VERBOSE
	DEBUG
	INFO
	WARN
	ERROR
	NONE
)

const defaultLevel = INFO

// stackDepth is the max size of the scratch buffer for Stack.
const stackDepth = 32 * 1024

// glogger logs through logrus; hosts may swap it out
// for their own sinks with RegisterLogger.
type glogger struct {
	lr  *logrus.Logger
	tag string
}

var _ Logger = (*glogger)(nil)

var _ = RegisterLogger(defaultLogger())

func defaultLogger() *glogger {
	lr := logrus.New()
	lr.SetOutput(os.Stderr)
	lr.SetLevel(lvl2logrus(defaultLevel))
	lr.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return &glogger{lr: lr}
}

// NewLogger creates a logrus-backed Logger with the given tag.
func NewLogger(tag string) *glogger {
	l := defaultLogger()
	if len(tag) <= 0 {
		return l
	}
	if !strings.HasSuffix(tag, " ") {
		tag += " "
	}
	l.tag = tag
	return l
}

func lvl2logrus(n LogLevel) logrus.Level {
	switch n {
	case VVERBOSE, VERBOSE:
		return logrus.TraceLevel
	case DEBUG:
		return logrus.DebugLevel
	case INFO:
		return logrus.InfoLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	case NONE:
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *glogger) SetLevel(n LogLevel) {
	l.lr.SetLevel(lvl2logrus(n))
	if n >= NONE {
		l.lr.SetOutput(io.Discard)
	}
}

func (l *glogger) SetOutput(w io.Writer) {
	if w != nil {
		l.lr.SetOutput(w)
	}
}

// Printf exists to satisfy std Logger interfaces of dependent libs.
func (l *glogger) Printf(msg string, args ...any) {
	l.lr.Debugf(l.msgstr(msg), args...)
}

func (l *glogger) VeryVerbosef(msg string, args ...any) {
	l.lr.Tracef(l.msgstr(msg), args...)
}

func (l *glogger) Verbosef(msg string, args ...any) {
	l.lr.Tracef(l.msgstr(msg), args...)
}

func (l *glogger) Debugf(msg string, args ...any) {
	l.lr.Debugf(l.msgstr(msg), args...)
}

func (l *glogger) Infof(msg string, args ...any) {
	l.lr.Infof(l.msgstr(msg), args...)
}

func (l *glogger) Warnf(msg string, args ...any) {
	l.lr.Warnf(l.msgstr(msg), args...)
}

func (l *glogger) Errorf(msg string, args ...any) {
	l.lr.Errorf(l.msgstr(msg), args...)
}

func (l *glogger) Fatalf(msg string, args ...any) {
	l.lr.Fatalf(l.msgstr(msg), args...)
}

// Stack logs msg and the stack trace of the current goroutine.
func (l *glogger) Stack(msg string) {
	scratch := make([]byte, stackDepth)
	n := runtime.Stack(scratch, false)
	if n == len(scratch) {
		msg += " [trunc]"
	}
	l.lr.Errorf("%s\n%s", l.msgstr(msg), scratch[:n])
}

func (l *glogger) msgstr(f string) string {
	if len(l.tag) > 0 {
		return l.tag + f
	}
	return f
}
