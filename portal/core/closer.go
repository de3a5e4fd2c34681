// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"io"
	"net"
	"reflect"
)

// CloseUDP closes c.
func CloseUDP(c *net.UDPConn) {
	if c != nil {
		_ = c.Close()
	}
}

// CloseTCPWrite closes the write end of w by sending a FIN to
// the peer; reads may still proceed.
func CloseTCPWrite(w net.Conn) {
	if tc, ok := w.(*net.TCPConn); ok && tc != nil {
		_ = tc.CloseWrite()
	}
}

// CloseConn closes cs.
func CloseConn(cs ...net.Conn) {
	for _, c := range cs {
		if c == nil {
			continue
		}
		switch x := c.(type) {
		case *net.TCPConn:
			if x != nil {
				_ = x.Close()
			}
		case *net.UDPConn:
			if x != nil {
				_ = x.Close()
			}
		default:
			if IsNotNil(c) {
				_ = c.Close()
			}
		}
	}
}

// Close closes cs.
func Close(cs ...io.Closer) {
	for _, c := range cs {
		if c == nil {
			continue
		}
		if IsNotNil(c) {
			_ = c.Close()
		}
	}
}

// may panic or return false if x is not addressable
func IsNotNil(x any) bool {
	return !IsNil(x)
}

// IsNil reports whether x is nil for Chan, Func, Map, Pointer,
// UnsafePointer, Interface, and Slice kinds; may panic or return
// false if x is not addressable.
func IsNil(x any) bool {
	if x == nil {
		return true
	}
	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Interface, reflect.Chan, reflect.Func, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}
