// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"sync"
)

var slab *sync.Pool

const BufSize = 4 * 1024 // in bytes

func SetSlabAllocator(p *sync.Pool) {
	slab = p
}

// AllocRegion returns a byte slice of at least size bytes,
// pooled if size fits in a slab.
func AllocRegion(size int) []byte {
	if size <= BufSize {
		ptr := slab.Get().(*[]byte)
		return *ptr
	}
	return make([]byte, size)
}

func Alloc() []byte {
	return AllocRegion(BufSize)
}

// Recycle returns b to the pool; reports whether it was pooled.
func Recycle(b []byte) bool {
	sz := cap(b)
	b = b[0:sz]
	if len(b) >= BufSize {
		slab.Put(&b)
		return true
	}
	return false
}

func init() {
	SetSlabAllocator(&sync.Pool{
		New: func() any {
			b := make([]byte, BufSize)
			return &b
		},
	})
}
