// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mempool

import (
	"testing"
	"unsafe"
)

func TestFixallocReuse(t *testing.T) {
	var f fixalloc
	f.init(24, 8)

	a := f.alloc()
	b := f.alloc()
	if a == nil || b == nil {
		t.Fatal("alloc returned nil")
	}
	if a == b {
		t.Fatal("alloc returned the same block twice")
	}

	// Freed blocks are reused LIFO.
	f.free(a)
	if c := f.alloc(); c != a {
		t.Errorf("alloc after free = %p, want recycled %p", c, a)
	}
}

func TestFixallocAlignment(t *testing.T) {
	var f fixalloc
	f.init(unsafe.Sizeof(mspan{}), 8)

	seen := make(map[uintptr]bool)
	for i := 0; i < 10000; i++ {
		p := uintptr(f.alloc())
		if p == 0 {
			t.Fatal("alloc returned nil")
		}
		if p%8 != 0 {
			t.Fatalf("alloc %d: %#x not 8-byte aligned", i, p)
		}
		if seen[p] {
			t.Fatalf("alloc %d: block %#x handed out twice", i, p)
		}
		seen[p] = true
	}
}

func TestFixallocSmallSize(t *testing.T) {
	// Objects smaller than a pointer are bumped so the free list
	// next pointer fits.
	var f fixalloc
	f.init(1, 1)
	if f.size < unsafe.Sizeof(mlink{}) {
		t.Fatalf("object size %d cannot carry a next pointer", f.size)
	}
	a := f.alloc()
	f.free(a)
	if b := f.alloc(); b != a {
		t.Error("recycled block not reused")
	}
}
