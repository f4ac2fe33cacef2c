// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Fixed-size object allocator. Returned memory is not zeroed.
//
// See malloc.go for overview.

package mempool

import "unsafe"

// fixalloc is a simple free-list allocator for fixed size objects.
// The allocator uses fixalloc wrapped around sysAlloc to manage its
// mspan, mcache and page map node objects, so that metadata
// allocation never recurses into the allocator itself.
//
// Memory returned by fixalloc.alloc is not zeroed; the first word of
// a recycled block still holds its old free-list link.
// The caller is responsible for locking around fixalloc calls.
type fixalloc struct {
	size   uintptr
	align  uintptr
	list   *mlink
	chunk  unsafe.Pointer // 当前大块内存的切分位置
	nchunk uintptr        // remaining bytes in chunk
	inuse  uintptr        // in-use bytes now
}

// A generic linked list of blocks. (Typically the block is bigger
// than sizeof(mlink).)
type mlink struct {
	next *mlink
}

// Initialize f to allocate objects of the given size and alignment,
// carving them from _FixAllocChunk blocks obtained with sysAlloc.
func (f *fixalloc) init(size, align uintptr) {
	if size < unsafe.Sizeof(mlink{}) {
		// Every free object carries the next pointer in place.
		size = unsafe.Sizeof(mlink{})
	}
	if align == 0 || align&(align-1) != 0 {
		throw("fixalloc: bad alignment")
	}
	f.size = size
	f.align = align
	f.list = nil
	f.chunk = nil
	f.nchunk = 0
	f.inuse = 0
}

func (f *fixalloc) alloc() unsafe.Pointer {
	if f.size == 0 {
		throw("fixalloc: use of alloc before init")
	}

	// 优先复用还回来的对象。
	if f.list != nil {
		v := unsafe.Pointer(f.list)
		f.list = f.list.next
		f.inuse += f.size
		return v
	}

	// Account the alignment padding against the chunk's remaining
	// bytes before deciding whether a fresh chunk is needed.
	pad := alignUp(uintptr(f.chunk), f.align) - uintptr(f.chunk)
	if f.nchunk < pad+f.size {
		c := sysAlloc(_FixAllocChunk >> _PageShift)
		if c == nil {
			return nil
		}
		f.chunk = c
		f.nchunk = _FixAllocChunk
		// sysAlloc is page aligned, so no pad on a fresh chunk.
		pad = 0
	}

	v := add(f.chunk, pad)
	f.chunk = add(v, f.size)
	f.nchunk -= pad + f.size
	f.inuse += f.size
	return v
}

func (f *fixalloc) free(p unsafe.Pointer) {
	f.inuse -= f.size
	v := (*mlink)(p)
	v.next = f.list
	f.list = v
}
