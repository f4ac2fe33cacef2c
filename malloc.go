// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mempool is a concurrent memory allocator, based on tcmalloc.
// http://goog-perftools.sourceforge.net/doc/tcmalloc.html
//
// The allocator works in runs of 8 kB pages.
// Small allocation sizes (up to and including 256 kB) are
// rounded to one of 208 size classes, each of which
// has its own free list of objects of exactly that size.
// Any free run of pages can be split into a set of objects
// of one size class, which are then managed using free list
// allocators.
//
// The allocator's data structures are:
//
//	fixalloc: a free-list allocator for fixed-size metadata objects,
//		used to manage storage used by the allocator itself.
//	mheap: the page cache, managed at page (8192-byte) granularity.
//	mspan: a run of pages managed by the mheap.
//	mcentral: a shared free list for a given size class.
//	mcache: a per-worker cache for small objects.
//	pageMap: the page-id to mspan lookup table.
//
// Allocating a small object proceeds up a hierarchy of caches:
//
//	1. Round the size up to one of the small size classes
//	   and look in the corresponding mcache free list.
//	   If the list is not empty, allocate an object from it.
//	   This can all be done without acquiring a lock.
//
//	2. If the mcache free list is empty, replenish it by
//	   taking a batch of objects from the mcentral free list.
//	   Moving a batch amortizes the cost of acquiring the mcentral
//	   bucket lock. The batch starts at 1 and grows by one object
//	   each time a full batch is pulled, so cold classes stay
//	   small while hot classes amortize the lock.
//
//	3. If the mcentral bucket has no span with free objects,
//	   replenish it by allocating a run of pages from the mheap
//	   and chopping that memory into objects of the given size.
//
//	4. If the mheap has no page run large enough, split one from a
//	   larger free run, or allocate a new 128-page run from the
//	   operating system.
//
// Freeing a small object proceeds up the same hierarchy:
//
//	1. Look up the owning span (which records the size class)
//	   and push the object onto the mcache free list.
//
//	2. If the mcache free list reaches its batch threshold,
//	   return one batch of objects to the mcentral bucket.
//
//	3. If all the objects carved from a span have returned to
//	   the mcentral bucket, return that span to the mheap, where
//	   it is coalesced with any idle neighbor runs.
//
// Allocating and freeing a large object (over 256 kB) uses the
// mheap directly, bypassing the mcache and mcentral free lists.
// Runs of more than 128 pages are obtained from and returned to
// the operating system directly.
//
// 整体是三层缓存结构: mcache 无锁, mcentral 桶锁, mheap 全局锁。
package mempool

import (
	"sync"
	"unsafe"
)

const (
	_PageShift = 13
	_PageSize  = 1 << _PageShift
	_PageMask  = _PageSize - 1

	// The largest size served by the size classes. Anything bigger
	// goes straight to the page cache as a dedicated span.
	_MaxBytes = 256 << 10

	// Number of size classes partitioning [1, _MaxBytes].
	_NumFreeLists = 208

	// The page cache keeps free runs of 1 to _NPages-1 pages.
	_NPages = 129

	// Chunk size for fixalloc metadata carving.
	_FixAllocChunk = 128 << 10

	_PtrSize = 4 << (^uintptr(0) >> 63)

	_CacheLineSize = 64
)

// pageID identifies a page: its base virtual address >> _PageShift.
type pageID uintptr

var mainInit sync.Once

func mallocinit() {
	mheap_.init()
}

// Alloc returns a block of size bytes, aligned to at least 8 bytes.
// The memory is not zeroed. Alloc returns nil if the operating
// system is out of memory. A size of 0 is served from the smallest
// size class.
func Alloc(size uintptr) unsafe.Pointer {
	mainInit.Do(mallocinit)

	if size > _MaxBytes {
		return largeAlloc(size)
	}
	if size == 0 {
		size = 1
	}
	c := getmcache()
	p := c.allocate(size)
	putmcache(c)
	return p
}

// Free releases a block previously returned by Alloc. The size is
// recovered from the owning span, so a pointer that no span owns is
// a fatal error. Interior pointers and double frees are not detected.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		throw("free of nil pointer")
	}
	mainInit.Do(mallocinit)

	s := mheap_.spanOf(uintptr(ptr))
	size := s.elemsize
	if size > _MaxBytes {
		lock(&mheap_.lock)
		mheap_.releaseSpan(s)
		unlock(&mheap_.lock)
		return
	}
	c := getmcache()
	c.deallocate(objptr(ptr), size)
	putmcache(c)
}

// 大对象直接走 mheap, 不经过 mcache/mcentral。
func largeAlloc(size uintptr) unsafe.Pointer {
	npages := alignUp(size, _PageSize) >> _PageShift

	lock(&mheap_.lock)
	s := mheap_.newSpan(npages)
	if s != nil {
		// Record the raw request size so Free can pick the large
		// path, and mark the span so the page cache never
		// coalesces across it while it is live.
		s.inuse = true
		s.elemsize = size
	}
	unlock(&mheap_.lock)
	if s == nil {
		return nil
	}
	return unsafe.Pointer(s.base())
}

func throw(s string) {
	panic("mempool: " + s)
}

func add(p unsafe.Pointer, x uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) + x)
}

// alignUp rounds n up to a multiple of a. a must be a power of 2.
func alignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

func memclr(p unsafe.Pointer, n uintptr) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
}
