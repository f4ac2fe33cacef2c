// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Central free lists.
//
// See malloc.go for an overview.
//
// The mcentral doesn't actually contain the list of free objects;
// the mspan does. Each mcentral is one bucket of spans carved for
// its size class, guarded by its own lock so that only workers
// touching the same class contend.

package mempool

import "unsafe"

// Central list of spans carved for a given size class.
type mcentral struct {
	lock      mutex
	sizeclass int32
	spans     mSpanList // spans carved for this class, full or not
}

// Initialize a single central bucket.
func (c *mcentral) init(sizeclass int32) {
	c.sizeclass = sizeclass
	c.spans.init()
}

func centralForClass(i int) *mcentral {
	return &mheap_.central[i].mcentral
}

// getOneSpan returns a span of c's class with at least one free
// object, carving a fresh one from the page cache if every span in
// the bucket is fully handed out. Returns nil if the operating
// system is out of memory.
//
// c must be locked on entry and is locked on return, but the lock is
// dropped while the page cache works so that workers releasing
// objects back to this bucket are not blocked behind a page fetch.
func (c *mcentral) getOneSpan(size uintptr) *mspan {
	for s := c.spans.first; s != nil; s = s.next {
		if s.freelist != 0 {
			return s
		}
	}

	// 桶里没有空闲对象了, 先解桶锁再找 page cache 要。
	unlock(&c.lock)

	lock(&mheap_.lock)
	s := mheap_.newSpan(numMovePage(size))
	if s != nil {
		s.inuse = true
		s.elemsize = size
	}
	unlock(&mheap_.lock)

	if s == nil {
		lock(&c.lock)
		return nil
	}

	// Carve the span into a free list of size-byte objects. No lock
	// is held here: the span is not yet reachable from the bucket,
	// so no other worker can observe it.
	base := s.base()
	nbytes := s.npages << _PageShift
	s.freelist = objptr(base)
	tail := objptr(base)
	for off := size; off+size <= nbytes; off += size {
		p := objptr(base + off)
		tail.ptr().next = p
		tail = p
	}
	tail.ptr().next = 0

	lock(&c.lock)
	c.spans.insert(s)
	return s
}

// fetchRange hands at most batch objects of the given class size to
// a thread cache as a linked range [start, end]. It returns the
// actual count, at least 1 except when the system is out of memory,
// in which case it returns 0.
func (c *mcentral) fetchRange(batch int, size uintptr) (start, end objptr, n int) {
	lock(&c.lock)

	s := c.getOneSpan(size)
	if s == nil {
		unlock(&c.lock)
		return 0, 0, 0
	}
	if s.freelist == 0 {
		throw("fetchRange: empty span")
	}

	// 不够 batch 个就有多少拿多少。
	start = s.freelist
	end = start
	n = 1
	for n < batch && end.ptr().next != 0 {
		end = end.ptr().next
		n++
	}
	s.freelist = end.ptr().next
	end.ptr().next = 0
	s.ref += uintptr(n)

	unlock(&c.lock)
	return start, end, n
}

// releaseList threads a chain of freed objects back onto their
// owning spans. A span whose last object comes home is unlinked and
// handed to the page cache for coalescing.
//
// The bucket lock is dropped around each page cache call. Holding it
// across that work would serialize unrelated buckets behind the heap
// lock, and the relock keeps the bucket -> heap lock order intact.
func (c *mcentral) releaseList(start objptr, size uintptr) {
	lock(&c.lock)

	for start != 0 {
		next := start.ptr().next

		s := mheap_.spanOf(uintptr(start))
		start.ptr().next = s.freelist
		s.freelist = start
		if s.ref == 0 {
			throw("releaseList: span ref underflow")
		}
		s.ref--

		// 切出去的小块全回来了, 整个 span 还给 page cache 去合并。
		if s.ref == 0 {
			c.spans.remove(s)
			s.freelist = 0

			unlock(&c.lock)
			lock(&mheap_.lock)
			mheap_.releaseSpan(s)
			unlock(&mheap_.lock)
			lock(&c.lock)
		}

		start = next
	}

	unlock(&c.lock)
}

// objptr is a pointer to a free object, threaded through the first
// word of the object itself. It is kept as a uintptr because the
// memory it points into is not managed by the Go heap.
type objptr uintptr

type objlink struct {
	next objptr
}

// ptr returns the *objlink form of p, for accessing the embedded
// next pointer.
func (p objptr) ptr() *objlink {
	return (*objlink)(unsafe.Pointer(p))
}
