// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Page cache.
//
// See malloc.go for overview.

package mempool

import "unsafe"

// Main page cache. The cache itself is the "free[]" array: free[k]
// holds idle spans of exactly k pages, 0 < k < _NPages. One global
// lock guards the free lists, the page map and the metadata
// allocators.
type mheap struct {
	lock  mutex
	free  [_NPages]mSpanList // free lists of given page count
	spans pageMap            // page id -> owning span lookup

	// central free lists for small size classes.
	// the padding makes sure that the mcentrals are
	// spaced at least _CacheLineSize bytes apart, so that each
	// mcentral.lock gets its own cache line.
	central [_NumFreeLists]struct {
		mcentral mcentral
		pad      [_CacheLineSize]byte
	}

	spanalloc  fixalloc // allocator for *mspan
	cachealloc fixalloc // allocator for *mcache
}

var mheap_ mheap

// An mspan is a run of pages.
//
// When an mspan is in the mheap free lists, inuse is false,
// freelist is empty, and no free neighbor span is adjacent to it
// unless the merged run would exceed _NPages-1 pages (coalescing is
// maximal up to the largest bucket). When an mspan has been handed to an
// mcentral bucket or to a large allocation, inuse is true and the
// span owns every page in [start, start+npages) exclusively.
//
// Every page of a span is mapped to it in the page map while the
// span exists, so that any pointer into the span can be resolved.
type mspan struct {
	next *mspan     // next span in list, or nil if none
	prev **mspan    // previous span's next field, or list head's first field if none
	list *mSpanList // list the span is on

	start    pageID  // starting page number
	npages   uintptr // number of pages in span
	freelist objptr  // list of free objects carved from the span
	ref      uintptr // number of carved objects handed out
	elemsize uintptr // class size once carved, or raw size of a large allocation
	inuse    bool    // held by an mcentral bucket or a large allocation
}

func (s *mspan) base() uintptr {
	return uintptr(s.start) << _PageShift
}

// Initialize a new span with the given start page and length.
func (span *mspan) init(start pageID, npages uintptr) {
	span.next = nil
	span.prev = nil
	span.list = nil
	span.start = start
	span.npages = npages
	span.freelist = 0
	span.ref = 0
	span.elemsize = 0
	span.inuse = false
}

func (span *mspan) inList() bool {
	return span.prev != nil
}

// mSpanList heads a doubly linked list of spans.
//
// Linked list structure is based on BSD's "tail queue" data
// structure.
type mSpanList struct {
	first *mspan
	last  **mspan
}

func (list *mSpanList) init() {
	list.first = nil
	list.last = &list.first
}

func (list *mSpanList) isEmpty() bool {
	return list.first == nil
}

func (list *mSpanList) insert(span *mspan) {
	if span.next != nil || span.prev != nil || span.list != nil {
		throw("mSpanList.insert: span already on a list")
	}
	span.next = list.first
	if list.first != nil {
		list.first.prev = &span.next
	} else {
		list.last = &span.next
	}
	list.first = span
	span.prev = &list.first
	span.list = list
}

func (list *mSpanList) remove(span *mspan) {
	if span.prev == nil || span.list != list {
		throw("mSpanList.remove: span not on this list")
	}
	if span.next != nil {
		span.next.prev = span.prev
	} else {
		list.last = span.prev
	}
	*span.prev = span.next
	span.next = nil
	span.prev = nil
	span.list = nil
}

// Initialize the page cache.
func (h *mheap) init() {
	h.spanalloc.init(unsafe.Sizeof(mspan{}), unsafe.Alignof(mspan{}))
	h.cachealloc.init(unsafe.Sizeof(mcache{}), unsafe.Alignof(mcache{}))
	h.spans.init()

	for i := range h.free {
		h.free[i].init()
	}
	for i := range h.central {
		h.central[i].mcentral.init(int32(i))
	}
}

// mapSpan points every page of s at s in the page map.
// 每一页都建立映射, 保证任意页内指针都能定位到 span。
// h must be locked.
func (h *mheap) mapSpan(s *mspan) {
	for i := uintptr(0); i < s.npages; i++ {
		h.spans.set(s.start+pageID(i), s)
	}
}

// unmapSpan clears the page map entries of s before its pages go
// back to the operating system.
// h must be locked.
func (h *mheap) unmapSpan(s *mspan) {
	for i := uintptr(0); i < s.npages; i++ {
		h.spans.set(s.start+pageID(i), nil)
	}
}

// spanOf returns the span owning the pointer p. The page map read is
// serialized against writers from the other tiers by the heap lock.
// A pointer that resolves to no span did not come from Alloc and is
// a fatal error.
func (h *mheap) spanOf(p uintptr) *mspan {
	lock(&h.lock)
	s := h.spans.get(pageID(p >> _PageShift))
	unlock(&h.lock)
	if s == nil {
		throw("spanOf: pointer not owned by the allocator")
	}
	return s
}

// newSpan returns a span of exactly npages pages. The span has been
// removed from the free lists and fully mapped, but inuse is still
// false; the caller marks it before releasing the heap lock.
// Returns nil if the operating system is out of memory.
//
// h must be locked.
func (h *mheap) newSpan(npages uintptr) *mspan {
	if npages == 0 {
		throw("newSpan: zero pages")
	}

	// Runs beyond the largest bucket come from the operating
	// system directly and go back there on release.
	if npages > _NPages-1 {
		v := sysAlloc(npages)
		if v == nil {
			return nil
		}
		s := (*mspan)(h.spanalloc.alloc())
		if s == nil {
			sysFree(v, npages)
			return nil
		}
		s.init(pageID(uintptr(v)>>_PageShift), npages)
		h.mapSpan(s)
		return s
	}

	// 先看对应桶里有没有现成的 span。
	if !h.free[npages].isEmpty() {
		s := h.free[npages].first
		h.free[npages].remove(s)
		h.mapSpan(s)
		return s
	}

	// Split the first larger free run: carve npages off its head,
	// requeue the remainder. The two page ranges stay disjoint.
	for j := npages + 1; j < _NPages; j++ {
		if h.free[j].isEmpty() {
			continue
		}
		n := h.free[j].first
		h.free[j].remove(n)

		s := (*mspan)(h.spanalloc.alloc())
		if s == nil {
			h.free[j].insert(n)
			return nil
		}
		s.init(n.start, npages)
		n.start += pageID(npages)
		n.npages -= npages
		h.free[n.npages].insert(n)
		h.mapSpan(n)
		h.mapSpan(s)
		return s
	}

	// No free run is large enough. Ask the operating system for a
	// full donor run and retry; the recursion terminates on the
	// second attempt.
	v := sysAlloc(_NPages - 1)
	if v == nil {
		return nil
	}
	s := (*mspan)(h.spanalloc.alloc())
	if s == nil {
		sysFree(v, _NPages-1)
		return nil
	}
	s.init(pageID(uintptr(v)>>_PageShift), _NPages-1)
	h.mapSpan(s)
	h.free[s.npages].insert(s)
	return h.newSpan(npages)
}

// releaseSpan returns an idle span to the page cache, coalescing it
// with any idle neighbor runs, or returns a large run to the
// operating system. The caller has already unlinked s from any
// mcentral bucket and cleared its free list.
//
// h must be locked.
func (h *mheap) releaseSpan(s *mspan) {
	if s.npages > _NPages-1 {
		h.unmapSpan(s)
		sysFree(unsafe.Pointer(s.base()), s.npages)
		h.spanalloc.free(unsafe.Pointer(s))
		return
	}

	s.freelist = 0
	s.ref = 0
	s.elemsize = 0

	// Coalesce with earlier, then later runs. A neighbor is
	// absorbed only while it exists in the map, is idle, and the
	// merged run still fits the largest bucket.
	// 向前合并。
	for {
		t := h.spans.get(s.start - 1)
		if t == nil || t.inuse || t.npages+s.npages > _NPages-1 {
			break
		}
		s.start = t.start
		s.npages += t.npages
		h.free[t.npages].remove(t)
		h.spanalloc.free(unsafe.Pointer(t))
	}
	// 向后合并。
	for {
		t := h.spans.get(s.start + pageID(s.npages))
		if t == nil || t.inuse || t.npages+s.npages > _NPages-1 {
			break
		}
		s.npages += t.npages
		h.free[t.npages].remove(t)
		h.spanalloc.free(unsafe.Pointer(t))
	}

	s.inuse = false
	h.free[s.npages].insert(s)
	h.mapSpan(s)
}
