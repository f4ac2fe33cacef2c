// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mempool

import "unsafe"

// Per-worker cache for small objects. No locking needed because a
// cache is owned by exactly one worker at a time.
//
// The original tcmalloc design binds one cache to each thread with
// thread-local storage. Goroutines migrate between threads, so here
// a worker instead pops a cache from a lock-free stack of idle
// caches for the duration of one allocate or deallocate and pushes
// it back after. Ownership between pop and push is exclusive, which
// is all the single-threaded fast path needs.
//
// mcaches are allocated from non-GC'd memory, so they hold no Go
// pointers.
type mcache struct {
	node  lfnode // must be first; links idle caches
	alloc [_NumFreeLists]freeList
}

// freeList is a per-class singly linked list of free objects. The
// next pointer lives in the first word of each free object.
//
// maxSize is the slow-start batch threshold: it begins at 1 and
// grows by one each time a full batch is pulled from the central
// cache, capped at numMoveSize of the class, and never shrinks.
type freeList struct {
	head    objptr
	size    int
	maxSize int
}

func (l *freeList) empty() bool {
	return l.head == 0
}

func (l *freeList) push(p objptr) {
	p.ptr().next = l.head
	l.head = p
	l.size++
}

func (l *freeList) pop() objptr {
	p := l.head
	if p == 0 {
		throw("freeList.pop: empty list")
	}
	l.head = p.ptr().next
	l.size--
	return p
}

// pushRange splices an already linked range of n objects onto the
// head of the list in O(1).
func (l *freeList) pushRange(start, end objptr, n int) {
	end.ptr().next = l.head
	l.head = start
	l.size += n
}

// popRange detaches exactly n objects from the head of the list and
// returns them as a nil-terminated chain.
func (l *freeList) popRange(n int) objptr {
	if n > l.size {
		throw("freeList.popRange: not enough objects")
	}
	start := l.head
	end := start
	for i := 1; i < n; i++ {
		end = end.ptr().next
	}
	l.head = end.ptr().next
	end.ptr().next = 0
	l.size -= n
	return start
}

// Head of the lock-free stack of idle mcaches.
var idlecaches uint64

func allocmcache() *mcache {
	lock(&mheap_.lock)
	c := (*mcache)(mheap_.cachealloc.alloc())
	unlock(&mheap_.lock)
	if c == nil {
		throw("out of memory allocating mcache")
	}
	memclr(unsafe.Pointer(c), unsafe.Sizeof(*c))
	for i := range c.alloc {
		c.alloc[i].maxSize = 1
	}
	return c
}

// getmcache returns a cache owned exclusively by the caller until
// putmcache. The fast path is one CAS; a new cache is built only
// when every cache is busy.
func getmcache() *mcache {
	c := (*mcache)(lfstackpop(&idlecaches))
	if c == nil {
		c = allocmcache()
	}
	return c
}

func putmcache(c *mcache) {
	lfstackpush(&idlecaches, &c.node)
}

// allocate serves one small object from the cache, refilling from
// the central cache when the class list is empty. Returns nil only
// when the operating system is out of memory.
func (c *mcache) allocate(size uintptr) unsafe.Pointer {
	if size > _MaxBytes {
		throw("mcache.allocate: size too large")
	}
	aligned := roundUp(size)
	i := sizeIndex(size)

	l := &c.alloc[i]
	if !l.empty() {
		return unsafe.Pointer(l.pop())
	}
	return c.fetchFromCentral(i, aligned)
}

// deallocate returns one object of the given class size to the
// cache, shedding a batch back to the central cache once the class
// list reaches its threshold.
func (c *mcache) deallocate(p objptr, size uintptr) {
	i := sizeIndex(size)
	l := &c.alloc[i]
	l.push(p)

	if l.size >= l.maxSize {
		c.listTooLong(l, size)
	}
}

// fetchFromCentral pulls one batch for class i from the central
// cache: the head object is returned to the caller and the rest go
// onto the class free list.
//
// 慢开始反馈调节: 起步只要 1 个, 每拉满一批阈值加一, 封顶 numMoveSize。
func (c *mcache) fetchFromCentral(i int, size uintptr) unsafe.Pointer {
	l := &c.alloc[i]

	batch := l.maxSize
	if limit := numMoveSize(size); batch >= limit {
		batch = limit
	} else {
		l.maxSize++
	}

	start, end, n := centralForClass(i).fetchRange(batch, size)
	if n == 0 {
		return nil
	}
	if n > 1 {
		l.pushRange(start.ptr().next, end, n-1)
	}
	return unsafe.Pointer(start)
}

// listTooLong detaches one threshold's worth of objects from the
// class list and hands them back to the central cache, so an idle
// worker cannot sit on unbounded memory.
func (c *mcache) listTooLong(l *freeList, size uintptr) {
	start := l.popRange(l.maxSize)
	centralForClass(sizeIndex(size)).releaseList(start, size)
}

// releaseAll flushes every class list back to the central cache.
// Nothing in the package calls it; the tests use it to drain idle
// caches at quiescent points.
func (c *mcache) releaseAll() {
	for i := range c.alloc {
		l := &c.alloc[i]
		if l.empty() {
			continue
		}
		start := l.popRange(l.size)
		centralForClass(i).releaseList(start, classToSize(i))
	}
}
