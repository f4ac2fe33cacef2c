// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mempool

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"
)

// flushCaches drains every idle worker cache back through the
// central cache, so spans whose objects have all been freed reach
// the page cache. Tests call this at quiescent points.
func flushCaches() {
	var caches []*mcache
	for {
		c := (*mcache)(lfstackpop(&idlecaches))
		if c == nil {
			break
		}
		caches = append(caches, c)
	}
	for _, c := range caches {
		c.releaseAll()
		putmcache(c)
	}
}

func TestAllocBasic(t *testing.T) {
	p := Alloc(100)
	if p == nil {
		t.Fatal("Alloc(100) = nil")
	}
	if uintptr(p)%8 != 0 {
		t.Fatalf("Alloc(100) = %p not 8-byte aligned", p)
	}
	// The block is writable over its full rounded size.
	b := unsafe.Slice((*byte)(p), roundUp(100))
	for i := range b {
		b[i] = byte(i)
	}
	Free(p)
}

func TestAllocZero(t *testing.T) {
	p := Alloc(0)
	if p == nil {
		t.Fatal("Alloc(0) = nil")
	}
	s := mheap_.spanOf(uintptr(p))
	if s.elemsize != 8 {
		t.Errorf("Alloc(0) landed in class size %d, want 8", s.elemsize)
	}
	Free(p)
}

// Scenario: single-thread hot loop. Sizes cycle through the small
// classes; every pointer must be distinct within a round.
func TestHotLoop(t *testing.T) {
	const n = 50000
	ptrs := make([]unsafe.Pointer, n)
	for round := 0; round < 10; round++ {
		seen := make(map[uintptr]bool, n)
		for i := 0; i < n; i++ {
			p := Alloc(uintptr((16+i)%8192) + 1)
			if p == nil {
				t.Fatalf("round %d: Alloc %d = nil", round, i)
			}
			if seen[uintptr(p)] {
				t.Fatalf("round %d: pointer %p handed out twice", round, p)
			}
			seen[uintptr(p)] = true
			ptrs[i] = p
		}
		for _, p := range ptrs {
			Free(p)
		}
	}
	flushCaches()
}

// Scenario: boundary sizes around every alignment step.
func TestBoundarySizes(t *testing.T) {
	sizes := []uintptr{
		1, 7, 8, 9, 127, 128, 129,
		1023, 1024, 1025,
		8191, 8192, 8193,
		65535, 65536,
		262143, 262144,
	}
	const iters = 2000
	for _, size := range sizes {
		ptrs := make([]unsafe.Pointer, 0, iters)
		seen := make(map[uintptr]bool, iters)
		for i := 0; i < iters; i++ {
			p := Alloc(size)
			if p == nil {
				t.Fatalf("size %d: Alloc = nil", size)
			}
			if seen[uintptr(p)] {
				t.Fatalf("size %d: pointer %p handed out twice", size, p)
			}
			seen[uintptr(p)] = true
			ptrs = append(ptrs, p)
		}
		for _, p := range ptrs {
			Free(p)
		}
	}
	flushCaches()
}

// Scenario: the large-object path. These sizes bypass the thread and
// central caches entirely.
func TestLargeAlloc(t *testing.T) {
	sizes := []uintptr{
		_MaxBytes + 1,
		_MaxBytes + 123,
		512 << 10,
		1 << 20,
	}
	const iters = 200
	for _, size := range sizes {
		ptrs := make([]unsafe.Pointer, 0, iters)
		for i := 0; i < iters; i++ {
			p := Alloc(size)
			if p == nil {
				t.Fatalf("size %d: Alloc = nil", size)
			}
			if uintptr(p)&_PageMask != 0 {
				t.Fatalf("size %d: %p not page aligned", size, p)
			}
			s := mheap_.spanOf(uintptr(p))
			if !s.inuse {
				t.Fatalf("size %d: live large span not marked in use", size)
			}
			if s.elemsize != size {
				t.Fatalf("size %d: span records size %d", size, s.elemsize)
			}
			ptrs = append(ptrs, p)
		}
		for _, p := range ptrs {
			Free(p)
		}
	}
}

// Runs beyond the largest page cache bucket go back to the operating
// system on free, and their page map entries are erased.
func TestHugeAllocUnmapped(t *testing.T) {
	const size = 2 << 20 // 256 pages, above the 128-page bucket cap
	p := Alloc(size)
	if p == nil {
		t.Fatal("Alloc(2MB) = nil")
	}
	id := pageID(uintptr(p) >> _PageShift)
	npages := alignUp(size, _PageSize) >> _PageShift

	Free(p)

	lock(&mheap_.lock)
	defer unlock(&mheap_.lock)
	for i := uintptr(0); i < npages; i++ {
		if s := mheap_.spans.get(id + pageID(i)); s != nil {
			t.Fatalf("page %d of freed huge span still mapped to %p", i, s)
		}
	}
}

// Scenario: cross-thread free. One producer allocates, four
// consumers race to free, claiming indices through a shared counter.
func TestCrossThreadFree(t *testing.T) {
	const n = 60000
	ptrs := make([]unsafe.Pointer, n)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			ptrs[i] = Alloc(uintptr(i%8192) + 1)
		}
	}()
	<-done
	for i, p := range ptrs {
		if p == nil {
			t.Fatalf("Alloc %d = nil", i)
		}
	}

	var idx atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := idx.Add(1) - 1
				if i >= n {
					return
				}
				Free(ptrs[i])
			}
		}()
	}
	wg.Wait()
	flushCaches()
}

type interval struct {
	lo, hi uintptr
}

func checkNoOverlap(t *testing.T, ivs []interval) {
	t.Helper()
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].lo < ivs[j].lo })
	for i := 1; i < len(ivs); i++ {
		if ivs[i].lo < ivs[i-1].hi {
			t.Fatalf("live blocks overlap: [%#x,%#x) and [%#x,%#x)",
				ivs[i-1].lo, ivs[i-1].hi, ivs[i].lo, ivs[i].hi)
		}
	}
}

// Scenario: seeded random mix of small and large sizes, freed out of
// order across four workers. Live byte ranges must never overlap at
// the quiescent checkpoints.
func TestRandomMixed(t *testing.T) {
	if testing.Short() {
		t.Skip("large working set")
	}
	const (
		total = 100000
		batch = 10000
	)
	rng := rand.New(rand.NewSource(12345))

	for offset := 0; offset < total; offset += batch {
		ptrs := make([]unsafe.Pointer, 0, batch)
		ivs := make([]interval, 0, batch)
		for i := 0; i < batch; i++ {
			size := uintptr(rng.Int63n(2*_MaxBytes)) + 1
			p := Alloc(size)
			if p == nil {
				t.Fatalf("Alloc(%d) = nil", size)
			}
			ptrs = append(ptrs, p)
			ivs = append(ivs, interval{uintptr(p), uintptr(p) + roundUp(size)})
		}
		checkNoOverlap(t, ivs)

		rng.Shuffle(len(ptrs), func(i, j int) {
			ptrs[i], ptrs[j] = ptrs[j], ptrs[i]
		})

		var idx atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					i := idx.Add(1) - 1
					if i >= int64(len(ptrs)) {
						return
					}
					Free(ptrs[i])
				}
			}()
		}
		wg.Wait()
	}
	flushCaches()
}

// Concurrent allocate and free across workers, each worker on its
// own pointers. Exercises the bucket lock dance under contention.
func TestConcurrentAllocFree(t *testing.T) {
	const (
		workers = 8
		rounds  = 20
		n       = 2000
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			ptrs := make([]unsafe.Pointer, 0, n)
			for r := 0; r < rounds; r++ {
				ptrs = ptrs[:0]
				for i := 0; i < n; i++ {
					size := uintptr(rng.Int63n(8192)) + 1
					p := Alloc(size)
					if p == nil {
						t.Error("Alloc = nil")
						return
					}
					// Dirty the block; stale writes would corrupt
					// another worker's object if ranges overlapped.
					*(*uint64)(p) = uint64(seed)
					ptrs = append(ptrs, p)
				}
				for _, p := range ptrs {
					Free(p)
				}
			}
		}(int64(w + 1))
	}
	wg.Wait()
	flushCaches()
}

// Monotone slow start: the batch threshold never shrinks and stays
// within the class batch cap.
func TestSlowStartMonotone(t *testing.T) {
	c := getmcache()
	defer putmcache(c)

	const size = 64
	i := sizeIndex(size)
	cap := numMoveSize(roundUp(size))

	last := c.alloc[i].maxSize
	if last < 1 {
		t.Fatalf("initial batch threshold %d, want >= 1", last)
	}
	ptrs := make([]unsafe.Pointer, 0, 4096)
	for k := 0; k < 4096; k++ {
		p := c.allocate(size)
		if p == nil {
			t.Fatal("allocate = nil")
		}
		ptrs = append(ptrs, p)
		got := c.alloc[i].maxSize
		if got < last {
			t.Fatalf("batch threshold shrank: %d after %d", got, last)
		}
		if got > cap {
			t.Fatalf("batch threshold %d above cap %d", got, cap)
		}
		last = got
	}
	for _, p := range ptrs {
		c.deallocate(objptr(p), roundUp(size))
	}
}
