// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build 386 || arm || mips || mipsle

// Page map: page id -> owning span lookup.
//
// A 32-bit address space has only 1<<(32-_PageShift) page ids, so a
// single flat array (half a megapage of pointers, allocated up front
// from sysAlloc) is cheaper than a radix tree and makes get a plain
// array index.
//
// The page map has no lock of its own: reads and writes are
// performed under the mheap lock.

package mempool

import "unsafe"

const _PageMapBits = 32 - _PageShift

type pageMap struct {
	array *[1 << _PageMapBits]*mspan
}

func (m *pageMap) init() {
	size := alignUp(unsafe.Sizeof(*m.array), _PageSize)
	v := sysAlloc(size >> _PageShift)
	if v == nil {
		throw("pageMap: out of memory")
	}
	m.array = (*[1 << _PageMapBits]*mspan)(v)
}

// get returns the span owning page k, or nil if the page is unknown.
func (m *pageMap) get(k pageID) *mspan {
	if k>>_PageMapBits > 0 {
		return nil
	}
	return m.array[k]
}

// set records s as the owner of page k.
func (m *pageMap) set(k pageID, s *mspan) {
	if k>>_PageMapBits > 0 {
		throw("pageMap.set: page id out of range")
	}
	m.array[k] = s
}
