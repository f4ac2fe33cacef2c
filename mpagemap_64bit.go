// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build amd64 || arm64 || loong64 || mips64 || mips64le || ppc64 || ppc64le || riscv64 || s390x

// Page map: page id -> owning span lookup.
//
// On 64-bit address spaces a flat array over all page ids would need
// terabytes, so the map is a three-level radix tree over the
// meaningful 48-PageShift bits of the page id. Interior and leaf
// nodes are allocated on demand from their own fixalloc pools, which
// go straight to sysAlloc and never back into the allocator.
//
// The page map has no lock of its own: reads and writes are
// performed under the mheap lock.

package mempool

import "unsafe"

const (
	// sysAlloc guarantees addresses below 1<<48, so page ids fit
	// in 48-_PageShift bits.
	_PageMapBits = 48 - _PageShift

	_PageMapInteriorBits = (_PageMapBits + 2) / 3 // round up
	_PageMapInteriorLen  = 1 << _PageMapInteriorBits

	_PageMapLeafBits = _PageMapBits - 2*_PageMapInteriorBits
	_PageMapLeafLen  = 1 << _PageMapLeafBits
)

type pageMapNode struct {
	ptrs [_PageMapInteriorLen]unsafe.Pointer // *pageMapNode or *pageMapLeaf
}

type pageMapLeaf struct {
	spans [_PageMapLeafLen]*mspan
}

type pageMap struct {
	root      *pageMapNode
	nodealloc fixalloc
	leafalloc fixalloc
}

func (m *pageMap) init() {
	m.nodealloc.init(unsafe.Sizeof(pageMapNode{}), unsafe.Alignof(pageMapNode{}))
	m.leafalloc.init(unsafe.Sizeof(pageMapLeaf{}), unsafe.Alignof(pageMapLeaf{}))
	m.root = m.newNode()
	if m.root == nil {
		throw("pageMap: out of memory")
	}
}

func (m *pageMap) newNode() *pageMapNode {
	n := (*pageMapNode)(m.nodealloc.alloc())
	if n != nil {
		memclr(unsafe.Pointer(n), unsafe.Sizeof(*n))
	}
	return n
}

func (m *pageMap) newLeaf() *pageMapLeaf {
	l := (*pageMapLeaf)(m.leafalloc.alloc())
	if l != nil {
		memclr(unsafe.Pointer(l), unsafe.Sizeof(*l))
	}
	return l
}

// get returns the span owning page k, or nil for any absent path.
func (m *pageMap) get(k pageID) *mspan {
	if k>>_PageMapBits > 0 {
		return nil
	}
	i1 := k >> (_PageMapLeafBits + _PageMapInteriorBits)
	i2 := (k >> _PageMapLeafBits) & (_PageMapInteriorLen - 1)
	i3 := k & (_PageMapLeafLen - 1)

	p1 := m.root.ptrs[i1]
	if p1 == nil {
		return nil
	}
	p2 := (*pageMapNode)(p1).ptrs[i2]
	if p2 == nil {
		return nil
	}
	return (*pageMapLeaf)(p2).spans[i3]
}

// set records s as the owner of page k, creating intermediate nodes
// on demand.
func (m *pageMap) set(k pageID, s *mspan) {
	if k>>_PageMapBits > 0 {
		throw("pageMap.set: page id out of range")
	}
	i1 := k >> (_PageMapLeafBits + _PageMapInteriorBits)
	i2 := (k >> _PageMapLeafBits) & (_PageMapInteriorLen - 1)
	i3 := k & (_PageMapLeafLen - 1)

	if m.root.ptrs[i1] == nil {
		n := m.newNode()
		if n == nil {
			throw("pageMap: out of memory")
		}
		m.root.ptrs[i1] = unsafe.Pointer(n)
	}
	n1 := (*pageMapNode)(m.root.ptrs[i1])
	if n1.ptrs[i2] == nil {
		l := m.newLeaf()
		if l == nil {
			throw("pageMap: out of memory")
		}
		n1.ptrs[i2] = unsafe.Pointer(l)
	}
	(*pageMapLeaf)(n1.ptrs[i2]).spans[i3] = s
}
