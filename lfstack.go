// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Lock-free stack, used for the idle mcache pool.

package mempool

import (
	"sync/atomic"
	"unsafe"
)

// lfnode must be the first field of any node pushed onto the stack.
type lfnode struct {
	next    uint64
	pushcnt uintptr
}

func lfstackpush(head *uint64, node *lfnode) {
	node.pushcnt++
	new := lfstackPack(node, node.pushcnt)
	if node1 := lfstackUnpack(new); node1 != node {
		throw("lfstackpush: invalid packing")
	}
	for {
		old := atomic.LoadUint64(head)
		node.next = old
		if atomic.CompareAndSwapUint64(head, old, new) {
			break
		}
	}
}

func lfstackpop(head *uint64) unsafe.Pointer {
	for {
		old := atomic.LoadUint64(head)
		if old == 0 {
			return nil
		}
		node := lfstackUnpack(old)
		next := atomic.LoadUint64(&node.next)
		if atomic.CompareAndSwapUint64(head, old, next) {
			return unsafe.Pointer(node)
		}
	}
}

// On 64-bit machines, virtual addresses are 48-bit numbers sign
// extended to 64. We shift the address left 16 to eliminate the sign
// extended part and make room in the bottom for the count. In
// addition to the 16 bits taken from the top, we can take 3 from the
// bottom, because nodes are pointer-aligned, giving 19 bits of
// count. On 32-bit machines the address fits in the top half
// outright. The counter guards against ABA during concurrent
// pop/push of a recycled node.

func lfstackPack(node *lfnode, cnt uintptr) uint64 {
	if _PtrSize == 4 {
		return uint64(uintptr(unsafe.Pointer(node)))<<32 | uint64(cnt&(1<<32-1))
	}
	return uint64(uintptr(unsafe.Pointer(node)))<<16 | uint64(cnt&(1<<19-1))
}

func lfstackUnpack(val uint64) *lfnode {
	if _PtrSize == 4 {
		return (*lfnode)(unsafe.Pointer(uintptr(val >> 32)))
	}
	return (*lfnode)(unsafe.Pointer(uintptr(int64(val) >> 19 << 3)))
}
