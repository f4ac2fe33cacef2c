// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package mempool

import (
	"syscall"
	"unsafe"
)

// sysAlloc obtains npages pages of zeroed memory from the operating
// system as an anonymous private mapping, aligned to _PageSize.
// Returns nil if the system is out of memory.
//
// mmap only guarantees physical page (4 kB) alignment while the
// allocator pages are 8 kB, so the mapping is padded by one
// allocator page and the head and tail slack are unmapped again.
func sysAlloc(npages uintptr) unsafe.Pointer {
	n := npages << _PageShift
	p, errno := mmap(0, n+_PageSize,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if errno != 0 {
		return nil
	}
	base := alignUp(p, _PageSize)
	if head := base - p; head != 0 {
		munmap(p, head)
	}
	if tail := p + n + _PageSize - (base + n); tail != 0 {
		munmap(base+n, tail)
	}
	return unsafe.Pointer(base)
}

// sysFree releases npages pages previously obtained with sysAlloc.
func sysFree(v unsafe.Pointer, npages uintptr) {
	if munmap(uintptr(v), npages<<_PageShift) != 0 {
		throw("sysFree: munmap failed")
	}
}

func mmap(addr, n uintptr, prot, flags int) (uintptr, syscall.Errno) {
	p, _, errno := syscall.Syscall6(syscall.SYS_MMAP, addr, n,
		uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	return p, errno
}

func munmap(addr, n uintptr) syscall.Errno {
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, addr, n, 0)
	return errno
}
