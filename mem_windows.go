// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package mempool

import (
	"syscall"
	"unsafe"
)

const (
	_MEM_COMMIT     = 0x1000
	_MEM_RESERVE    = 0x2000
	_MEM_RELEASE    = 0x8000
	_PAGE_READWRITE = 0x04
)

var (
	kernel32         = syscall.NewLazyDLL("kernel32.dll")
	procVirtualAlloc = kernel32.NewProc("VirtualAlloc")
	procVirtualFree  = kernel32.NewProc("VirtualFree")
)

// sysAlloc obtains npages pages of zeroed memory from the operating
// system. VirtualAlloc reservations are 64 kB aligned, which covers
// the allocator's 8 kB page alignment. Returns nil if the system is
// out of memory.
func sysAlloc(npages uintptr) unsafe.Pointer {
	p, _, _ := procVirtualAlloc.Call(0, npages<<_PageShift,
		_MEM_COMMIT|_MEM_RESERVE, _PAGE_READWRITE)
	return unsafe.Pointer(p)
}

// sysFree releases pages previously obtained with sysAlloc.
// VirtualFree with MEM_RELEASE frees the whole reservation by its
// base address.
func sysFree(v unsafe.Pointer, npages uintptr) {
	r, _, _ := procVirtualFree.Call(uintptr(v), 0, _MEM_RELEASE)
	if r == 0 {
		throw("sysFree: VirtualFree failed")
	}
}
