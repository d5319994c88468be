// Package platform includes the virtual memory primitives linear memories are built on: address space
// reservation, commit and decommit, page discarding, fixed mappings and memory protection keys.
//
// Every function works on page aligned byte slices which usually alias memory outside the Go heap.
package platform

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"
)

// PageSize is the host page size. Reservations, commits and images are aligned to it.
var PageSize = uint64(os.Getpagesize())

// ErrUnsupported is returned when the host cannot provide a primitive. Callers either fall back (ex. copy
// instead of a copy-on-write mapping) or fail the allocation.
var ErrUnsupported = fmt.Errorf("virtual memory primitive unsupported on GOOS=%s GOARCH=%s", runtime.GOOS, runtime.GOARCH)

// AlignUp rounds n up to the next multiple of PageSize.
func AlignUp(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// IsAligned returns true if n is a multiple of PageSize.
func IsAligned(n uint64) bool {
	return n&(PageSize-1) == 0
}

// Slice returns a byte slice aliasing n bytes at addr.
func Slice(addr uintptr, n uint64) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Addr returns the address of the first byte of b, or zero if b has no capacity.
func Addr(b []byte) uintptr {
	if cap(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
