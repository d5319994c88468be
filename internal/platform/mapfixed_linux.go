//go:build linux && (amd64 || arm64 || riscv64 || ppc64le || loong64)

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// MapFixedSupported is true when MapZeroFixed and MapFileFixed replace pages in place. Otherwise,
// MapZeroFixed zeros in place and MapFileFixed returns ErrUnsupported.
const MapFixedSupported = true

// MapZeroFixed replaces the pages behind b with fresh, private, zero pages which are readable and
// writable. This is usually cheaper than zeroing dirty pages one by one.
func MapZeroFixed(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return mmapFixed(Addr(b), len(b), -1, 0, unix.MAP_ANON)
}

// MapFileFixed replaces the pages behind b with a private, copy-on-write mapping of f at offset.
// Writes through b are never visible in f, nor in other mappings of f.
func MapFileFixed(b []byte, f *os.File, offset uint64) error {
	if len(b) == 0 {
		return nil
	}
	return mmapFixed(Addr(b), len(b), int(f.Fd()), offset, 0)
}

//go:nosplit
func mmapFixed(addr uintptr, length, fd int, offset uint64, flags int) error {
	p, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_FIXED|flags),
		uintptr(fd),
		uintptr(offset),
	)
	if errno != 0 {
		return errno
	}
	if p != addr {
		panic("BUG: MAP_FIXED mapping moved")
	}
	return nil
}
