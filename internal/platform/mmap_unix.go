//go:build unix

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapSupported is true when Reserve and friends are implemented.
const MmapSupported = true

// Reserve claims size bytes of address space without committing any of it. Every page is inaccessible
// until Commit.
func Reserve(size uint64) ([]byte, error) {
	if size == 0 || !IsAligned(size) {
		panic(fmt.Errorf("BUG: Reserve with unaligned size %d", size))
	}
	// Anonymous as this is not backed by a file, private as this is in-process memory, and not reserved
	// against swap because most of it is never touched.
	return unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|mapNoReserve)
}

// Release returns a reservation made by Reserve to the operating system.
func Release(reservation []byte) error {
	return unix.Munmap(reservation)
}

// Commit makes b readable and writable. Pages not previously touched read as zero.
func Commit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

// Decommit drops the contents of b and makes it inaccessible again.
func Decommit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := DiscardPages(b); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}
