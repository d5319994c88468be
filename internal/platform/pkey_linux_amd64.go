package platform

import "golang.org/x/sys/unix"

// PkeysSupported is true when the pkey functions below are implemented. The hardware and kernel
// still need to support them, which PkeyAlloc reports.
const PkeysSupported = true

// PkeyAlloc allocates a protection key which the calling thread has full access to.
//
// See https://man7.org/linux/man-pages/man7/pkeys.7.html
func PkeyAlloc() (int, error) {
	key, _, errno := unix.Syscall(unix.SYS_PKEY_ALLOC, 0, 0, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(key), nil
}

// PkeyFree returns a key allocated by PkeyAlloc.
func PkeyFree(key int) error {
	if _, _, errno := unix.Syscall(unix.SYS_PKEY_FREE, uintptr(key), 0, 0); errno != 0 {
		return errno
	}
	return nil
}

// PkeyMprotect sets the protection and the key of b. Fixed mappings replacing pages of b drop the key,
// so callers re-apply it afterwards.
func PkeyMprotect(b []byte, writable bool, key int) error {
	if len(b) == 0 {
		return nil
	}
	prot := unix.PROT_NONE
	if writable {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	_, _, errno := unix.Syscall6(unix.SYS_PKEY_MPROTECT, Addr(b), uintptr(len(b)), uintptr(prot), uintptr(key), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// ReadPKRU returns the protection key rights register of the current thread.
func ReadPKRU() uint32 {
	return rdpkru()
}

// WritePKRU sets the protection key rights register of the current thread. The caller must have
// locked the goroutine to its thread.
func WritePKRU(v uint32) {
	wrpkru(v)
}

// implemented in pkru_linux_amd64.s
func rdpkru() uint32

// implemented in pkru_linux_amd64.s
func wrpkru(v uint32)
