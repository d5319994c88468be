package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

const mapNoReserve = unix.MAP_NORESERVE

// DiscardSupported is true when DiscardPages returns private file mappings to their backing file
// instead of zeroing them.
const DiscardSupported = true

// DiscardPages frees the physical pages behind b. Anonymous pages read as zero afterwards, private
// file mappings read as the file again.
//
// See https://man7.org/linux/man-pages/man2/madvise.2.html
func DiscardPages(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// MemfdCreate returns a sealed, anonymous in-memory file holding data, padded with zeros up to the page
// size. The result is suitable for MapFileFixed.
func MemfdCreate(name string, data []byte) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), name)
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err = unix.Ftruncate(fd, int64(AlignUp(uint64(len(data))))); err != nil {
		_ = f.Close()
		return nil, err
	}
	// Sealed so that nothing can change what every slot mapping the image observes.
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE | unix.F_SEAL_SEAL
	if _, err = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}
