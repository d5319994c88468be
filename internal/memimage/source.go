// Package memimage holds the initial contents of linear memories, and maps them into slots.
//
// On hosts with fixed mappings, a Source is a sealed in-memory file (or a file supplied by the embedder)
// which is mapped copy-on-write, so instantiating a memory costs a single mmap no matter how much data it
// has. Elsewhere, the contents are copied.
package memimage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/bytecodealliance/wasmtime-sub051/internal/features"
	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

// ErrRange is returned when a mapping reaches past the end of its source.
var ErrRange = errors.New("memory image range out of bounds")

// Source is immutable, reference counted image content shared by every slot instantiated from it.
type Source struct {
	// refs starts at one, for the creator.
	refs int64

	// file is mapped copy-on-write when non-nil.
	file *os.File
	// ownsFile is true when file was created for this source, so is closed with it.
	ownsFile bool
	// data is the copy used when file is nil.
	data []byte
	len  uint64

	cache *Cache
	key   cacheKey
}

// cow returns true when copy-on-write mappings of files should be used.
func cow() bool {
	return platform.MapFixedSupported && !features.Have(features.NoCOW)
}

// FromBytes returns a source holding a copy of data.
func FromBytes(data []byte) (*Source, error) {
	s := &Source{refs: 1, len: uint64(len(data))}
	if cow() {
		f, err := platform.MemfdCreate("sandbox-memory-image", data)
		switch {
		case err == nil:
			s.file, s.ownsFile = f, true
			return s, nil
		case !errors.Is(err, platform.ErrUnsupported):
			return nil, fmt.Errorf("memfd for %d byte image: %w", len(data), err)
		}
	}
	s.data = append([]byte(nil), data...)
	return s, nil
}

// FromFile returns a source of the contents of f. The source maps f directly when it can, so f must not
// change and must remain open until the last Release. Otherwise, the contents are read now.
func FromFile(f *os.File) (*Source, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := uint64(st.Size())
	if cow() {
		return &Source{refs: 1, file: f, len: size}, nil
	}
	data := make([]byte, size)
	if _, err = io.ReadFull(io.NewSectionReader(f, 0, st.Size()), data); err != nil {
		return nil, fmt.Errorf("reading image %s: %w", f.Name(), err)
	}
	return &Source{refs: 1, data: data, len: size}, nil
}

// COW returns true if MapAt maps pages copy-on-write rather than copying them.
func (s *Source) COW() bool {
	return s.file != nil
}

// Len returns the length of the content in bytes.
func (s *Source) Len() uint64 {
	return s.len
}

// Acquire adds a reference.
func (s *Source) Acquire() *Source {
	if atomic.AddInt64(&s.refs, 1) <= 1 {
		panic("BUG: Acquire of a released memory image source")
	}
	return s
}

// tryAcquire adds a reference unless the source was already released.
func (s *Source) tryAcquire() bool {
	for {
		n := atomic.LoadInt64(&s.refs)
		if n <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.refs, n, n+1) {
			return true
		}
	}
}

// Release drops a reference. The last one closes the source and removes it from its cache.
func (s *Source) Release() error {
	switch n := atomic.AddInt64(&s.refs, -1); {
	case n > 0:
		return nil
	case n < 0:
		panic("BUG: memory image source released too many times")
	}
	if s.cache != nil {
		s.cache.remove(s)
	}
	if s.ownsFile {
		return s.file.Close()
	}
	return nil
}

// MapAt makes the length bytes at base hold the content starting at offset. base, length and offset
// must be page aligned, and base must belong to a reservation. Pages past the end of the content read
// as zero.
func (s *Source) MapAt(base uintptr, length, offset uint64) error {
	if length == 0 {
		return nil
	}
	if offset+length < offset || offset+length > platform.AlignUp(s.len) {
		return fmt.Errorf("%w: [%d, %d) of %d bytes", ErrRange, offset, offset+length, s.len)
	}
	if !platform.IsAligned(uint64(base)) || !platform.IsAligned(length) || !platform.IsAligned(offset) {
		panic(fmt.Errorf("BUG: unaligned image mapping of %d bytes at %#x offset %d", length, base, offset))
	}
	b := platform.Slice(base, length)
	if s.file != nil {
		return platform.MapFileFixed(b, s.file, offset)
	}
	// Copying requires b to be committed already.
	n := uint64(0)
	if offset < s.len {
		n = uint64(copy(b, s.data[offset:]))
	}
	clear(b[n:])
	return nil
}

// RemapAsZeroAt replaces the length bytes at base with zero pages, undoing a MapAt.
func RemapAsZeroAt(base uintptr, length uint64) error {
	return platform.MapZeroFixed(platform.Slice(base, length))
}
