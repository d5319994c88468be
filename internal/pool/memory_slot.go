package pool

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/bytecodealliance/wasmtime-sub051/internal/features"
	"github.com/bytecodealliance/wasmtime-sub051/internal/heap"
	"github.com/bytecodealliance/wasmtime-sub051/internal/memimage"
	"github.com/bytecodealliance/wasmtime-sub051/internal/mpk"
	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

// ErrImageOutOfBounds is returned when a memory image doesn't fit the initial size of its memory.
var ErrImageOutOfBounds = errors.New("memory image out of bounds")

// MemorySlot is the address space of one linear memory: Bound bytes starting at Base, of which the
// first CommittedLen are accessible, followed by a guard region. Whatever follows the guard is
// inaccessible too, so an access at CommittedLen+guard always faults.
//
// A slot goes through Instantiate, any number of Grow, then ClearAndRemainReady before it is
// instantiated again. Only the owner of the slot calls its methods.
type MemorySlot struct {
	base  uintptr
	bound uint64
	guard uint64
	// maximum is the size the memory of the current instance may grow to.
	maximum uint64

	accessible  uint64
	initialSize uint64
	heapLimit   uint64
	image       *memimage.Image
	dirty       bool

	domain mpk.Domain
	key    mpk.Key
	keyed  bool

	// The fields below are only set for slots owning their reservation.
	reservation   []byte
	preGuard      uint64
	growthReserve uint64
	// movable slots relocate when they grow past their reservation.
	movable    bool
	registrar  Registrar
	unregister func()
}

// newOwnedMemorySlot reserves a slot for a memory of layout. Dynamic memories reserve their minimum
// size plus growthReserve, and are movable.
func newOwnedMemorySlot(layout heap.HeapLayout, maximum, growthReserve uint64, registrar Registrar) (*MemorySlot, error) {
	s := &MemorySlot{
		guard:         layout.GuardRegionSize,
		preGuard:      layout.PreGuardSize,
		growthReserve: growthReserve,
		maximum:       maximum,
		movable:       layout.Style.Kind == heap.StyleDynamic,
		registrar:     registrar,
	}
	if err := s.reserve(layout.ReservationSize(growthReserve)); err != nil {
		return nil, err
	}
	if !s.movable {
		s.maximum = min(s.maximum, s.bound)
	}
	return s, nil
}

func (s *MemorySlot) reserve(size uint64) error {
	r, err := platform.Reserve(size)
	if err != nil {
		return fmt.Errorf("reserving %s for a memory: %w", humanize.IBytes(size), err)
	}
	s.reservation = r
	s.base = platform.Addr(r) + uintptr(s.preGuard)
	s.bound = size - 2*s.preGuard - s.guard
	if s.registrar != nil {
		s.unregister = s.registrar(platform.Addr(r), uintptr(size))
	}
	return nil
}

// Base returns the address of the first byte of the memory.
func (s *MemorySlot) Base() uintptr {
	return s.base
}

// CommittedLen returns the count of accessible bytes.
func (s *MemorySlot) CommittedLen() uint64 {
	return s.accessible
}

// ReservedLen returns the count of bytes the memory can grow to without moving, not counting guards.
func (s *MemorySlot) ReservedLen() uint64 {
	return s.bound
}

// Maximum returns the size the current memory may grow to.
func (s *MemorySlot) Maximum() uint64 {
	return s.maximum
}

// HeapLimit returns the size last set by SetHeapLimit, Grow or Instantiate.
func (s *MemorySlot) HeapLimit() uint64 {
	return s.heapLimit
}

// HasImage returns true if an image is mapped into the slot.
func (s *MemorySlot) HasImage() bool {
	return s.image != nil
}

// IsDirty returns true between Instantiate and ClearAndRemainReady.
func (s *MemorySlot) IsDirty() bool {
	return s.dirty
}

// Bytes returns the accessible memory.
func (s *MemorySlot) Bytes() []byte {
	return s.mem(0, s.accessible)
}

func (s *MemorySlot) mem(from, to uint64) []byte {
	return platform.Slice(s.base+uintptr(from), to-from)
}

// Instantiate makes initialSize bytes accessible, holding image followed by zeros. When the slot already
// holds an equal image from its previous instance, nothing is mapped.
func (s *MemorySlot) Instantiate(initialSize uint64, image *memimage.Image) error {
	if s.dirty {
		panic("BUG: instantiating a dirty memory slot")
	}
	if initialSize > s.maximum || initialSize > s.bound {
		return fmt.Errorf("%w: initial size %s exceeds the slot maximum of %s",
			ErrCannotGrow, humanize.IBytes(initialSize), humanize.IBytes(min(s.maximum, s.bound)))
	}
	if image != nil && image.End() > initialSize {
		return fmt.Errorf("%w: image ends at %d, past the initial size %d", ErrImageOutOfBounds, image.End(), initialSize)
	}

	// The previous instance's image is accessible, as it's below its initial size.
	if s.image != nil && !s.image.Equal(image) {
		if err := s.removeImage(); err != nil {
			return err
		}
	}
	if err := s.setAccessible(initialSize); err != nil {
		return err
	}
	if image != nil && s.image == nil {
		if err := s.access(func() error { return image.MapAt(s.base) }); err != nil {
			return fmt.Errorf("mapping %s: %w", image, err)
		}
		s.image = image.Acquire()
		if err := s.rekey(image.LinearMemoryOffset, image.End()); err != nil {
			return err
		}
	}
	s.initialSize, s.heapLimit = initialSize, initialSize
	s.dirty = true
	return nil
}

func (s *MemorySlot) removeImage() error {
	img := s.image
	if err := img.RemoveAt(s.base); err != nil {
		return fmt.Errorf("removing %s: %w", img, err)
	}
	s.image = nil
	if err := s.rekey(img.LinearMemoryOffset, img.End()); err != nil {
		return err
	}
	return img.Release()
}

// setAccessible commits or decommits the difference with the accessible length.
func (s *MemorySlot) setAccessible(n uint64) error {
	switch {
	case n > s.accessible:
		if err := platform.Commit(s.mem(s.accessible, n)); err != nil {
			return fmt.Errorf("committing memory [%#x, %#x): %w", s.accessible, n, err)
		}
	case n < s.accessible:
		if err := platform.Decommit(s.mem(n, s.accessible)); err != nil {
			return fmt.Errorf("decommitting memory [%#x, %#x): %w", n, s.accessible, err)
		}
	}
	s.accessible = n
	return nil
}

// access runs fn with every protection key allowed when the slot is tagged with one: the thread
// resetting or copying a slot isn't necessarily one which may access its stripe.
func (s *MemorySlot) access(fn func() error) (err error) {
	if !s.keyed {
		return fn()
	}
	mpk.WithAllAccess(s.domain, func() { err = fn() })
	return
}

// rekey tags [from, to) with the slot's key again: fixed mappings replace the key with the default.
func (s *MemorySlot) rekey(from, to uint64) error {
	if !s.keyed || from == to {
		return nil
	}
	return s.domain.Protect(s.mem(from, to), s.key, true)
}

// Grow makes newSize bytes accessible. It never touches the image. Growing past the maximum or, unless
// the slot is movable, past the reservation fails with ErrCannotGrow.
func (s *MemorySlot) Grow(newSize uint64) error {
	if newSize <= s.accessible {
		return nil
	}
	if !platform.IsAligned(newSize) {
		panic(fmt.Errorf("BUG: growing memory to unaligned size %d", newSize))
	}
	if newSize > s.maximum {
		return fmt.Errorf("%w: %s exceeds the maximum of %s", ErrCannotGrow, humanize.IBytes(newSize), humanize.IBytes(s.maximum))
	}
	if newSize > s.bound {
		if !s.movable {
			return fmt.Errorf("%w: %s exceeds the reservation of %s", ErrCannotGrow, humanize.IBytes(newSize), humanize.IBytes(s.bound))
		}
		return s.relocate(newSize)
	}
	if err := s.setAccessible(newSize); err != nil {
		return err
	}
	s.heapLimit = newSize
	return nil
}

// SetHeapLimit sets the size the instance considers its memory to have. Like Grow, a larger size must
// fit the maximum, and is committed. A smaller size is only recorded.
func (s *MemorySlot) SetHeapLimit(n uint64) error {
	if n > s.maximum {
		return fmt.Errorf("%w: heap limit %s exceeds the maximum of %s", ErrCannotGrow, humanize.IBytes(n), humanize.IBytes(s.maximum))
	}
	if n > s.accessible {
		if err := s.Grow(platform.AlignUp(n)); err != nil {
			return err
		}
	}
	s.heapLimit = n
	return nil
}

// relocate moves the memory to a larger reservation. The image, if any, is copied with the rest.
func (s *MemorySlot) relocate(newSize uint64) error {
	capacity := platform.AlignUp(newSize + s.growthReserve)
	if capacity > s.maximum {
		capacity = platform.AlignUp(s.maximum)
	}
	old := *s
	if err := s.reserve(s.preGuard + capacity + s.guard + s.preGuard); err != nil {
		*s = old
		return err
	}
	s.accessible = 0
	if err := s.setAccessible(newSize); err != nil {
		if s.unregister != nil {
			s.unregister()
		}
		_ = platform.Release(s.reservation)
		*s = old
		return err
	}
	_ = s.access(func() error {
		copy(s.mem(0, old.accessible), old.mem(0, old.accessible))
		return nil
	})
	s.heapLimit = newSize

	if old.unregister != nil {
		old.unregister()
	}
	err := platform.Release(old.reservation)
	if s.image != nil {
		// The content was copied, so the new reservation is plain anonymous memory.
		_ = s.image.Release()
		s.image = nil
	}
	return err
}

// ClearAndRemainReady resets the slot for the next Instantiate: the accessible length shrinks back to
// the last initial size, and the memory holds the image again followed by zeros. Up to keepResident
// bytes past the image are zeroed in place rather than returned to the operating system, which makes the
// next instance fault less.
func (s *MemorySlot) ClearAndRemainReady(keepResident uint64) error {
	if err := s.setAccessible(s.initialSize); err != nil {
		return err
	}
	var err error
	if platform.DiscardSupported && !features.Have(features.NoDiscard) {
		err = s.access(func() error { return s.discard(keepResident) })
	} else {
		err = s.access(s.remap)
	}
	if err != nil {
		return err
	}
	s.heapLimit = s.initialSize
	s.dirty = false
	return nil
}

// discard relies on discarded private file mappings reading as their file again, and anonymous ones as
// zero.
func (s *MemorySlot) discard(keepResident uint64) error {
	tail := uint64(0)
	if s.image != nil {
		tail = s.image.End()
		if err := platform.DiscardPages(s.mem(0, tail)); err != nil {
			return err
		}
		if !s.image.Source.COW() {
			if err := s.image.MapAt(s.base); err != nil {
				return err
			}
		}
	}
	keep := min(platform.AlignUp(keepResident), s.accessible-tail)
	clear(s.mem(tail, tail+keep))
	return platform.DiscardPages(s.mem(tail+keep, s.accessible))
}

// remap replaces the memory with zero pages then maps the image again.
func (s *MemorySlot) remap() error {
	if err := memimage.RemapAsZeroAt(s.base, s.accessible); err != nil {
		return err
	}
	if s.image != nil {
		if err := s.image.MapAt(s.base); err != nil {
			return err
		}
	}
	return s.rekey(0, s.accessible)
}

// Destroy releases the reservation of a slot owning one. Slots of a Pool are released with it.
func (s *MemorySlot) Destroy() error {
	if s.reservation == nil {
		panic("BUG: destroying a memory slot of a pool")
	}
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
	var err error
	if s.image != nil {
		err = s.image.Release()
		s.image = nil
	}
	if e := platform.Release(s.reservation); e != nil {
		err = e
	}
	s.reservation = nil
	return err
}

// String implements fmt.Stringer.
func (s *MemorySlot) String() string {
	return fmt.Sprintf("memory slot at %#x (%s of %s committed)", s.base,
		humanize.IBytes(s.accessible), humanize.IBytes(s.bound))
}
