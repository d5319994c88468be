package pool

import (
	"fmt"
	"unsafe"

	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

const elemSize = uint64(unsafe.Sizeof(uintptr(0)))

// TableSlot is the address space of one table of pointer sized elements.
type TableSlot struct {
	base     uintptr
	capacity uint32
	// maximum is the count of elements the table of the current instance may grow to.
	maximum uint32

	size      uint32
	committed uint64
	dirty     bool

	reservation []byte
}

// tableBytes returns the page aligned size of elements.
func tableBytes(elements uint32) uint64 {
	return platform.AlignUp(uint64(elements) * elemSize)
}

func newOwnedTableSlot(capacity uint32) (*TableSlot, error) {
	size := max(tableBytes(capacity), platform.PageSize)
	r, err := platform.Reserve(size)
	if err != nil {
		return nil, fmt.Errorf("reserving a table of %d elements: %w", capacity, err)
	}
	return &TableSlot{base: platform.Addr(r), capacity: capacity, maximum: capacity, reservation: r}, nil
}

// Base returns the address of the first element.
func (s *TableSlot) Base() uintptr {
	return s.base
}

// Size returns the count of elements.
func (s *TableSlot) Size() uint32 {
	return s.size
}

// Elements returns the elements of the table.
func (s *TableSlot) Elements() []uintptr {
	if s.size == 0 {
		return nil
	}
	return unsafe.Slice((*uintptr)(unsafe.Pointer(s.base)), s.size)
}

// IsDirty returns true between Instantiate and ClearAndRemainReady.
func (s *TableSlot) IsDirty() bool {
	return s.dirty
}

func (s *TableSlot) commit(bytes uint64) error {
	if bytes <= s.committed {
		return nil
	}
	if err := platform.Commit(platform.Slice(s.base+uintptr(s.committed), bytes-s.committed)); err != nil {
		return fmt.Errorf("committing table: %w", err)
	}
	s.committed = bytes
	return nil
}

// Instantiate makes initial null elements accessible.
func (s *TableSlot) Instantiate(initial uint32) error {
	if s.dirty {
		panic("BUG: instantiating a dirty table slot")
	}
	if initial > min(s.maximum, s.capacity) {
		return fmt.Errorf("%w: table of %d elements exceeds the slot maximum of %d", ErrCannotGrow, initial, min(s.maximum, s.capacity))
	}
	if err := s.commit(tableBytes(initial)); err != nil {
		return err
	}
	s.size = initial
	s.dirty = true
	return nil
}

// Grow appends delta elements set to init, returning the previous size.
func (s *TableSlot) Grow(delta uint32, init uintptr) (uint32, error) {
	old := s.size
	newSize := uint64(old) + uint64(delta)
	if limit := uint64(min(s.maximum, s.capacity)); newSize > limit {
		return old, fmt.Errorf("%w: table of %d elements exceeds the maximum of %d", ErrCannotGrow, newSize, limit)
	}
	if err := s.commit(tableBytes(uint32(newSize))); err != nil {
		return old, err
	}
	s.size = uint32(newSize)
	elems := s.Elements()
	for i := old; i < s.size; i++ {
		elems[i] = init
	}
	return old, nil
}

// ClearAndRemainReady nulls every element. Up to keepResident bytes stay committed.
func (s *TableSlot) ClearAndRemainReady(keepResident uint64) error {
	keep := min(platform.AlignUp(keepResident), s.committed)
	clear(platform.Slice(s.base, keep))
	if err := platform.Decommit(platform.Slice(s.base+uintptr(keep), s.committed-keep)); err != nil {
		return fmt.Errorf("decommitting table: %w", err)
	}
	s.committed = keep
	s.size = 0
	s.dirty = false
	return nil
}

// Destroy releases the reservation of a slot owning one.
func (s *TableSlot) Destroy() error {
	if s.reservation == nil {
		panic("BUG: destroying a table slot of a pool")
	}
	err := platform.Release(s.reservation)
	s.reservation = nil
	return err
}
