package sandbox

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/bytecodealliance/wasmtime-sub051/api"
	"github.com/bytecodealliance/wasmtime-sub051/internal/borrow"
	"github.com/bytecodealliance/wasmtime-sub051/internal/heap"
	"github.com/bytecodealliance/wasmtime-sub051/internal/mpk"
	"github.com/bytecodealliance/wasmtime-sub051/internal/pool"
)

// memory implements api.Memory on a memory slot.
type memory struct {
	i     *Instance
	index int
	slot  *pool.MemorySlot

	// mux orders Grow, Borrow and host accesses.
	mux     sync.Mutex
	borrows *borrow.Checker
}

var _ api.Memory = (*memory)(nil)

// Base implements api.Memory.Base
func (m *memory) Base() uintptr {
	return m.slot.Base()
}

// Size implements api.Memory.Size
func (m *memory) Size() uint64 {
	if m.i.closed.Load() {
		return 0
	}
	return m.slot.CommittedLen()
}

// Grow implements api.Memory.Grow
func (m *memory) Grow(deltaPages uint64) (uint64, error) {
	size := m.slot.CommittedLen()
	previous := size >> heap.PageSizeInBits
	if deltaPages == 0 {
		return previous, nil
	}
	if m.i.closed.Load() {
		return previous, fmt.Errorf("%w: %w", api.ErrGrow, ErrInstanceClosed)
	}
	if deltaPages > (math.MaxUint64-size)>>heap.PageSizeInBits {
		return previous, fmt.Errorf("%w: %d pages overflow", api.ErrGrow, deltaPages)
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	// A dynamic memory may move, which would invalidate borrowed views.
	if n := m.borrows.Len(); n > 0 && m.i.module.layouts[m.index].Style.Kind == heap.StyleDynamic {
		return previous, fmt.Errorf("%w: %d views are borrowed", api.ErrGrow, n)
	}
	if err := m.slot.Grow(size + deltaPages<<heap.PageSizeInBits); err != nil {
		return previous, fmt.Errorf("%w: memory %d: %w", api.ErrGrow, m.index, err)
	}
	m.i.updateVMContext()
	return previous, nil
}

// Bytes implements api.Memory.Bytes
func (m *memory) Bytes() []byte {
	if m.i.closed.Load() {
		return nil
	}
	return m.slot.Bytes()
}

// ReadByte implements api.Memory.ReadByte
func (m *memory) ReadByte(offset uint64) (v byte, ok bool) {
	m.access(offset, 1, false, func(b []byte) { v, ok = b[0], true })
	return
}

// ReadUint32Le implements api.Memory.ReadUint32Le
func (m *memory) ReadUint32Le(offset uint64) (v uint32, ok bool) {
	m.access(offset, 4, false, func(b []byte) { v, ok = binary.LittleEndian.Uint32(b), true })
	return
}

// Read implements api.Memory.Read
func (m *memory) Read(offset, byteCount uint64) (v []byte, ok bool) {
	m.access(offset, byteCount, false, func(b []byte) {
		v = b
		if m.i.alloc.HasKey {
			v = append([]byte{}, b...)
		}
		ok = true
	})
	return
}

// WriteByte implements api.Memory.WriteByte
func (m *memory) WriteByte(offset uint64, v byte) (ok bool) {
	m.access(offset, 1, true, func(b []byte) { b[0], ok = v, true })
	return
}

// WriteUint32Le implements api.Memory.WriteUint32Le
func (m *memory) WriteUint32Le(offset uint64, v uint32) (ok bool) {
	m.access(offset, 4, true, func(b []byte) {
		binary.LittleEndian.PutUint32(b, v)
		ok = true
	})
	return
}

// Write implements api.Memory.Write
func (m *memory) Write(offset uint64, v []byte) (ok bool) {
	m.access(offset, uint64(len(v)), true, func(b []byte) {
		copy(b, v)
		ok = true
	})
	return
}

// access runs fn on the byteCount bytes at offset, unless they are out of range or conflict with a
// borrow. Memories of a pooling engine with protection keys are tagged with the key of their stripe,
// which threads don't allow unless they allocated it, so fn runs with every key allowed.
func (m *memory) access(offset, byteCount uint64, write bool, fn func([]byte)) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if !m.hasSize(offset, byteCount) {
		return
	}
	if write && !m.borrows.CanWrite(offset, byteCount) || !write && !m.borrows.CanRead(offset, byteCount) {
		return
	}
	b := m.slot.Bytes()[offset : offset+byteCount : offset+byteCount]
	if !m.i.alloc.HasKey {
		fn(b)
		return
	}
	mpk.WithAllAccess(m.i.e.domain, func() { fn(b) })
}

// Borrow implements api.Memory.Borrow
func (m *memory) Borrow(offset, length uint32, mutable bool) ([]byte, func(), error) {
	if !m.hasSize(uint64(offset), uint64(length)) {
		return nil, nil, fmt.Errorf("%w: borrowing [%d, %d) of a memory of %d bytes",
			api.ErrOutOfBoundsMemoryAccess, offset, uint64(offset)+uint64(length), m.Size())
	}
	if length == 0 {
		return []byte{}, func() {}, nil
	}
	r := borrow.Region{Start: offset, Len: length}

	m.mux.Lock()
	defer m.mux.Unlock()
	borrowFn, unborrowFn := m.borrows.SharedBorrow, m.borrows.SharedUnborrow
	if mutable {
		borrowFn, unborrowFn = m.borrows.MutBorrow, m.borrows.MutUnborrow
	}
	if err := borrowFn(r); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mux.Lock()
			defer m.mux.Unlock()
			if err := unborrowFn(r); err != nil {
				panic(fmt.Errorf("BUG: %w", err))
			}
		})
	}
	view := m.slot.Bytes()[offset : uint64(offset)+uint64(length) : uint64(offset)+uint64(length)]
	return view, release, nil
}

// hasSize returns true if byteCount bytes starting at offset are accessible.
func (m *memory) hasSize(offset, byteCount uint64) bool {
	if m.i.closed.Load() {
		return false
	}
	size := m.slot.CommittedLen()
	return offset <= size && byteCount <= size-offset
}
