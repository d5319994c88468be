// Package api includes constants and interfaces used by both end-users and internal implementations.
package api

import "errors"

// ErrGrow is returned when a memory or table can't grow by the requested delta. The cause is wrapped,
// ex. pool.ErrCannotGrow when the slot's reservation is too small.
var ErrGrow = errors.New("grow failed")

// MemoryPageSize is the unit of memory length in WebAssembly, and is defined as 2^16 = 65536.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
const MemoryPageSize = uint64(65536)

// Memory is a linear memory of an instance, backed by a slot of the instance allocator.
//
// Guest code addresses the memory through Base. Hosts usually prefer Read and Write, which check
// bounds, or Borrow, which also prevents overlapping mutable views.
//
// Note: This is an interface for decoupling, not third-party implementations. All implementations are in this module.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#storage%E2%91%A0
type Memory interface {
	// Base returns the address of the first byte. It is stable unless a dynamic memory moves on Grow.
	Base() uintptr

	// Size returns the size in bytes available. Ex. If the underlying memory has 1 page: 65536
	Size() uint64

	// Grow increases memory by the delta in pages (65536 bytes per page). The return val is the previous
	// memory size in pages. The error wraps ErrGrow when the delta exceeds the memory's maximum or its
	// reservation.
	//
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
	Grow(deltaPages uint64) (previousPages uint64, err error)

	// Bytes returns a view of the whole accessible memory. The view is no longer valid after Grow or
	// after the instance is closed. When the memory is tagged with a protection key, the view is only
	// accessible within Instance.HostAccess.
	Bytes() []byte

	// ReadByte reads a single byte from the underlying buffer at the offset or returns false if out of range
	// or mutably borrowed.
	ReadByte(offset uint64) (byte, bool)

	// ReadUint32Le reads a uint32 in little-endian encoding from the underlying buffer at the offset in or
	// returns false if out of range or mutably borrowed.
	ReadUint32Le(offset uint64) (uint32, bool)

	// Read reads byteCount bytes from the underlying buffer at the offset or returns false if out of range
	// or mutably borrowed.
	//
	// This returns a view of the underlying memory, not a copy, unless the memory is tagged with a
	// protection key: then the view would fault outside of Instance.HostAccess, so this copies.
	Read(offset, byteCount uint64) ([]byte, bool)

	// WriteByte writes a single byte to the underlying buffer at the offset in or returns false if out of
	// range or borrowed.
	WriteByte(offset uint64, v byte) bool

	// WriteUint32Le writes the value in little-endian encoding to the underlying buffer at the offset in or
	// returns false if out of range or borrowed.
	WriteUint32Le(offset uint64, v uint32) bool

	// Write writes the slice to the underlying buffer at the offset or returns false if out of range or
	// borrowed.
	Write(offset uint64, v []byte) bool

	// Borrow returns a view of length bytes at offset, failing if it overlaps a conflicting borrow: a
	// mutable view conflicts with any other. The view is valid until release is called, and like Bytes
	// is only accessible within Instance.HostAccess when the memory is tagged with a protection key.
	Borrow(offset, length uint32, mutable bool) (view []byte, release func(), err error)
}

// Table is a table of an instance, holding pointer sized elements (ex. function references).
//
// Note: This is an interface for decoupling, not third-party implementations. All implementations are in this module.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#table-instances%E2%91%A0
type Table interface {
	// Size returns the count of elements.
	Size() uint32

	// Grow appends delta elements set to init, returning the previous size. The error wraps ErrGrow when
	// the delta exceeds the table's maximum or its reservation.
	Grow(delta uint32, init uintptr) (previousSize uint32, err error)

	// Get returns the element at index or false if out of range.
	Get(index uint32) (uintptr, bool)

	// Set sets the element at index or returns false if out of range.
	Set(index uint32, v uintptr) bool
}
