// Package heap computes how a linear memory is laid out in the host address space, and which memory
// accesses compiled code may perform without an explicit bounds check.
package heap

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

const (
	// PageSize is the unit of memory length in WebAssembly, and is defined as 2^16 = 65536.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
	PageSize = uint64(65536)
	// PageSizeInBits satisfies the relation: "1 << PageSizeInBits == PageSize".
	PageSizeInBits = 16
	// MaxPages32 is the maximum number of pages of a memory indexed by i32 (4GiB).
	MaxPages32 = uint64(1) << 16
	// MaxPages64 is the maximum number of pages of a memory indexed by i64.
	MaxPages64 = uint64(1) << 48
)

var (
	// ErrInvalidTunables is returned when the tunables can't produce a sound layout on this host.
	ErrInvalidTunables = errors.New("invalid memory tunables")
	// ErrInvalidMemoryType is returned when a memory declaration is inconsistent.
	ErrInvalidMemoryType = errors.New("invalid memory type")
)

// IndexType is the type of the addresses of a memory.
type IndexType uint8

const (
	IndexI32 IndexType = iota
	IndexI64
)

// String implements fmt.Stringer.
func (t IndexType) String() string {
	if t == IndexI64 {
		return "i64"
	}
	return "i32"
}

// MaxPages returns the maximum number of pages addressable by this index type.
func (t IndexType) MaxPages() uint64 {
	if t == IndexI64 {
		return MaxPages64
	}
	return MaxPages32
}

// StyleKind discriminates Style.
type StyleKind uint8

const (
	// StyleStatic memories never move: Style.Bound bytes are reserved up front and the heap grows in place.
	StyleStatic StyleKind = iota
	// StyleDynamic memories may move when they grow, so compiled code reads the current length at
	// Style.BoundOffset in the instance context.
	StyleDynamic
)

// String implements fmt.Stringer.
func (k StyleKind) String() string {
	if k == StyleDynamic {
		return "dynamic"
	}
	return "static"
}

// Style is either Static{Bound} or Dynamic{BoundOffset}.
type Style struct {
	Kind StyleKind
	// Bound is the number of bytes reserved for a static heap, not including guards.
	Bound uint64
	// BoundOffset is where the current length of a dynamic heap is read from.
	BoundOffset Offset
}

// Static returns a static style reserving bound bytes.
func Static(bound uint64) Style {
	return Style{Kind: StyleStatic, Bound: bound}
}

// Dynamic returns a dynamic style reading its length at boundOffset.
func Dynamic(boundOffset Offset) Style {
	return Style{Kind: StyleDynamic, BoundOffset: boundOffset}
}

// MemoryType is a memory declaration as decoded by the loader, plus what the compiler knows about the
// static offsets used by the module.
type MemoryType struct {
	// Min and Max are in pages. Max is only meaningful if HasMax.
	Min, Max uint64
	HasMax   bool
	Is64     bool
	// MaxAccessOffset is the largest static offset plus access width of any load or store in the module.
	MaxAccessOffset uint64
}

// IndexType returns the index type of this memory.
func (m MemoryType) IndexType() IndexType {
	if m.Is64 {
		return IndexI64
	}
	return IndexI32
}

// MaximumBytes returns the declared maximum in bytes, or the index type maximum when undeclared. The
// result saturates at math.MaxUint64 for i64 memories.
func (m MemoryType) MaximumBytes() uint64 {
	pages := m.IndexType().MaxPages()
	if m.HasMax {
		pages = m.Max
	}
	if pages > math.MaxUint64>>PageSizeInBits {
		return math.MaxUint64
	}
	return pages << PageSizeInBits
}

// HeapLayout describes a linear memory to the compiler. It is computed once per memory when a module is
// compiled, and never changes.
type HeapLayout struct {
	// Base is where the current base address of the heap is read from.
	Base Offset
	// MinimumSize is the number of bytes always present, so no check is needed below it.
	MinimumSize uint64
	// MaximumSize is the number of bytes the heap may grow to.
	MaximumSize uint64
	// GuardRegionSize is the number of inaccessible bytes following the heap's bound.
	GuardRegionSize uint64
	// PreGuardSize is the number of inaccessible bytes preceding the heap.
	PreGuardSize uint64
	Style        Style
	IndexType    IndexType
	// MaxAccessOffset is copied from the MemoryType.
	MaxAccessOffset uint64
}

// Compute returns the layout of the memory at index, deterministically from the declaration and the
// tunables. It fails for declarations or tunables which can't produce a sound layout.
func Compute(mem MemoryType, t Tunables, index int) (HeapLayout, error) {
	if err := t.Validate(); err != nil {
		return HeapLayout{}, err
	}
	it := mem.IndexType()
	if mem.Min > it.MaxPages() {
		return HeapLayout{}, fmt.Errorf("%w: min %d pages exceeds the %s limit of %d pages",
			ErrInvalidMemoryType, mem.Min, it, it.MaxPages())
	}
	if mem.HasMax {
		if mem.Max > it.MaxPages() {
			return HeapLayout{}, fmt.Errorf("%w: max %d pages exceeds the %s limit of %d pages",
				ErrInvalidMemoryType, mem.Max, it, it.MaxPages())
		}
		if mem.Min > mem.Max {
			return HeapLayout{}, fmt.Errorf("%w: min %d pages > max %d pages", ErrInvalidMemoryType, mem.Min, mem.Max)
		}
	}

	offsets := OffsetData{Memories: index + 1}
	l := HeapLayout{
		Base:            offsets.MemoryBase(index),
		MinimumSize:     mem.Min << PageSizeInBits,
		MaximumSize:     mem.MaximumBytes(),
		GuardRegionSize: t.GuardRegionSize,
		PreGuardSize:    t.PreGuardSize(),
		IndexType:       it,
		MaxAccessOffset: mem.MaxAccessOffset,
	}
	if max := mem.MaximumBytes(); t.StaticMemoryMaximumSize > 0 && max <= t.StaticMemoryMaximumSize {
		l.Style = Static(t.StaticMemoryMaximumSize)
	} else {
		l.Style = Dynamic(offsets.MemoryLength(index))
	}
	return l, nil
}

// Check is the kind of bounds check compiled code must emit for an access.
type Check uint8

const (
	// CheckNone means every index of the index type lands in the bound or the guard region.
	CheckNone Check = iota
	// CheckIndexOnly means the index must be compared with the bound (static) or current length
	// (dynamic), but the static offset and width are absorbed by the guard region.
	CheckIndexOnly
	// CheckFull means index + offset + width must be compared with the bound or current length.
	CheckFull
)

// String implements fmt.Stringer.
func (c Check) String() string {
	switch c {
	case CheckNone:
		return "none"
	case CheckIndexOnly:
		return "index_only"
	default:
		return "full"
	}
}

// BoundsCheck returns the check needed by an access of width bytes at the static offset.
func (l HeapLayout) BoundsCheck(offset uint64, width uint32) Check {
	end, carry := bits.Add64(offset, uint64(width), 0)
	if carry != 0 {
		return CheckFull
	}
	if l.Style.Kind == StyleStatic && l.IndexType == IndexI32 {
		// The largest i32 index is 2^32-1, so the last byte touched is at 2^32-2+end.
		if highest, carry := bits.Add64(MaxPages32<<PageSizeInBits-1, end, 0); carry == 0 &&
			highest <= l.Style.Bound+l.GuardRegionSize {
			return CheckNone
		}
	}
	if end <= l.GuardRegionSize {
		return CheckIndexOnly
	}
	return CheckFull
}

// GuardCoversMaxAccess returns true when no access in the module needs a full bounds check.
func (l HeapLayout) GuardCoversMaxAccess() bool {
	return l.MaxAccessOffset <= l.GuardRegionSize
}

// ReservationSize returns the bytes of address space a slot for this heap reserves up front. reserve
// is the growth reservation of a dynamic heap.
func (l HeapLayout) ReservationSize(reserve uint64) uint64 {
	accessible := l.Style.Bound
	if l.Style.Kind == StyleDynamic {
		accessible = platform.AlignUp(l.MinimumSize + reserve)
		if accessible > l.MaximumSize {
			accessible = platform.AlignUp(l.MaximumSize)
		}
	}
	// The trailing pre-guard keeps accesses at the very end of the guard inside this reservation.
	return l.PreGuardSize + accessible + l.GuardRegionSize + l.PreGuardSize
}
