package heap

import (
	"fmt"
	"math/bits"
	"strconv"

	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

// addressSpaceLimit is the highest amount of address space a single heap may reserve.
const addressSpaceLimit = uint64(1) << 47

// Tunables are the engine-wide knobs of the layout. They are fixed when the engine is created.
type Tunables struct {
	// StaticMemoryMaximumSize is the largest bound of a static heap. Memories whose maximum fits are
	// static, others are dynamic. Zero makes every memory dynamic.
	StaticMemoryMaximumSize uint64
	// GuardRegionSize is the inaccessible region following each heap. Zero disables bounds check
	// elision except for accesses already proven in range.
	GuardRegionSize uint64
	// GuardBeforeLinearMemory places a guard of GuardRegionSize before each heap as well.
	GuardBeforeLinearMemory bool
	// DynamicMemoryGrowthReserve is the extra address space reserved after a dynamic heap's initial
	// size so that it can grow in place for a while.
	DynamicMemoryGrowthReserve uint64
}

// DefaultTunables returns tunables suited to the host's pointer width: on 64-bit hosts every 32-bit
// memory is static and needs no bounds check at all.
func DefaultTunables() Tunables {
	if strconv.IntSize == 64 {
		return Tunables{
			StaticMemoryMaximumSize:    MaxPages32 << PageSizeInBits,
			GuardRegionSize:            2 << 30,
			GuardBeforeLinearMemory:    true,
			DynamicMemoryGrowthReserve: 2 << 30,
		}
	}
	return Tunables{
		StaticMemoryMaximumSize:    10 << 20,
		GuardRegionSize:            PageSize,
		GuardBeforeLinearMemory:    true,
		DynamicMemoryGrowthReserve: 1 << 20,
	}
}

// MinimumGuardRegionSize is the smallest non-zero guard region: one host page, since protection has
// page granularity.
func MinimumGuardRegionSize() uint64 {
	return platform.PageSize
}

// Validate returns ErrInvalidTunables when the sizes aren't page aligned, when the guard is non-zero
// but can't be protected, or when a heap and its guards can't fit the address space.
func (t Tunables) Validate() error {
	if !platform.IsAligned(t.StaticMemoryMaximumSize) {
		return fmt.Errorf("%w: static_memory_maximum_size %d is not a multiple of the page size %d",
			ErrInvalidTunables, t.StaticMemoryMaximumSize, platform.PageSize)
	}
	if !platform.IsAligned(t.GuardRegionSize) {
		return fmt.Errorf("%w: guard_region_size %d is not a multiple of the page size %d",
			ErrInvalidTunables, t.GuardRegionSize, platform.PageSize)
	}
	if t.GuardRegionSize != 0 && t.GuardRegionSize < MinimumGuardRegionSize() {
		return fmt.Errorf("%w: guard_region_size %d is smaller than the minimum %d",
			ErrInvalidTunables, t.GuardRegionSize, MinimumGuardRegionSize())
	}
	total, carry := bits.Add64(t.StaticMemoryMaximumSize, t.GuardRegionSize, 0)
	if carry == 0 {
		total, carry = bits.Add64(total, 2*t.PreGuardSize(), 0)
	}
	if carry != 0 || total > addressSpaceLimit {
		return fmt.Errorf("%w: static_memory_maximum_size %d plus guards exceeds the address space",
			ErrInvalidTunables, t.StaticMemoryMaximumSize)
	}
	return nil
}

// PreGuardSize is at least one page, so that an access right past the end of a heap's guard can never
// land in the next heap.
func (t Tunables) PreGuardSize() uint64 {
	if t.GuardBeforeLinearMemory && t.GuardRegionSize > platform.PageSize {
		return t.GuardRegionSize
	}
	return platform.PageSize
}
