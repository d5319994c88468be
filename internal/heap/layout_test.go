package heap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

func testTunables() Tunables {
	return Tunables{
		StaticMemoryMaximumSize:    MaxPages32 << PageSizeInBits,
		GuardRegionSize:            2 << 30,
		GuardBeforeLinearMemory:    true,
		DynamicMemoryGrowthReserve: 1 << 20,
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		mem      MemoryType
		tunables Tunables
		expected HeapLayout
	}{
		{
			name:     "declared max fits static",
			mem:      MemoryType{Min: 1, Max: 2, HasMax: true},
			tunables: testTunables(),
			expected: HeapLayout{
				Base:            0,
				MinimumSize:     PageSize,
				MaximumSize:     2 * PageSize,
				GuardRegionSize: 2 << 30,
				PreGuardSize:    2 << 30,
				Style:           Static(4 << 30),
			},
		},
		{
			name:     "undeclared i32 max fits 4GiB static",
			mem:      MemoryType{Min: 3},
			tunables: testTunables(),
			expected: HeapLayout{
				MinimumSize:     3 * PageSize,
				MaximumSize:     4 << 30,
				GuardRegionSize: 2 << 30,
				PreGuardSize:    2 << 30,
				Style:           Static(4 << 30),
			},
		},
		{
			name:     "i64 is dynamic",
			mem:      MemoryType{Min: 1, Is64: true, MaxAccessOffset: 8},
			tunables: testTunables(),
			expected: HeapLayout{
				MinimumSize:     PageSize,
				MaximumSize:     math.MaxUint64,
				GuardRegionSize: 2 << 30,
				PreGuardSize:    2 << 30,
				Style:           Dynamic(8),
				IndexType:       IndexI64,
				MaxAccessOffset: 8,
			},
		},
		{
			name: "static disabled",
			mem:  MemoryType{Min: 1, Max: 1, HasMax: true},
			tunables: Tunables{
				GuardRegionSize: PageSize,
			},
			expected: HeapLayout{
				MinimumSize:     PageSize,
				MaximumSize:     PageSize,
				GuardRegionSize: PageSize,
				PreGuardSize:    platform.PageSize,
				Style:           Dynamic(8),
			},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			l, err := Compute(tc.mem, tc.tunables, 0)
			require.NoError(t, err)
			require.Equal(t, tc.expected, l)
		})
	}

	t.Run("offsets follow the memory index", func(t *testing.T) {
		l, err := Compute(MemoryType{Min: 1, Is64: true}, testTunables(), 2)
		require.NoError(t, err)
		require.Equal(t, Offset(32), l.Base)
		require.Equal(t, Offset(40), l.Style.BoundOffset)
	})
}

func TestCompute_Errors(t *testing.T) {
	tests := []struct {
		name        string
		mem         MemoryType
		tunables    Tunables
		expectedErr string
	}{
		{
			name:        "min over max",
			mem:         MemoryType{Min: 2, Max: 1, HasMax: true},
			tunables:    testTunables(),
			expectedErr: "invalid memory type: min 2 pages > max 1 pages",
		},
		{
			name:        "min over i32 limit",
			mem:         MemoryType{Min: MaxPages32 + 1},
			tunables:    testTunables(),
			expectedErr: "invalid memory type: min 65537 pages exceeds the i32 limit of 65536 pages",
		},
		{
			name:        "max over i32 limit",
			mem:         MemoryType{Max: MaxPages32 + 1, HasMax: true},
			tunables:    testTunables(),
			expectedErr: "invalid memory type: max 65537 pages exceeds the i32 limit of 65536 pages",
		},
		{
			name:        "unaligned guard",
			mem:         MemoryType{Min: 1},
			tunables:    Tunables{GuardRegionSize: platform.PageSize + 1},
			expectedErr: "guard_region_size",
		},
		{
			name:        "unaligned static maximum",
			mem:         MemoryType{Min: 1},
			tunables:    Tunables{StaticMemoryMaximumSize: 1},
			expectedErr: "static_memory_maximum_size 1 is not a multiple",
		},
		{
			name:        "beyond address space",
			mem:         MemoryType{Min: 1},
			tunables:    Tunables{StaticMemoryMaximumSize: addressSpaceLimit, GuardRegionSize: PageSize},
			expectedErr: "exceeds the address space",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compute(tc.mem, tc.tunables, 0)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.expectedErr)
		})
	}
}

func TestHeapLayout_BoundsCheck(t *testing.T) {
	static4G, err := Compute(MemoryType{Min: 1}, testTunables(), 0)
	require.NoError(t, err)

	smallGuard := testTunables()
	smallGuard.StaticMemoryMaximumSize = 1 << 20
	smallGuard.GuardRegionSize = PageSize
	staticSmall, err := Compute(MemoryType{Min: 1, Max: 16, HasMax: true}, smallGuard, 0)
	require.NoError(t, err)

	dynamic, err := Compute(MemoryType{Min: 1, Is64: true}, smallGuard, 0)
	require.NoError(t, err)

	tests := []struct {
		name     string
		layout   HeapLayout
		offset   uint64
		width    uint32
		expected Check
	}{
		{name: "4GiB static, no offset", layout: static4G, offset: 0, width: 8, expected: CheckNone},
		{name: "4GiB static, offset within guard", layout: static4G, offset: 2<<30 - 8, width: 8, expected: CheckNone},
		{name: "4GiB static, offset past guard", layout: static4G, offset: 2 << 30, width: 8, expected: CheckFull},
		{name: "small static, offset within guard", layout: staticSmall, offset: PageSize - 4, width: 4, expected: CheckIndexOnly},
		{name: "small static, offset at guard end", layout: staticSmall, offset: PageSize, width: 1, expected: CheckFull},
		{name: "dynamic, offset within guard", layout: dynamic, offset: 16, width: 8, expected: CheckIndexOnly},
		{name: "dynamic, overflowing offset", layout: dynamic, offset: ^uint64(0), width: 8, expected: CheckFull},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.layout.BoundsCheck(tc.offset, tc.width))
		})
	}
}

func TestHeapLayout_ReservationSize(t *testing.T) {
	tun := Tunables{StaticMemoryMaximumSize: 1 << 20, GuardRegionSize: PageSize, GuardBeforeLinearMemory: true}
	static, err := Compute(MemoryType{Min: 1, Max: 2, HasMax: true}, tun, 0)
	require.NoError(t, err)
	require.Equal(t, PageSize+1<<20+PageSize+PageSize, static.ReservationSize(0))

	dynamic, err := Compute(MemoryType{Min: 1, Max: 64, HasMax: true}, tun, 0)
	require.NoError(t, err)
	require.Equal(t, StyleDynamic, dynamic.Style.Kind)
	require.Equal(t, PageSize+2*PageSize+PageSize+PageSize, dynamic.ReservationSize(PageSize))
	// The reserve never exceeds the declared maximum.
	require.Equal(t, PageSize+64*PageSize+PageSize+PageSize, dynamic.ReservationSize(1<<30))
}

func TestHeapLayout_GuardCoversMaxAccess(t *testing.T) {
	l, err := Compute(MemoryType{Min: 1, MaxAccessOffset: 1 << 20}, testTunables(), 0)
	require.NoError(t, err)
	require.True(t, l.GuardCoversMaxAccess())

	tun := testTunables()
	tun.GuardRegionSize = 0
	l, err = Compute(MemoryType{Min: 1, MaxAccessOffset: 1}, tun, 0)
	require.NoError(t, err)
	require.False(t, l.GuardCoversMaxAccess())
}

func TestOffsetData(t *testing.T) {
	o := OffsetData{Memories: 2, Tables: 1}
	require.Equal(t, Offset(16), o.MemoryBase(1))
	require.Equal(t, Offset(24), o.MemoryLength(1))
	require.Equal(t, Offset(32), o.TableBase(0))
	require.Equal(t, Offset(40), o.TableLength(0))
	require.Equal(t, uint64(48), o.Size())
}
