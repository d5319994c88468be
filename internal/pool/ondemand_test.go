//go:build unix

package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub051/internal/heap"
)

func TestOnDemand(t *testing.T) {
	var registered, unregistered int
	o := NewOnDemand(Config{
		Limits:   InstanceLimits{TableElements: 10},
		Tunables: testTunables(),
		Registrar: func(start, length uintptr) func() {
			registered++
			return func() { unregistered++ }
		},
	})
	defer o.Close()

	// Declared beyond the static maximum, so dynamic.
	dynamic, err := heap.Compute(heap.MemoryType{Min: 1, Max: 64, HasMax: true}, testTunables(), 1)
	require.NoError(t, err)
	require.Equal(t, heap.StyleDynamic, dynamic.Style.Kind)

	a, err := o.Allocate(&Request{
		Memories: []MemoryPlan{
			memoryPlan(t, 1, 16, helloImage(t)),
			{Layout: dynamic, Initial: wasmPage, Maximum: 64 * wasmPage},
		},
		Tables:        []TablePlan{{Initial: 2}},
		VMContextSize: 48,
	})
	require.NoError(t, err)
	require.Equal(t, -1, a.Index)
	require.Len(t, a.VMContext, 48)
	require.Equal(t, 2, registered)

	static := a.Memories[0]
	require.Equal(t, expectedHello(wasmPage), static.Bytes())
	require.Equal(t, 16*wasmPage, static.ReservedLen())
	require.ErrorIs(t, static.Grow(17*wasmPage), ErrCannotGrow)

	t.Run("dynamic memory moves", func(t *testing.T) {
		mem := a.Memories[1]
		// Minimum plus the growth reserve.
		require.Equal(t, 2*wasmPage, mem.ReservedLen())
		require.NoError(t, mem.Grow(2*wasmPage))
		copy(mem.Bytes()[2*wasmPage-5:], "tail!")
		base := mem.Base()

		require.NoError(t, mem.Grow(5*wasmPage))
		require.NotEqual(t, base, mem.Base())
		require.Equal(t, 5*wasmPage, mem.CommittedLen())
		require.Equal(t, 6*wasmPage, mem.ReservedLen())
		require.Equal(t, "tail!", string(mem.Bytes()[2*wasmPage-5:2*wasmPage]))
		require.Equal(t, 3, registered)
		require.Equal(t, 1, unregistered)

		require.NoError(t, mem.Grow(64*wasmPage))
		require.Equal(t, 64*wasmPage, mem.ReservedLen())
		require.ErrorIs(t, mem.Grow(65*wasmPage), ErrCannotGrow)
	})

	t.Run("table", func(t *testing.T) {
		table := a.Tables[0]
		old, err := table.Grow(8, 7)
		require.NoError(t, err)
		require.Equal(t, uint32(2), old)
		require.Equal(t, []uintptr{0, 0, 7, 7, 7, 7, 7, 7, 7, 7}, table.Elements())
		_, err = table.Grow(1, 0)
		require.ErrorIs(t, err, ErrCannotGrow)
	})

	require.NoError(t, o.Deallocate(a))
	require.Equal(t, registered, unregistered)
}

func TestOnDemand_FailedAllocationIsReleased(t *testing.T) {
	var registered, unregistered int
	o := NewOnDemand(Config{
		Tunables: testTunables(),
		Registrar: func(start, length uintptr) func() {
			registered++
			return func() { unregistered++ }
		},
	})

	img := helloImage(t)
	plan := memoryPlan(t, 1, 16, img)
	plan.Initial = 0 // the image doesn't fit anymore
	_, err := o.Allocate(&Request{Memories: []MemoryPlan{plan}})
	require.ErrorIs(t, err, ErrImageOutOfBounds)
	require.Equal(t, 1, registered)
	require.Equal(t, 1, unregistered)
}
