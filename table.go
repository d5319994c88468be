package sandbox

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub051/api"
	"github.com/bytecodealliance/wasmtime-sub051/internal/pool"
)

// table implements api.Table on a table slot.
type table struct {
	i     *Instance
	index int
	slot  *pool.TableSlot
}

var _ api.Table = (*table)(nil)

// Size implements api.Table.Size
func (t *table) Size() uint32 {
	if t.i.closed.Load() {
		return 0
	}
	return t.slot.Size()
}

// Grow implements api.Table.Grow
func (t *table) Grow(delta uint32, init uintptr) (uint32, error) {
	if t.i.closed.Load() {
		return 0, fmt.Errorf("%w: %w", api.ErrGrow, ErrInstanceClosed)
	}
	previous, err := t.slot.Grow(delta, init)
	if err != nil {
		return previous, fmt.Errorf("%w: table %d: %w", api.ErrGrow, t.index, err)
	}
	t.i.updateVMContext()
	return previous, nil
}

// Get implements api.Table.Get
func (t *table) Get(index uint32) (uintptr, bool) {
	if index >= t.Size() {
		return 0, false
	}
	return t.slot.Elements()[index], true
}

// Set implements api.Table.Set
func (t *table) Set(index uint32, v uintptr) bool {
	if index >= t.Size() {
		return false
	}
	t.slot.Elements()[index] = v
	return true
}
