package pool

import (
	"fmt"
	"sync"
)

// indexAllocator is the free list of instance slots. It prefers the most recently freed index, unless an
// index last used by the same module is free: that slot may still hold the module's memory image.
type indexAllocator struct {
	mux      sync.Mutex
	free     []uint32 // stack, the next index is at the end
	module   []uint64 // module last allocated at each index
	inUse    []bool
	poisoned int
}

func newIndexAllocator(count uint32) *indexAllocator {
	a := &indexAllocator{
		free:   make([]uint32, count),
		module: make([]uint64, count),
		inUse:  make([]bool, count),
	}
	for i := range a.free {
		a.free[i] = count - 1 - uint32(i)
	}
	return a
}

func (a *indexAllocator) alloc(moduleID uint64) (uint32, bool) {
	a.mux.Lock()
	defer a.mux.Unlock()

	if len(a.free) == 0 {
		return 0, false
	}
	pos := len(a.free) - 1
	if moduleID != 0 {
		for i := pos; i >= 0; i-- {
			if a.module[a.free[i]] == moduleID {
				pos = i
				break
			}
		}
	}
	idx := a.free[pos]
	a.free = append(a.free[:pos], a.free[pos+1:]...)
	a.module[idx] = moduleID
	a.inUse[idx] = true
	return idx, true
}

func (a *indexAllocator) release(idx uint32) {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.checkInUse(idx)
	a.inUse[idx] = false
	a.free = append(a.free, idx)
}

// poison retires idx for good, as its slots couldn't be reset.
func (a *indexAllocator) poison(idx uint32) {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.checkInUse(idx)
	a.inUse[idx] = false
	a.module[idx] = 0
	a.poisoned++
}

func (a *indexAllocator) checkInUse(idx uint32) {
	if !a.inUse[idx] {
		panic(fmt.Errorf("BUG: instance slot %d freed twice", idx))
	}
}

// live returns the count of allocated indexes.
func (a *indexAllocator) live() int {
	a.mux.Lock()
	defer a.mux.Unlock()
	return len(a.inUse) - len(a.free) - a.poisoned
}
