// Package pool allocates the linear memories, tables and instance contexts of instances.
//
// The Pool reserves the address space of every instance slot up front, and recycles slots by resetting
// their memory in place. OnDemand reserves per memory and releases on deallocation.
package pool

import (
	"errors"

	"github.com/bytecodealliance/wasmtime-sub051/internal/heap"
	"github.com/bytecodealliance/wasmtime-sub051/internal/memimage"
	"github.com/bytecodealliance/wasmtime-sub051/internal/mpk"
)

var (
	// ErrPoolExhausted is returned when every instance slot is in use.
	ErrPoolExhausted = errors.New("instance pool exhausted")
	// ErrLimitExceeded is returned when a module needs more than the instance limits allow.
	ErrLimitExceeded = errors.New("instance limit exceeded")
	// ErrCannotGrow is returned when a memory or table would grow past its maximum or its reservation.
	ErrCannotGrow = errors.New("cannot grow")
	// ErrInstancesLive is returned when closing an allocator which still has instances.
	ErrInstancesLive = errors.New("instances still allocated")
)

// Registrar classifies faults in [start, start+length) as out of bounds heap accesses until unregister is
// called.
type Registrar func(start, length uintptr) (unregister func())

// MemoryPlan is how an instance's memory is laid out and initialized.
type MemoryPlan struct {
	Layout heap.HeapLayout
	// Initial and Maximum are in bytes.
	Initial, Maximum uint64
	// Image is the initial content, or nil for an all-zero memory.
	Image *memimage.Image
}

// TablePlan is the size of an instance's table, in elements.
type TablePlan struct {
	Initial uint32
	Maximum uint32
	HasMax  bool
}

// Request is what an instance needs.
type Request struct {
	// ModuleID identifies the module being instantiated, so that slots last used by the same module are
	// preferred. Zero disables affinity.
	ModuleID      uint64
	Memories      []MemoryPlan
	Tables        []TablePlan
	VMContextSize uint64
}

// Allocation holds the resources of an instance until Deallocate.
type Allocation struct {
	// Index is the instance slot in a Pool, or -1.
	Index     int
	Memories  []*MemorySlot
	Tables    []*TableSlot
	VMContext []byte
	// Key is the protection key of the memories, when HasKey.
	Key    mpk.Key
	HasKey bool
}

// InstanceAllocator allocates and recycles the resources of instances. Allocate and Deallocate are safe
// for concurrent use.
type InstanceAllocator interface {
	Allocate(req *Request) (*Allocation, error)
	Deallocate(a *Allocation) error
	Close() error
}
