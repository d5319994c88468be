package sandbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/bytecodealliance/wasmtime-sub051/api"
	"github.com/bytecodealliance/wasmtime-sub051/internal/borrow"
	"github.com/bytecodealliance/wasmtime-sub051/internal/heap"
	"github.com/bytecodealliance/wasmtime-sub051/internal/mpk"
	"github.com/bytecodealliance/wasmtime-sub051/internal/pool"
	"github.com/bytecodealliance/wasmtime-sub051/internal/trap"
)

var (
	// ErrModuleClosed is returned when instantiating a module after CompiledModule.Close.
	ErrModuleClosed = errors.New("module closed")
	// ErrInstanceClosed is returned when calling into an instance after Instance.Close.
	ErrInstanceClosed = errors.New("instance closed")
)

// Instance is an instantiated module: its memories, tables and instance context. Like guest code, an
// instance is used by one goroutine at a time.
type Instance struct {
	e        *Engine
	module   *CompiledModule
	alloc    *pool.Allocation
	memories []*memory
	tables   []*table
	stack    *trap.Stack

	closed    atomic.Bool
	closeOnce sync.Once
}

// Instantiate allocates the memories and tables of m, mapping their initial content. A pooling engine
// fails with pool.ErrPoolExhausted when every instance slot is in use.
func (e *Engine) Instantiate(ctx context.Context, m *CompiledModule) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plans, err := e.pin(m)
	if err != nil {
		return nil, err
	}
	defer e.done(plans)

	a, err := e.allocator.Allocate(&pool.Request{
		ModuleID:      m.id,
		Memories:      plans,
		Tables:        m.tables,
		VMContextSize: m.offsets.Size(),
	})
	if err != nil {
		return nil, fmt.Errorf("instantiating %s: %w", m.name, err)
	}

	i := &Instance{e: e, module: m, alloc: a}
	if e.cfg.guestStackSize > 0 {
		if i.stack, err = e.registry.NewStack(e.cfg.guestStackSize); err != nil {
			_ = e.allocator.Deallocate(a)
			return nil, err
		}
	}
	for j, s := range a.Memories {
		i.memories = append(i.memories, &memory{i: i, index: j, slot: s, borrows: borrow.NewChecker()})
	}
	for j, s := range a.Tables {
		i.tables = append(i.tables, &table{i: i, index: j, slot: s})
	}
	i.updateVMContext()

	if err = e.track(nil, i); err != nil {
		_ = i.release()
		return nil, err
	}
	e.logger.Debug("instantiated module",
		zap.String("module", m.name),
		zap.Int("slot", a.Index),
		zap.Bool("protection_key", a.HasKey))
	return i, nil
}

// updateVMContext writes the base and length of every memory and table where compiled code reads them.
func (i *Instance) updateVMContext() {
	for j, m := range i.memories {
		i.putUint64(i.module.offsets.MemoryBase(j), uint64(m.slot.Base()))
		i.putUint64(i.module.offsets.MemoryLength(j), m.slot.CommittedLen())
	}
	for j, t := range i.tables {
		i.putUint64(i.module.offsets.TableBase(j), uint64(t.slot.Base()))
		i.putUint64(i.module.offsets.TableLength(j), uint64(t.slot.Size()))
	}
}

func (i *Instance) putUint64(off heap.Offset, v uint64) {
	binary.NativeEndian.PutUint64(i.alloc.VMContext[off:], v)
}

// Module returns the module of the instance.
func (i *Instance) Module() *CompiledModule {
	return i.module
}

// Memory returns memory index of the instance, or nil if out of range.
func (i *Instance) Memory(index int) api.Memory {
	if index < 0 || index >= len(i.memories) {
		return nil
	}
	return i.memories[index]
}

// Table returns table index of the instance, or nil if out of range.
func (i *Instance) Table(index int) api.Table {
	if index < 0 || index >= len(i.tables) {
		return nil
	}
	return i.tables[index]
}

// VMContext returns the instance context: for each memory then each table, its base address and
// current length at the offsets of CompiledModule.Offsets.
func (i *Instance) VMContext() []byte {
	return i.alloc.VMContext
}

// mask is the protection mask of calls into the instance: only its own stripe of a pooling engine.
func (i *Instance) mask() mpk.Mask {
	if i.alloc.HasKey {
		return mpk.MaskOf(i.alloc.Key)
	}
	return mpk.AllMask
}

// Call runs guest code on the current goroutine. Faults of code registered with the module, and explicit
// traps, are returned as *api.Trap. Other faults and panics propagate.
//
// With protection keys, the memories of instances of other stripes are inaccessible during the call.
func (i *Instance) Call(ctx context.Context, fn GuestFunc) error {
	if i.closed.Load() {
		return ErrInstanceClosed
	}
	return i.e.registry.Call(ctx, trap.CallOptions{
		Domain: i.e.domain,
		Mask:   i.mask(),
		Stack:  i.stack,
	}, fn)
}

// HostAccess runs fn with access to the memories of every stripe. Host functions called by guest code
// use it before touching memories of other instances.
func (i *Instance) HostAccess(fn func()) {
	mpk.WithAllAccess(i.e.domain, fn)
}

// Close returns the memories and tables of the instance to the allocator. Views of its memories are no
// longer valid.
//
// Concurrent calls wait for the first to release the instance, so that Engine.Close never races with it.
func (i *Instance) Close(context.Context) (err error) {
	i.closed.Store(true)
	i.closeOnce.Do(func() {
		err = i.release()
		i.e.untrack(nil, i)
	})
	return
}

func (i *Instance) release() error {
	var err error
	if i.stack != nil {
		if cerr := i.stack.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}
	if cerr := i.e.allocator.Deallocate(i.alloc); cerr != nil {
		err = multierror.Append(err, cerr)
	}
	return err
}
