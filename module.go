package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/bytecodealliance/wasmtime-sub051/internal/heap"
	"github.com/bytecodealliance/wasmtime-sub051/internal/memimage"
	"github.com/bytecodealliance/wasmtime-sub051/internal/pool"
	"github.com/bytecodealliance/wasmtime-sub051/internal/trap"
)

// ErrInvalidModule is returned by Engine.CompileModule when a declaration is inconsistent, or needs more
// than the instance limits of a pooling engine.
var ErrInvalidModule = errors.New("invalid module")

type (
	// MemoryType is the declaration of a linear memory. See heap.MemoryType
	MemoryType = heap.MemoryType
	// HeapLayout is how a linear memory is laid out, and which accesses need a bounds check.
	HeapLayout = heap.HeapLayout
	// OffsetData describes where compiled code reads the base and length of memories and tables in the
	// instance context.
	OffsetData = heap.OffsetData
	// CodeRange is a range of guest code trusted to fault, with its explicit trap sites.
	CodeRange = trap.CodeRange
	// GuestFunc is the entry point of guest code called by Instance.Call.
	GuestFunc = trap.GuestFunc
	// GuestContext is passed to guest code during Instance.Call.
	GuestContext = trap.Context
)

// FuncCodeRange returns the code range of the Go function fn, so that faults of fn are traps once its
// module is compiled. It panics if fn isn't a non-nil function.
func FuncCodeRange(fn any) CodeRange {
	return trap.FuncRange(fn)
}

// TableType is the declaration of a table, in elements.
type TableType struct {
	Min, Max uint32
	HasMax   bool
}

// DataSegment is an active data segment with a constant offset.
type DataSegment struct {
	MemoryIndex uint32
	Offset      uint64
	Data        []byte
}

// ModuleDecl is what the compiler knows about a module.
type ModuleDecl struct {
	// Name is only used in logs and errors.
	Name     string
	Memories []MemoryType
	Tables   []TableType
	Data     []DataSegment
	// Code are the ranges of the compiled code of the module. Faults outside them crash the process.
	Code []CodeRange
}

// CompiledModule is a module ready to be instantiated with Engine.Instantiate.
type CompiledModule struct {
	e       *Engine
	id      uint64
	name    string
	layouts []HeapLayout
	offsets OffsetData
	plans   []pool.MemoryPlan
	tables  []pool.TablePlan

	closeOnce  sync.Once
	unregister []func()
}

// Name returns ModuleDecl.Name.
func (m *CompiledModule) Name() string {
	return m.name
}

// Layout returns the layout of memory i, which tells the compiler which bounds checks it may elide.
func (m *CompiledModule) Layout(i int) HeapLayout {
	return m.layouts[i]
}

// Offsets returns where compiled code reads the base and length of memories and tables.
func (m *CompiledModule) Offsets() OffsetData {
	return m.offsets
}

// CompileModule computes the layout of the memories of decl and builds their initial images. Code ranges
// are trusted until the module is closed, which must happen after its instances are closed.
func (e *Engine) CompileModule(decl ModuleDecl) (*CompiledModule, error) {
	if err := e.checkLimits(&decl); err != nil {
		return nil, err
	}
	m := &CompiledModule{
		e:       e,
		name:    decl.Name,
		offsets: OffsetData{Memories: len(decl.Memories), Tables: len(decl.Tables)},
	}

	segments := make([][]memimage.Segment, len(decl.Memories))
	for i, d := range decl.Data {
		if int(d.MemoryIndex) >= len(decl.Memories) {
			return nil, fmt.Errorf("%w: %s: data segment %d targets memory %d of %d",
				ErrInvalidModule, decl.Name, i, d.MemoryIndex, len(decl.Memories))
		}
		segments[d.MemoryIndex] = append(segments[d.MemoryIndex], memimage.Segment{Offset: d.Offset, Data: d.Data})
	}

	for i, mem := range decl.Memories {
		l, err := heap.Compute(mem, e.cfg.tunables, i)
		if err != nil {
			_ = m.release()
			return nil, fmt.Errorf("%w: %s: memory %d: %w", ErrInvalidModule, decl.Name, i, err)
		}
		img, err := memimage.NewImage(e.images, segments[i], l.MinimumSize)
		if err != nil {
			_ = m.release()
			return nil, fmt.Errorf("%w: %s: memory %d: %w", ErrInvalidModule, decl.Name, i, err)
		}
		m.layouts = append(m.layouts, l)
		m.plans = append(m.plans, pool.MemoryPlan{Layout: l, Initial: l.MinimumSize, Maximum: l.MaximumSize, Image: img})
	}
	for i, t := range decl.Tables {
		if t.HasMax && t.Min > t.Max {
			_ = m.release()
			return nil, fmt.Errorf("%w: %s: table %d: min %d > max %d", ErrInvalidModule, decl.Name, i, t.Min, t.Max)
		}
		m.tables = append(m.tables, pool.TablePlan{Initial: t.Min, Maximum: t.Max, HasMax: t.HasMax})
	}

	if err := e.track(m, nil); err != nil {
		_ = m.release()
		return nil, err
	}
	for _, c := range decl.Code {
		m.unregister = append(m.unregister, e.registry.RegisterCode(c))
	}
	e.logger.Debug("compiled module",
		zap.String("module", decl.Name),
		zap.Uint64("id", m.id),
		zap.Int("memories", len(m.plans)),
		zap.Int("tables", len(m.tables)),
		zap.Int("code_ranges", len(decl.Code)))
	return m, nil
}

// checkLimits fails when a pooling engine can't ever instantiate decl.
func (e *Engine) checkLimits(decl *ModuleDecl) error {
	if !e.cfg.pooling {
		return nil
	}
	l := e.cfg.limits
	if n := len(decl.Memories); n > int(l.Memories) {
		return fmt.Errorf("%w: %s: %d memories exceed the limit of %d: %w", ErrInvalidModule, decl.Name, n, l.Memories, pool.ErrLimitExceeded)
	}
	if n := len(decl.Tables); n > int(l.Tables) {
		return fmt.Errorf("%w: %s: %d tables exceed the limit of %d: %w", ErrInvalidModule, decl.Name, n, l.Tables, pool.ErrLimitExceeded)
	}
	for i, mem := range decl.Memories {
		if mem.Min > l.MemoryPages {
			return fmt.Errorf("%w: %s: memory %d of %d pages exceeds the limit of %d pages: %w",
				ErrInvalidModule, decl.Name, i, mem.Min, l.MemoryPages, pool.ErrLimitExceeded)
		}
	}
	for i, t := range decl.Tables {
		if t.Min > l.TableElements {
			return fmt.Errorf("%w: %s: table %d of %d elements exceeds the limit of %d: %w",
				ErrInvalidModule, decl.Name, i, t.Min, l.TableElements, pool.ErrLimitExceeded)
		}
	}
	if size := (OffsetData{Memories: len(decl.Memories), Tables: len(decl.Tables)}).Size(); size > l.Size {
		return fmt.Errorf("%w: %s: instance context of %d bytes exceeds the limit of %d: %w",
			ErrInvalidModule, decl.Name, size, l.Size, pool.ErrLimitExceeded)
	}
	return nil
}

// Close stops trusting the code of the module and releases its images. Instances keep their own
// references to images, but must be closed first as faults of their code are no longer traps.
func (m *CompiledModule) Close(context.Context) (err error) {
	m.closeOnce.Do(func() {
		m.e.untrack(m, nil)
		err = m.release()
	})
	return
}

func (m *CompiledModule) release() error {
	for _, u := range m.unregister {
		u()
	}
	m.unregister = nil
	var err error
	for i := range m.plans {
		if img := m.plans[i].Image; img != nil {
			if e := img.Release(); e != nil {
				err = multierror.Append(err, e)
			}
			m.plans[i].Image = nil
		}
	}
	return err
}

// pin returns the memory plans of m holding their own image references, failing if m or the engine is
// closed. Engine.Close waits for the instantiation to call done.
func (e *Engine) pin(m *CompiledModule) ([]pool.MemoryPlan, error) {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if _, ok := e.modules[m]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleClosed, m.name)
	}
	plans := make([]pool.MemoryPlan, len(m.plans))
	for i, p := range m.plans {
		if p.Image != nil {
			p.Image = p.Image.Acquire()
		}
		plans[i] = p
	}
	e.inflight.Add(1)
	return plans, nil
}

func (e *Engine) done(plans []pool.MemoryPlan) {
	unpin(plans)
	e.inflight.Done()
}

func unpin(plans []pool.MemoryPlan) {
	for _, p := range plans {
		if p.Image != nil {
			_ = p.Image.Release()
		}
	}
}
