// Package sandbox runs guest code compiled from WebAssembly modules against linear memories whose bounds
// are enforced by guard regions: out of bounds accesses fault, and the faults become traps.
//
// An Engine owns the instance allocator, which either reserves every instance slot up front (pooling) or
// allocates per instance, and the registry classifying faults. A ModuleDecl describes what the compiler
// knows about a module: its memories, tables, data segments and the code ranges it emitted. Compiling it
// computes the layout of each memory, which tells the compiler which bounds checks it may elide.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/bytecodealliance/wasmtime-sub051/internal/memimage"
	"github.com/bytecodealliance/wasmtime-sub051/internal/metrics"
	"github.com/bytecodealliance/wasmtime-sub051/internal/mpk"
	"github.com/bytecodealliance/wasmtime-sub051/internal/pool"
	"github.com/bytecodealliance/wasmtime-sub051/internal/trap"
)

// ErrEngineClosed is returned when using an engine after Engine.Close.
var ErrEngineClosed = errors.New("engine closed")

// Engine compiles modules and instantiates them. It is safe for concurrent use.
type Engine struct {
	cfg     *EngineConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	domain    mpk.Domain
	registry  *trap.Registry
	allocator pool.InstanceAllocator
	images    *memimage.Cache

	mux       sync.Mutex
	inflight  sync.WaitGroup // instantiations between pin and done
	nextID    uint64
	modules   map[*CompiledModule]struct{}
	instances map[*Instance]struct{}
	closed    bool
}

// NewEngine returns an engine configured by cfg, or NewEngineConfig when nil. A pooling engine reserves
// the address space of every instance slot before returning.
func NewEngine(ctx context.Context, cfg *EngineConfig) (*Engine, error) {
	if cfg == nil {
		cfg = NewEngineConfig()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		images:    memimage.NewCache(),
		modules:   map[*CompiledModule]struct{}{},
		instances: map[*Instance]struct{}{},
	}
	if err := e.init(); err != nil {
		_ = e.release()
		return nil, err
	}
	logger.Debug("created engine",
		zap.Bool("pooling", cfg.pooling),
		zap.Bool("protection_keys", e.domain.IsSupported()),
		zap.Uint64("static_memory_maximum_size", cfg.tunables.StaticMemoryMaximumSize),
		zap.Uint64("guard_region_size", cfg.tunables.GuardRegionSize))
	return e, nil
}

func (e *Engine) init() (err error) {
	cfg := e.cfg
	if e.metrics, err = metrics.New(cfg.registerer); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if e.domain, err = mpk.New(cfg.protectionDomains); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if e.registry, err = trap.NewRegistry(e.logger.Named("trap"), e.metrics); err != nil {
		return err
	}

	pc := pool.Config{
		Limits:             cfg.limits,
		Tunables:           cfg.tunables,
		MemoryKeepResident: cfg.memoryKeepResident,
		TableKeepResident:  cfg.tableKeepResident,
		Domain:             e.domain,
		Registrar:          e.registerHeap,
		Logger:             e.logger.Named("pool"),
		Metrics:            e.metrics,
	}
	if !cfg.pooling {
		e.allocator = pool.NewOnDemand(pc)
		return nil
	}
	p, err := pool.NewPool(pc)
	if err != nil {
		return err
	}
	e.allocator = p
	return nil
}

// registerHeap classifies faults in the address space of memories as out of bounds accesses.
func (e *Engine) registerHeap(start, length uintptr) func() {
	return e.registry.RegisterRegion(start, length, trap.RegionHeap)
}

// Close closes every instance then every module of the engine, and releases the allocator. Errors are
// aggregated, and the engine is closed regardless.
func (e *Engine) Close(ctx context.Context) error {
	e.mux.Lock()
	if e.closed {
		e.mux.Unlock()
		return nil
	}
	e.closed = true
	e.mux.Unlock()

	// Instantiations in flight fail to track their instance once closed, and release it themselves.
	e.inflight.Wait()

	e.mux.Lock()
	instances := make([]*Instance, 0, len(e.instances))
	for i := range e.instances {
		instances = append(instances, i)
	}
	modules := make([]*CompiledModule, 0, len(e.modules))
	for m := range e.modules {
		modules = append(modules, m)
	}
	e.mux.Unlock()

	var err error
	for _, i := range instances {
		if cerr := i.Close(ctx); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}
	for _, m := range modules {
		if cerr := m.Close(ctx); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}
	if cerr := e.release(); cerr != nil {
		err = multierror.Append(err, cerr)
	}
	return err
}

func (e *Engine) release() error {
	var err error
	if e.allocator != nil {
		if cerr := e.allocator.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}
	if e.registry != nil {
		if cerr := e.registry.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}
	if e.domain != nil {
		if cerr := e.domain.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}
	return err
}

// track records a module or instance, failing when the engine is closed.
func (e *Engine) track(m *CompiledModule, i *Instance) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if m != nil {
		e.nextID++
		m.id = e.nextID
		e.modules[m] = struct{}{}
	}
	if i != nil {
		e.instances[i] = struct{}{}
	}
	return nil
}

func (e *Engine) untrack(m *CompiledModule, i *Instance) {
	e.mux.Lock()
	defer e.mux.Unlock()
	if m != nil {
		delete(e.modules, m)
	}
	if i != nil {
		delete(e.instances, i)
	}
}
