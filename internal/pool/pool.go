package pool

import (
	"fmt"
	"math/bits"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/bytecodealliance/wasmtime-sub051/internal/heap"
	"github.com/bytecodealliance/wasmtime-sub051/internal/metrics"
	"github.com/bytecodealliance/wasmtime-sub051/internal/mpk"
	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

// InstanceLimits bound what each instance slot of a Pool can hold.
type InstanceLimits struct {
	// Count is the count of instance slots.
	Count uint32
	// Memories and Tables are the counts of memories and tables per instance.
	Memories, Tables uint32
	// MemoryPages is the maximum size of each memory, in 64KiB pages.
	MemoryPages uint64
	// TableElements is the maximum size of each table.
	TableElements uint32
	// Size is the size of each instance context, in bytes.
	Size uint64
}

// Config configures an allocator.
type Config struct {
	Limits   InstanceLimits
	Tunables heap.Tunables
	// MemoryKeepResident and TableKeepResident are the bytes of each slot zeroed in place rather than
	// discarded on deallocation.
	MemoryKeepResident, TableKeepResident uint64
	// Domain stripes slots with protection keys when supported. Optional.
	Domain mpk.Domain
	// Registrar is told about the address space of memories. Optional.
	Registrar Registrar
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Pool is the pooling instance allocator: every slot is reserved when the pool is created, and reused by
// subsequent instances. It never falls back to allocating on demand.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	memBound, memStride uint64
	memReservation      []byte
	memories            []*MemorySlot

	tableReservation []byte
	tables           []*TableSlot

	vmctx [][]byte
	keys  []mpk.Key
	index *indexAllocator

	unregister func()
}

var _ InstanceAllocator = (*Pool)(nil)

// NewPool reserves the slots of every instance.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	l := cfg.Limits
	if l.Count == 0 {
		return nil, fmt.Errorf("%w: instance count must be positive", ErrLimitExceeded)
	}
	if err := cfg.Tunables.Validate(); err != nil {
		return nil, err
	}
	pagesBytes := l.MemoryPages << heap.PageSizeInBits
	if l.MemoryPages > heap.MaxPages64 || l.MemoryPages<<heap.PageSizeInBits>>heap.PageSizeInBits != l.MemoryPages {
		return nil, fmt.Errorf("%w: %d memory pages", ErrLimitExceeded, l.MemoryPages)
	}
	static := cfg.Tunables.StaticMemoryMaximumSize
	if static > 0 && pagesBytes > static {
		return nil, fmt.Errorf("%w: memory pages of %s exceed the static memory maximum of %s",
			ErrLimitExceeded, humanize.IBytes(pagesBytes), humanize.IBytes(static))
	}

	p := &Pool{cfg: cfg, logger: cfg.Logger, index: newIndexAllocator(l.Count)}
	// Static memories elide bounds checks up to the static maximum, so slots must be that large.
	p.memBound = max(static, platform.AlignUp(pagesBytes))
	guard, preGuard := cfg.Tunables.GuardRegionSize, cfg.Tunables.PreGuardSize()
	p.memStride = preGuard + p.memBound + guard

	if err := p.reserveMemories(preGuard, guard); err != nil {
		return nil, err
	}
	if err := p.reserveTables(); err != nil {
		_ = p.release()
		return nil, err
	}
	if err := p.stripe(); err != nil {
		_ = p.release()
		return nil, err
	}
	p.vmctx = make([][]byte, l.Count)
	for i := range p.vmctx {
		p.vmctx[i] = make([]byte, l.Size)
	}

	p.logger.Info("created instance pool",
		zap.Uint32("count", l.Count),
		zap.String("memory_reservation", humanize.IBytes(uint64(len(p.memReservation)))),
		zap.String("memory_stride", humanize.IBytes(p.memStride)),
		zap.String("table_reservation", humanize.IBytes(uint64(len(p.tableReservation)))),
		zap.Int("protection_keys", len(p.keys)))
	return p, nil
}

func (p *Pool) reserveMemories(preGuard, guard uint64) error {
	l := p.cfg.Limits
	slots := uint64(l.Count) * uint64(l.Memories)
	if slots == 0 {
		return nil
	}
	hi, total := bits.Mul64(slots, p.memStride)
	if total += preGuard; hi != 0 || total < preGuard || total > 1<<47 {
		return fmt.Errorf("%w: %d memories of %s exceed the address space", ErrLimitExceeded, slots, humanize.IBytes(p.memStride))
	}
	r, err := platform.Reserve(total)
	if err != nil {
		return fmt.Errorf("reserving %s for %d memories: %w", humanize.IBytes(total), slots, err)
	}
	p.memReservation = r
	if p.cfg.Registrar != nil {
		p.unregister = p.cfg.Registrar(platform.Addr(r), uintptr(total))
	}

	pagesBytes := l.MemoryPages << heap.PageSizeInBits
	p.memories = make([]*MemorySlot, slots)
	for k := range p.memories {
		p.memories[k] = &MemorySlot{
			base:    platform.Addr(r) + uintptr(preGuard+uint64(k)*p.memStride),
			bound:   p.memBound,
			guard:   guard,
			maximum: pagesBytes,
			domain:  p.cfg.Domain,
		}
	}
	return nil
}

func (p *Pool) reserveTables() error {
	l := p.cfg.Limits
	slots := uint64(l.Count) * uint64(l.Tables)
	stride := tableBytes(l.TableElements)
	if slots == 0 || stride == 0 {
		return nil
	}
	hi, total := bits.Mul64(slots, stride)
	if hi != 0 || total > 1<<47 {
		return fmt.Errorf("%w: %d tables of %d elements exceed the address space", ErrLimitExceeded, slots, l.TableElements)
	}
	r, err := platform.Reserve(total)
	if err != nil {
		return fmt.Errorf("reserving %s for %d tables: %w", humanize.IBytes(total), slots, err)
	}
	p.tableReservation = r
	p.tables = make([]*TableSlot, slots)
	for k := range p.tables {
		p.tables[k] = &TableSlot{
			base:     platform.Addr(r) + uintptr(uint64(k)*stride),
			capacity: l.TableElements,
			maximum:  l.TableElements,
		}
	}
	return nil
}

// stripe tags the memories of instance slot i with key i % len(keys).
func (p *Pool) stripe() error {
	d := p.cfg.Domain
	if d == nil || !d.IsSupported() || len(p.memories) == 0 {
		return nil
	}
	keys, err := d.AllocateKeys(int(min(p.cfg.Limits.Count, mpk.MaxKeys-1)))
	if err != nil {
		return fmt.Errorf("allocating protection keys: %w", err)
	}
	p.keys = keys
	m := int(p.cfg.Limits.Memories)
	for k, s := range p.memories {
		s.key, s.keyed = keys[(k/m)%len(keys)], true
		if err = d.Protect(s.mem(0, s.bound), s.key, false); err != nil {
			return fmt.Errorf("protecting memory slot %d with key %d: %w", k, s.key, err)
		}
	}
	return nil
}

// Keys returns the protection keys of the stripes, or nil when slots aren't striped.
func (p *Pool) Keys() []mpk.Key {
	return p.keys
}

// MemoryStride returns the distance between the bases of adjacent memory slots.
func (p *Pool) MemoryStride() uint64 {
	return p.memStride
}

func (p *Pool) validate(req *Request) error {
	l := p.cfg.Limits
	if n := len(req.Memories); n > int(l.Memories) {
		return fmt.Errorf("%w: %d memories exceed the limit of %d", ErrLimitExceeded, n, l.Memories)
	}
	if n := len(req.Tables); n > int(l.Tables) {
		return fmt.Errorf("%w: %d tables exceed the limit of %d", ErrLimitExceeded, n, l.Tables)
	}
	if req.VMContextSize > l.Size {
		return fmt.Errorf("%w: instance context of %d bytes exceeds the limit of %d", ErrLimitExceeded, req.VMContextSize, l.Size)
	}
	pagesBytes := l.MemoryPages << heap.PageSizeInBits
	for i, m := range req.Memories {
		if m.Initial > pagesBytes {
			return fmt.Errorf("%w: memory %d of %s exceeds the limit of %d pages",
				ErrLimitExceeded, i, humanize.IBytes(m.Initial), l.MemoryPages)
		}
		if m.Layout.Style.Kind == heap.StyleStatic && m.Layout.Style.Bound > p.memBound {
			return fmt.Errorf("%w: memory %d has a static bound of %s, past the slot bound of %s",
				ErrLimitExceeded, i, humanize.IBytes(m.Layout.Style.Bound), humanize.IBytes(p.memBound))
		}
		if m.Layout.GuardRegionSize > p.cfg.Tunables.GuardRegionSize {
			return fmt.Errorf("%w: memory %d needs a guard region of %s", ErrLimitExceeded, i, humanize.IBytes(m.Layout.GuardRegionSize))
		}
	}
	for i, t := range req.Tables {
		if t.Initial > l.TableElements {
			return fmt.Errorf("%w: table %d of %d elements exceeds the limit of %d", ErrLimitExceeded, i, t.Initial, l.TableElements)
		}
	}
	return nil
}

// Allocate implements InstanceAllocator.Allocate. It fails with ErrPoolExhausted when every slot is in
// use, and with ErrLimitExceeded when req doesn't fit a slot.
func (p *Pool) Allocate(req *Request) (*Allocation, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}
	idx, ok := p.index.alloc(req.ModuleID)
	if !ok {
		p.cfg.Metrics.PoolExhausted()
		return nil, fmt.Errorf("%w: all %d instance slots are in use", ErrPoolExhausted, p.cfg.Limits.Count)
	}

	a := &Allocation{Index: int(idx), VMContext: p.vmctx[idx]}
	if err := p.instantiate(idx, req, a); err != nil {
		p.reset(idx, a)
		return nil, err
	}
	if len(p.keys) > 0 {
		a.Key, a.HasKey = p.keys[int(idx)%len(p.keys)], true
	}

	p.cfg.Metrics.SlotAllocated()
	p.logger.Debug("allocated instance slot",
		zap.Uint32("index", idx),
		zap.Uint64("module", req.ModuleID),
		zap.Int("memories", len(a.Memories)),
		zap.Int("tables", len(a.Tables)))
	return a, nil
}

func (p *Pool) instantiate(idx uint32, req *Request, a *Allocation) error {
	l := p.cfg.Limits
	pagesBytes := l.MemoryPages << heap.PageSizeInBits
	for j, plan := range req.Memories {
		s := p.memories[idx*l.Memories+uint32(j)]
		a.Memories = append(a.Memories, s)
		s.maximum = min(plan.Maximum, pagesBytes)
		if err := s.Instantiate(plan.Initial, plan.Image); err != nil {
			return fmt.Errorf("instantiating memory %d in slot %d: %w", j, idx, err)
		}
	}
	for j, plan := range req.Tables {
		s := p.tables[idx*l.Tables+uint32(j)]
		a.Tables = append(a.Tables, s)
		s.maximum = l.TableElements
		if plan.HasMax {
			s.maximum = min(plan.Maximum, l.TableElements)
		}
		if err := s.Instantiate(plan.Initial); err != nil {
			return fmt.Errorf("instantiating table %d in slot %d: %w", j, idx, err)
		}
	}
	return nil
}

// Deallocate implements InstanceAllocator.Deallocate. Slots which can't be reset are retired, and the
// errors are returned.
func (p *Pool) Deallocate(a *Allocation) error {
	if a.Index < 0 || a.Index >= len(p.vmctx) {
		panic(fmt.Errorf("BUG: deallocating instance slot %d of another allocator", a.Index))
	}
	err := p.reset(uint32(a.Index), a)
	p.cfg.Metrics.SlotFreed()
	p.logger.Debug("deallocated instance slot", zap.Int("index", a.Index), zap.Error(err))
	return err
}

// reset clears the slots of a, then frees idx or retires it on failure.
func (p *Pool) reset(idx uint32, a *Allocation) error {
	var err error
	for _, s := range a.Memories {
		if e := s.ClearAndRemainReady(p.cfg.MemoryKeepResident); e != nil {
			err = multierror.Append(err, e)
		}
	}
	for _, s := range a.Tables {
		if e := s.ClearAndRemainReady(p.cfg.TableKeepResident); e != nil {
			err = multierror.Append(err, e)
		}
	}
	clear(p.vmctx[idx])
	if err != nil {
		p.index.poison(idx)
		p.logger.Warn("retired instance slot", zap.Uint32("index", idx), zap.Error(err))
		return err
	}
	p.index.release(idx)
	return nil
}

// Close releases every slot. It fails with ErrInstancesLive while instances are allocated.
func (p *Pool) Close() error {
	if n := p.index.live(); n > 0 {
		return fmt.Errorf("%w: %d instances", ErrInstancesLive, n)
	}
	return p.release()
}

func (p *Pool) release() error {
	var err error
	for _, s := range p.memories {
		if s.image != nil {
			if e := s.image.Release(); e != nil {
				err = multierror.Append(err, e)
			}
			s.image = nil
		}
	}
	p.memories, p.tables = nil, nil
	if p.unregister != nil {
		p.unregister()
		p.unregister = nil
	}
	for _, r := range [][]byte{p.memReservation, p.tableReservation} {
		if r == nil {
			continue
		}
		if e := platform.Release(r); e != nil {
			err = multierror.Append(err, e)
		}
	}
	p.memReservation, p.tableReservation = nil, nil
	return err
}
