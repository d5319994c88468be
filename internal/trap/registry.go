// Package trap converts hardware faults and explicit traps of guest code into *api.Trap errors.
//
// Guest code runs through Registry.Call, which recovers faults raised while debug.SetPanicOnFault is on.
// A fault is only a trap when its PC is in a trusted CodeRange: anything else is a bug of the host, so
// the panic continues.
package trap

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bytecodealliance/wasmtime-sub051/api"
	"github.com/bytecodealliance/wasmtime-sub051/internal/metrics"
	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

// RegionKind classifies faulting addresses.
type RegionKind uint8

const (
	// RegionHeap covers linear memories and their guard regions.
	RegionHeap RegionKind = iota
	// RegionTrapPage is the page explicit traps load from: the offset of the address is the trap code.
	RegionTrapPage
	// RegionStackGuard is the guard page below a guest stack.
	RegionStackGuard
)

// String implements fmt.Stringer.
func (k RegionKind) String() string {
	switch k {
	case RegionTrapPage:
		return "trap_page"
	case RegionStackGuard:
		return "stack_guard"
	default:
		return "heap"
	}
}

type region struct {
	id         uint64
	start, end uintptr
	kind       RegionKind
}

type codeEntry struct {
	id uint64
	CodeRange
}

// snapshot is immutable once published, so faults are classified without locks.
type snapshot struct {
	code    []codeEntry // sorted by Start
	regions []region    // sorted by start
}

func (s *snapshot) codeAt(pc uintptr) (*CodeRange, bool) {
	i := sort.Search(len(s.code), func(i int) bool { return s.code[i].End > pc })
	if i < len(s.code) && s.code[i].Contains(pc) {
		return &s.code[i].CodeRange, true
	}
	return nil, false
}

func (s *snapshot) regionAt(addr uintptr) (region, bool) {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].end > addr })
	if i < len(s.regions) && s.regions[i].start <= addr {
		return s.regions[i], true
	}
	return region{}, false
}

// Registry holds the trusted code and the classified memory regions of an engine.
type Registry struct {
	mux    sync.Mutex
	nextID uint64
	snap   atomic.Pointer[snapshot]

	trapPage []byte

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistry reserves the explicit trap page and returns an empty registry. logger and m may be nil.
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger, metrics: m}
	r.snap.Store(&snapshot{})

	page, err := platform.Reserve(platform.PageSize)
	if err != nil {
		return nil, fmt.Errorf("reserving the trap page: %w", err)
	}
	r.trapPage = page
	r.RegisterRegion(platform.Addr(page), uintptr(len(page)), RegionTrapPage)
	return r, nil
}

// RegisterCode trusts the code range until the returned function is called.
func (r *Registry) RegisterCode(c CodeRange) (unregister func()) {
	if c.End <= c.Start {
		panic(fmt.Errorf("BUG: empty code range [%#x, %#x)", c.Start, c.End))
	}
	r.mux.Lock()
	defer r.mux.Unlock()

	id := r.id()
	old := r.snap.Load()
	code := make([]codeEntry, 0, len(old.code)+1)
	code = append(code, old.code...)
	code = append(code, codeEntry{id: id, CodeRange: c})
	sort.Slice(code, func(i, j int) bool { return code[i].Start < code[j].Start })
	r.snap.Store(&snapshot{code: code, regions: old.regions})

	return func() {
		r.remove(id)
	}
}

// RegisterRegion classifies faults in [start, start+length) until the returned function is called.
func (r *Registry) RegisterRegion(start, length uintptr, kind RegionKind) (unregister func()) {
	if length == 0 {
		return func() {}
	}
	r.mux.Lock()
	defer r.mux.Unlock()

	id := r.id()
	old := r.snap.Load()
	regions := make([]region, 0, len(old.regions)+1)
	regions = append(regions, old.regions...)
	regions = append(regions, region{id: id, start: start, end: start + length, kind: kind})
	sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })
	r.snap.Store(&snapshot{code: old.code, regions: regions})

	r.logger.Debug("registered fault region",
		zap.Stringer("kind", kind),
		zap.Uintptr("start", start),
		zap.Uintptr("length", length))
	return func() {
		r.remove(id)
	}
}

func (r *Registry) id() uint64 {
	r.nextID++
	return r.nextID
}

func (r *Registry) remove(id uint64) {
	r.mux.Lock()
	defer r.mux.Unlock()

	old := r.snap.Load()
	next := &snapshot{
		code:    make([]codeEntry, 0, len(old.code)),
		regions: make([]region, 0, len(old.regions)),
	}
	for _, c := range old.code {
		if c.id != id {
			next.code = append(next.code, c)
		}
	}
	for _, reg := range old.regions {
		if reg.id != id {
			next.regions = append(next.regions, reg)
		}
	}
	r.snap.Store(next)
}

// TrapAddress returns the address guest code loads from to raise an explicit trap of code.
func (r *Registry) TrapAddress(code api.TrapCode) uintptr {
	return platform.Addr(r.trapPage) + uintptr(code)
}

// Close releases the trap page.
func (r *Registry) Close() error {
	if r.trapPage == nil {
		return nil
	}
	err := platform.Release(r.trapPage)
	r.trapPage = nil
	return err
}

// classify returns the trap of a fault at pc, or false if pc isn't trusted.
func (s *snapshot) classify(pc, addr uintptr, hasAddr bool) (*api.Trap, bool) {
	c, ok := s.codeAt(pc)
	if !ok {
		return nil, false
	}
	t := &api.Trap{Kind: api.TrapKindOther, PC: pc, Addr: addr, HasAddr: hasAddr}
	if code, ok := c.TrapSites[pc]; ok {
		t.Kind, t.Code = api.TrapKindExplicit, code
		return t, true
	}
	if !hasAddr {
		return t, true
	}
	if reg, ok := s.regionAt(addr); ok {
		switch reg.kind {
		case RegionTrapPage:
			t.Kind, t.Code = api.TrapKindExplicit, api.TrapCode(addr-reg.start)
		case RegionStackGuard:
			t.Kind = api.TrapKindStackOverflow
		case RegionHeap:
			t.Kind = api.TrapKindHeapOutOfBounds
		}
	}
	return t, true
}
