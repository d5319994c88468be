package trap

import (
	"context"
	"runtime"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/bytecodealliance/wasmtime-sub051/api"
	"github.com/bytecodealliance/wasmtime-sub051/internal/mpk"
)

// GuestFunc is guest code: it must be registered with Registry.RegisterCode for its faults to be traps.
type GuestFunc func(c *Context)

// CallOptions are the per call settings of Registry.Call.
type CallOptions struct {
	// Domain, when supported, restricts the thread to Mask during the call.
	Domain mpk.Domain
	Mask   mpk.Mask
	// Stack is the guest stack of the call, or nil.
	Stack *Stack
}

// Context is passed to guest code for the duration of a call.
type Context struct {
	ctx   context.Context
	r     *Registry
	stack *Stack
}

// Context returns the context of the call.
func (c *Context) Context() context.Context {
	return c.ctx
}

// TrapAddress returns the address guest code loads from to raise an explicit trap of code.
func (c *Context) TrapAddress(code api.TrapCode) uintptr {
	return c.r.TrapAddress(code)
}

// StackTop returns the highest address of the guest stack, or zero if the call has none. Guest stacks
// grow down towards their guard page.
func (c *Context) StackTop() uintptr {
	if c.stack == nil {
		return 0
	}
	return c.stack.Top()
}

// Raise stops guest code with an explicit trap. It never returns. Unless trusted code is on the stack,
// the trap isn't recovered by Registry.Call.
func (c *Context) Raise(code api.TrapCode) {
	raise(code, 3)
}

// CheckInterrupt raises an interrupt trap if the context of the call is done.
func (c *Context) CheckInterrupt() {
	if c.ctx.Err() != nil {
		raise(api.TrapCodeInterrupt, 3)
	}
}

// raised is the panic value of Raise.
type raised struct {
	code api.TrapCode
	pcs  []uintptr
}

func raise(code api.TrapCode, skip int) {
	pcs := make([]uintptr, maxFrames)
	pcs = pcs[:runtime.Callers(skip, pcs)]
	panic(&raised{code: code, pcs: pcs})
}

// maxFrames bounds stack walks.
const maxFrames = 64

// Call runs fn on the current goroutine locked to its thread, with the protection mask of opts. Faults
// of trusted code and explicit traps are returned as *api.Trap. Every setting is restored before Call
// returns or panics.
func (r *Registry) Call(ctx context.Context, opts CallOptions, fn GuestFunc) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if d := opts.Domain; d != nil && d.IsSupported() {
		prev := d.CurrentMask()
		d.Allow(opts.Mask)
		defer d.Allow(prev)
	}

	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		t, ok := r.recovered(rec)
		if !ok {
			panic(rec)
		}
		r.metrics.Trap(t.Kind)
		r.logger.Debug("guest trap",
			zap.Stringer("kind", t.Kind),
			zap.Stringer("code", t.Code),
			zap.Uintptr("pc", t.PC),
			zap.Uintptr("addr", t.Addr))
		err = t
	}()

	fn(&Context{ctx: ctx, r: r, stack: opts.Stack})
	return nil
}

// addrError is implemented by the runtime.Error of faults, when debug.SetPanicOnFault is on.
type addrError interface {
	error
	Addr() uintptr
}

// recovered returns the trap of a recovered panic, or false if it isn't one.
func (r *Registry) recovered(rec any) (*api.Trap, bool) {
	s := r.snap.Load()

	if e, ok := rec.(*raised); ok {
		t := &api.Trap{Kind: api.TrapKindExplicit, Code: e.code}
		frames := callersFrames(e.pcs)
		if len(frames) > 0 {
			t.PC = frames[0].PC
		}
		// Like faults, explicit traps must come from trusted code, ex. a host function it called.
		if t.Frames = s.trusted(frames); len(t.Frames) == 0 {
			return nil, false
		}
		return t, true
	}

	if _, ok := rec.(runtime.Error); !ok {
		return nil, false
	}
	frames := faultingFrames()
	if len(frames) == 0 {
		return nil, false // a runtime error which isn't a fault, ex. an index out of range.
	}
	var addr uintptr
	e, hasAddr := rec.(addrError)
	if hasAddr {
		addr = e.Addr()
	}
	t, ok := s.classify(frames[0].PC, addr, hasAddr)
	if !ok {
		return nil, false
	}
	t.Frames = s.trusted(frames)
	return t, true
}

// faultingFrames walks the stack of the panicking goroutine, returning the frames under
// runtime.sigpanic, which the runtime injects at the faulting instruction. The first frame's PC is the
// faulting PC. The result is empty when the panic isn't a fault.
func faultingFrames() []runtime.Frame {
	pcs := make([]uintptr, maxFrames)
	pcs = pcs[:runtime.Callers(0, pcs)]
	it := runtime.CallersFrames(pcs)

	var ret []runtime.Frame
	found := false
	for {
		f, more := it.Next()
		if found {
			ret = append(ret, f)
		} else if f.Function == "runtime.sigpanic" {
			found = true
		}
		if !more {
			return ret
		}
	}
}

func callersFrames(pcs []uintptr) []runtime.Frame {
	if len(pcs) == 0 {
		return nil
	}
	var ret []runtime.Frame
	it := runtime.CallersFrames(pcs)
	for {
		f, more := it.Next()
		ret = append(ret, f)
		if !more {
			return ret
		}
	}
}

// trusted returns the frames in trusted code, innermost first.
func (s *snapshot) trusted(frames []runtime.Frame) []api.Frame {
	var ret []api.Frame
	for _, f := range frames {
		if _, ok := s.codeAt(f.PC); ok {
			ret = append(ret, api.Frame{PC: f.PC, Function: f.Function, File: f.File, Line: f.Line})
		}
	}
	return ret
}
