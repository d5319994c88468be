package trap

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

// Stack is a guest stack: committed pages above an inaccessible guard page. Guest code probes each frame
// it pushes, so running out of stack faults in the guard rather than corrupting whatever lies below.
type Stack struct {
	mem        []byte
	guard      uint64
	unregister func()
}

// NewStack reserves a stack of size bytes, rounded up to the page size, and registers its guard page.
func (r *Registry) NewStack(size uint64) (*Stack, error) {
	size = platform.AlignUp(size)
	if size == 0 {
		return nil, fmt.Errorf("guest stack of %d bytes", size)
	}
	guard := platform.PageSize
	mem, err := platform.Reserve(guard + size)
	if err != nil {
		return nil, fmt.Errorf("reserving a %d byte guest stack: %w", size, err)
	}
	if err = platform.Commit(mem[guard:]); err != nil {
		_ = platform.Release(mem)
		return nil, fmt.Errorf("committing a %d byte guest stack: %w", size, err)
	}
	s := &Stack{mem: mem, guard: guard}
	s.unregister = r.RegisterRegion(platform.Addr(mem), uintptr(guard), RegionStackGuard)
	return s, nil
}

// Top returns the address right past the highest byte of the stack.
func (s *Stack) Top() uintptr {
	return platform.Addr(s.mem) + uintptr(len(s.mem))
}

// Limit returns the lowest usable address. The guard page is right below it.
func (s *Stack) Limit() uintptr {
	return platform.Addr(s.mem) + uintptr(s.guard)
}

// Close unregisters the guard page and releases the stack.
func (s *Stack) Close() error {
	if s.mem == nil {
		return nil
	}
	s.unregister()
	err := platform.Release(s.mem)
	s.mem = nil
	return err
}
