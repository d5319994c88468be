package trap

import (
	"fmt"
	"reflect"
	"runtime"

	"github.com/bytecodealliance/wasmtime-sub051/api"
)

// CodeRange is trusted guest code: faults with a PC in [Start, End) are traps of the guest rather than
// bugs of the host.
type CodeRange struct {
	Start, End uintptr
	// TrapSites maps the PC of instructions which trap on purpose (ex. a load from a known-invalid
	// address) to the code they stand for.
	TrapSites map[uintptr]api.TrapCode
}

// Contains returns true if pc is in the range.
func (c CodeRange) Contains(pc uintptr) bool {
	return c.Start <= pc && pc < c.End
}

// maxFuncSize bounds the scan of FuncRange.
const maxFuncSize = 1 << 20

// FuncRange returns the code range of the Go function fn, which must be a func value. Closures are
// supported: their code is shared by every closure of the same literal.
func FuncRange(fn any) CodeRange {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		panic(fmt.Errorf("BUG: FuncRange of %T", fn))
	}
	entry := v.Pointer()
	f := runtime.FuncForPC(entry)
	if f == nil {
		panic(fmt.Errorf("BUG: no function at %#x", entry))
	}
	entry = f.Entry()
	// The symbol table doesn't record where a function ends, so look for where the next one starts.
	// PCs of inlined calls resolve to the inlined function, so compare entries rather than functions.
	end := entry + 1
	for ; end < entry+maxFuncSize; end++ {
		if g := runtime.FuncForPC(end); g == nil || g.Entry() != entry {
			break
		}
	}
	return CodeRange{Start: entry, End: end}
}
