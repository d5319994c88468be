package api

import (
	"errors"
	"fmt"
	"strings"
)

// All the errors are produced by traps of guest code, and they indicate that the state of the guest is
// unrecoverable.
var (
	// ErrOutOfBoundsMemoryAccess indicates that the program tried to access the
	// region beyond the linear memory.
	ErrOutOfBoundsMemoryAccess = errors.New("out of bounds memory access")
	// ErrStackOverflow indicates that there are too many function calls,
	// and the execution was terminated.
	ErrStackOverflow = errors.New("callstack overflow")
	// ErrUnreachable means "unreachable" instruction was executed by the program.
	ErrUnreachable = errors.New("unreachable")
	// ErrIntegerOverflow indicates that an integer arithmetic resulted in
	// overflow value.
	ErrIntegerOverflow = errors.New("integer overflow")
	// ErrIntegerDivideByZero indicates that an integer div or rem instructions
	// was executed with 0 as the divisor.
	ErrIntegerDivideByZero = errors.New("integer divide by zero")
	// ErrInvalidConversionToInteger indicates the program tried to
	// convert NaN floating point value to integers during trunc variant instructions.
	ErrInvalidConversionToInteger = errors.New("invalid conversion to integer")
	// ErrInvalidTableAccess means either offset to the table was out of bounds of table, or
	// the target element in the table was uninitialized during call_indirect instruction.
	ErrInvalidTableAccess = errors.New("invalid table access")
	// ErrIndirectCallTypeMismatch indicates that the type check failed during call_indirect.
	ErrIndirectCallTypeMismatch = errors.New("indirect call type mismatch")
	// ErrUnalignedAtomic indicates an atomic access at an unaligned address.
	ErrUnalignedAtomic = errors.New("unaligned atomic")
	// ErrInterrupted indicates the call was interrupted by the cancellation of its context.
	ErrInterrupted = errors.New("interrupted")
	// ErrUnknownFault indicates a fault of guest code which isn't attributed to any known region.
	ErrUnknownFault = errors.New("unknown fault")
)

// TrapKind classifies a Trap by how it was detected.
type TrapKind uint8

const (
	// TrapKindOther is a fault in guest code which doesn't land in any known region.
	TrapKindOther TrapKind = iota
	// TrapKindHeapOutOfBounds is a fault in the guard region of a linear memory.
	TrapKindHeapOutOfBounds
	// TrapKindExplicit is a trap raised on purpose by guest code, see TrapCode.
	TrapKindExplicit
	// TrapKindStackOverflow is a fault in the guard page of a guest stack.
	TrapKindStackOverflow
)

// String implements fmt.Stringer.
func (k TrapKind) String() string {
	switch k {
	case TrapKindHeapOutOfBounds:
		return "heap_out_of_bounds"
	case TrapKindExplicit:
		return "explicit"
	case TrapKindStackOverflow:
		return "stack_overflow"
	default:
		return "other"
	}
}

// TrapCode is the reason of an explicit trap.
type TrapCode uint8

const (
	TrapCodeNone TrapCode = iota
	TrapCodeUnreachable
	TrapCodeIntegerOverflow
	TrapCodeIntegerDivisionByZero
	TrapCodeBadConversionToInteger
	TrapCodeIndirectCallToNull
	TrapCodeBadSignature
	TrapCodeTableOutOfBounds
	TrapCodeHeapMisaligned
	TrapCodeInterrupt
	// TrapCodeHeapOutOfBounds is raised by explicit bounds checks, which the guard region couldn't elide.
	TrapCodeHeapOutOfBounds
	// TrapCodeStackOverflow is raised by explicit stack checks.
	TrapCodeStackOverflow

	// TrapCodeCount is the count of codes. Codes are below it.
	TrapCodeCount
)

var trapCodeErrors = [TrapCodeCount]error{
	TrapCodeNone:                   ErrUnknownFault,
	TrapCodeUnreachable:            ErrUnreachable,
	TrapCodeIntegerOverflow:        ErrIntegerOverflow,
	TrapCodeIntegerDivisionByZero:  ErrIntegerDivideByZero,
	TrapCodeBadConversionToInteger: ErrInvalidConversionToInteger,
	TrapCodeIndirectCallToNull:     ErrInvalidTableAccess,
	TrapCodeBadSignature:           ErrIndirectCallTypeMismatch,
	TrapCodeTableOutOfBounds:       ErrInvalidTableAccess,
	TrapCodeHeapMisaligned:         ErrUnalignedAtomic,
	TrapCodeInterrupt:              ErrInterrupted,
	TrapCodeHeapOutOfBounds:        ErrOutOfBoundsMemoryAccess,
	TrapCodeStackOverflow:          ErrStackOverflow,
}

// Err returns the sentinel error of the code.
func (c TrapCode) Err() error {
	if c >= TrapCodeCount {
		return ErrUnknownFault
	}
	return trapCodeErrors[c]
}

// String implements fmt.Stringer.
func (c TrapCode) String() string {
	return c.Err().Error()
}

// Frame is a guest function on the stack when a trap occurred, innermost first.
type Frame struct {
	PC       uintptr
	Function string
	File     string
	Line     int
}

// Trap is the error returned by a call whose guest code trapped. Use errors.Is with the sentinel errors
// of this package to check its cause.
type Trap struct {
	Kind TrapKind
	// Code is set when Kind is TrapKindExplicit.
	Code TrapCode
	// PC is the program counter of the faulting or trapping instruction.
	PC uintptr
	// Addr is the faulting address when HasAddr.
	Addr    uintptr
	HasAddr bool
	Frames  []Frame
}

// Unwrap allows errors.Is to match the sentinel error of the trap.
func (t *Trap) Unwrap() error {
	switch t.Kind {
	case TrapKindHeapOutOfBounds:
		return ErrOutOfBoundsMemoryAccess
	case TrapKindStackOverflow:
		return ErrStackOverflow
	case TrapKindExplicit:
		return t.Code.Err()
	default:
		return ErrUnknownFault
	}
}

// Error implements error.
func (t *Trap) Error() string {
	var b strings.Builder
	b.WriteString("wasm error: ")
	b.WriteString(t.Unwrap().Error())
	if t.HasAddr {
		fmt.Fprintf(&b, " (address %#x)", t.Addr)
	}
	if len(t.Frames) > 0 {
		b.WriteString("\nwasm stack trace:")
		for _, f := range t.Frames {
			b.WriteString("\n\t")
			b.WriteString(f.Function)
			if f.File != "" {
				fmt.Fprintf(&b, "\n\t\t%s:%d", f.File, f.Line)
			}
		}
	}
	return b.String()
}
