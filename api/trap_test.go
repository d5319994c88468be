package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrap_Error(t *testing.T) {
	tests := []struct {
		name     string
		trap     *Trap
		expected string
		is       error
	}{
		{
			name:     "heap out of bounds",
			trap:     &Trap{Kind: TrapKindHeapOutOfBounds, Addr: 0x1000, HasAddr: true},
			expected: "wasm error: out of bounds memory access (address 0x1000)",
			is:       ErrOutOfBoundsMemoryAccess,
		},
		{
			name: "explicit with frames",
			trap: &Trap{Kind: TrapKindExplicit, Code: TrapCodeUnreachable, Frames: []Frame{
				{Function: "guest.div"},
				{Function: "guest.main", File: "main.go", Line: 10},
			}},
			expected: `wasm error: unreachable
wasm stack trace:
	guest.div
	guest.main
		main.go:10`,
			is: ErrUnreachable,
		},
		{
			name:     "stack overflow",
			trap:     &Trap{Kind: TrapKindStackOverflow},
			expected: "wasm error: callstack overflow",
			is:       ErrStackOverflow,
		},
		{
			name:     "other",
			trap:     &Trap{Kind: TrapKindOther},
			expected: "wasm error: unknown fault",
			is:       ErrUnknownFault,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.EqualError(t, tc.trap, tc.expected)
			require.True(t, errors.Is(tc.trap, tc.is))
		})
	}
}

func TestTrapCode_Err(t *testing.T) {
	for c := TrapCodeNone; c < TrapCodeCount; c++ {
		require.NotNil(t, c.Err(), c)
	}
	require.Equal(t, ErrUnknownFault, TrapCode(200).Err())
	require.Equal(t, "integer divide by zero", TrapCodeIntegerDivisionByZero.String())
}

func TestTrapKind_String(t *testing.T) {
	require.Equal(t, "heap_out_of_bounds", TrapKindHeapOutOfBounds.String())
	require.Equal(t, "explicit", TrapKindExplicit.String())
	require.Equal(t, "stack_overflow", TrapKindStackOverflow.String())
	require.Equal(t, "other", TrapKindOther.String())
}
