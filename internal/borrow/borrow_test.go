package borrow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegion_Overlaps(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Region
		expected bool
	}{
		{name: "same", a: Region{0, 4}, b: Region{0, 4}, expected: true},
		{name: "adjacent", a: Region{0, 4}, b: Region{4, 4}, expected: false},
		{name: "inside", a: Region{0, 16}, b: Region{4, 4}, expected: true},
		{name: "partial", a: Region{0, 5}, b: Region{4, 4}, expected: true},
		{name: "empty", a: Region{0, 16}, b: Region{4, 0}, expected: false},
		{name: "near 4GiB", a: Region{0xffff_fff0, 0x10}, b: Region{0xffff_ffff, 1}, expected: true},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.a.Overlaps(tc.b))
			require.Equal(t, tc.expected, tc.b.Overlaps(tc.a))
		})
	}
}

func TestChecker(t *testing.T) {
	c := NewChecker()
	a, b := Region{0, 8}, Region{4, 8}

	require.NoError(t, c.SharedBorrow(a))
	require.NoError(t, c.SharedBorrow(a))
	require.NoError(t, c.SharedBorrow(b))
	require.True(t, c.CanRead(4, 8))
	require.False(t, c.CanWrite(4, 8))
	require.True(t, c.CanWrite(12, 4))
	require.True(t, c.CanWrite(0, 0))
	require.ErrorIs(t, c.MutBorrow(b), ErrConflict)

	require.NoError(t, c.SharedUnborrow(a))
	require.NoError(t, c.SharedUnborrow(a))
	require.ErrorIs(t, c.SharedUnborrow(a), ErrNotBorrowed)
	require.NoError(t, c.SharedUnborrow(b))
	require.Zero(t, c.Len())

	require.NoError(t, c.MutBorrow(a))
	require.False(t, c.CanRead(4, 8))
	require.False(t, c.CanRead(7, 1))
	require.True(t, c.CanRead(8, 1<<40))
	require.ErrorIs(t, c.SharedBorrow(b), ErrConflict)
	require.ErrorIs(t, c.MutBorrow(b), ErrConflict)
	require.NoError(t, c.MutBorrow(Region{8, 8}))

	require.NoError(t, c.MutUnborrow(a))
	require.ErrorIs(t, c.MutUnborrow(a), ErrNotBorrowed)
	require.NoError(t, c.SharedBorrow(Region{0, 8}))
	require.Equal(t, 2, c.Len())
}

func TestChecker_TooManyBorrows(t *testing.T) {
	c := NewChecker()
	r := Region{0, 1}
	c.shared[r] = ^uint32(0)
	require.ErrorIs(t, c.SharedBorrow(r), ErrTooManyBorrows)
}
