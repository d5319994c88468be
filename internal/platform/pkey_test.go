package platform

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPkeyAlloc(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	key, err := PkeyAlloc()
	if err != nil {
		t.Skipf("protection keys unavailable: %v", err)
	}
	require.True(t, PkeysSupported)
	require.True(t, key > 0)
	defer func() {
		require.NoError(t, PkeyFree(key))
		// The errno of the system call is returned.
		require.EqualError(t, PkeyFree(key), "invalid argument")
	}()

	r, err := Reserve(PageSize)
	require.NoError(t, err)
	defer Release(r) //nolint
	require.NoError(t, PkeyMprotect(r, true, key))
	r[0] = 1
	require.NoError(t, PkeyMprotect(nil, true, key))

	// The allocating thread has full access, so the register doesn't deny the key.
	ad := uint32(1) << (2 * uint(key))
	require.Zero(t, ReadPKRU()&ad)
}
