//go:build unix

package memimage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub051/internal/features"
	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

func reserve(t *testing.T, size uint64) []byte {
	b, err := platform.Reserve(size)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, platform.Release(b)) })
	require.NoError(t, platform.Commit(b))
	return b
}

func TestSource_MapAtRoundTrip(t *testing.T) {
	for _, nocow := range []bool{false, true} {
		nocow := nocow
		t.Run(map[bool]string{false: "default", true: "nocow"}[nocow], func(t *testing.T) {
			if nocow {
				features.Enable(features.NoCOW)
				defer features.Disable(features.NoCOW)
			}
			page := platform.PageSize
			content := bytes.Repeat([]byte("image!"), int(page)/4) // spans two pages, the second partially.

			src, err := FromBytes(content)
			require.NoError(t, err)
			defer src.Release()
			require.Equal(t, platform.MapFixedSupported && !nocow, src.COW())

			mem := reserve(t, 4*page)
			base := platform.Addr(mem)

			require.NoError(t, src.MapAt(base+uintptr(page), 2*page, 0))
			require.Equal(t, content, mem[page:page+uint64(len(content))])
			require.Equal(t, make([]byte, 3*page-page-uint64(len(content))), mem[page+uint64(len(content)):3*page])

			// Writes never reach the source.
			mem[page] = 'X'
			require.NoError(t, RemapAsZeroAt(base+uintptr(page), 2*page))
			require.Equal(t, make([]byte, 2*page), mem[page:3*page])

			require.NoError(t, src.MapAt(base+uintptr(page), 2*page, 0))
			require.Equal(t, content, mem[page:page+uint64(len(content))])

			t.Run("offset", func(t *testing.T) {
				require.NoError(t, src.MapAt(base, page, page))
				require.Equal(t, content[page:], mem[:uint64(len(content))-page])
			})

			t.Run("out of range", func(t *testing.T) {
				require.ErrorIs(t, src.MapAt(base, 3*page, 0), ErrRange)
			})
		})
	}
}

func TestFromFile(t *testing.T) {
	page := platform.PageSize
	content := bytes.Repeat([]byte{0xaa}, int(page)+1)
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	src, err := FromFile(f)
	require.NoError(t, err)
	defer src.Release()
	require.Equal(t, uint64(len(content)), src.Len())

	mem := reserve(t, 2*page)
	require.NoError(t, src.MapAt(platform.Addr(mem), 2*page, 0))
	require.Equal(t, content, mem[:len(content)])
	require.Equal(t, byte(0), mem[len(content)])

	mem[0] = 0
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, got)
}
