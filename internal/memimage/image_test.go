package memimage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

func TestNewImage(t *testing.T) {
	page := platform.PageSize

	t.Run("no data", func(t *testing.T) {
		img, err := NewImage(nil, []Segment{{Offset: 10}}, 65536)
		require.NoError(t, err)
		require.Nil(t, img)
	})

	t.Run("spans touched pages", func(t *testing.T) {
		img, err := NewImage(nil, []Segment{
			{Offset: page + 3, Data: []byte("abc")},
			{Offset: 2*page + 1, Data: []byte("xyz")},
			{Offset: page + 4, Data: []byte("B")},
		}, 16*page)
		require.NoError(t, err)
		defer img.Release()

		require.Equal(t, page, img.LinearMemoryOffset)
		require.Equal(t, 2*page, img.Len)
		require.Equal(t, 3*page, img.End())
		require.Equal(t, uint64(0), img.SourceOffset)
		require.Equal(t, 2*page, img.Source.Len())
	})

	t.Run("segment past initial size", func(t *testing.T) {
		_, err := NewImage(nil, []Segment{{Offset: 65535, Data: []byte("ab")}}, 65536)
		require.ErrorIs(t, err, ErrSegmentOutOfBounds)
	})
}

func TestImage_Equal(t *testing.T) {
	src, err := FromBytes([]byte("hello"))
	require.NoError(t, err)
	defer src.Release()

	a := &Image{Source: src, Len: platform.PageSize}
	b := &Image{Source: src, Len: platform.PageSize}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(nil))
	require.True(t, (*Image)(nil).Equal(nil))

	b.LinearMemoryOffset = platform.PageSize
	require.False(t, a.Equal(b))
}

func TestCache(t *testing.T) {
	c := NewCache()
	data := bytes.Repeat([]byte{7}, int(platform.PageSize))

	s1, err := c.Get(data)
	require.NoError(t, err)
	s2, err := c.Get(append([]byte(nil), data...))
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, 1, c.Len())

	other, err := c.Get([]byte("other"))
	require.NoError(t, err)
	require.NotSame(t, s1, other)
	require.Equal(t, 2, c.Len())

	require.NoError(t, s1.Release())
	require.Equal(t, 2, c.Len())
	require.NoError(t, s2.Release())
	require.Equal(t, 1, c.Len())
	require.NoError(t, other.Release())
	require.Zero(t, c.Len())

	t.Run("released source is replaced", func(t *testing.T) {
		s3, err := c.Get(data)
		require.NoError(t, err)
		defer s3.Release()
		require.NotSame(t, s1, s3)
	})
}

func TestSource_ReleasePanics(t *testing.T) {
	src, err := FromBytes(nil)
	require.NoError(t, err)
	require.NoError(t, src.Release())
	require.Panics(t, func() { _ = src.Release() })
}
