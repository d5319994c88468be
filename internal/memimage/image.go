package memimage

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

// ErrSegmentOutOfBounds is returned when a data segment doesn't fit the initial size of its memory.
var ErrSegmentOutOfBounds = errors.New("data segment out of bounds")

// Image is the page aligned span of a Source placed at LinearMemoryOffset of a memory.
type Image struct {
	Source             *Source
	SourceOffset       uint64
	LinearMemoryOffset uint64
	Len                uint64
}

// End returns the offset in linear memory right after the image.
func (i *Image) End() uint64 {
	return i.LinearMemoryOffset + i.Len
}

// MapAt maps the image into the memory starting at base.
func (i *Image) MapAt(base uintptr) error {
	return i.Source.MapAt(base+uintptr(i.LinearMemoryOffset), i.Len, i.SourceOffset)
}

// RemoveAt replaces the image pages of the memory starting at base with zero pages.
func (i *Image) RemoveAt(base uintptr) error {
	return RemapAsZeroAt(base+uintptr(i.LinearMemoryOffset), i.Len)
}

// Equal returns true if both images place the same content at the same offset. Either may be nil.
func (i *Image) Equal(o *Image) bool {
	if i == nil || o == nil {
		return i == o
	}
	return i.Source == o.Source && i.SourceOffset == o.SourceOffset &&
		i.LinearMemoryOffset == o.LinearMemoryOffset && i.Len == o.Len
}

// Acquire adds a reference to the source of the image.
func (i *Image) Acquire() *Image {
	i.Source.Acquire()
	return i
}

// Release drops the reference to the source of the image.
func (i *Image) Release() error {
	return i.Source.Release()
}

// String implements fmt.Stringer.
func (i *Image) String() string {
	return fmt.Sprintf("image[%#x, %#x) (%s, cow=%v)", i.LinearMemoryOffset, i.End(),
		humanize.IBytes(i.Len), i.Source.COW())
}

// Segment is an active data segment of a memory, with a constant offset.
type Segment struct {
	Offset uint64
	Data   []byte
}

// NewImage flattens segments into a single image spanning the pages they touch. Later segments overwrite
// earlier ones. The result is nil when no segment has data.
//
// The source is shared through cache when it isn't nil.
func NewImage(cache *Cache, segments []Segment, initialSize uint64) (*Image, error) {
	start, end := ^uint64(0), uint64(0)
	for i, s := range segments {
		if len(s.Data) == 0 {
			continue
		}
		segEnd := s.Offset + uint64(len(s.Data))
		if segEnd < s.Offset || segEnd > initialSize {
			return nil, fmt.Errorf("%w: segment %d ends at %d, past the initial size %d",
				ErrSegmentOutOfBounds, i, segEnd, initialSize)
		}
		start, end = min(start, s.Offset), max(end, segEnd)
	}
	if end == 0 {
		return nil, nil
	}

	start &^= platform.PageSize - 1
	end = platform.AlignUp(end)
	buf := make([]byte, end-start)
	for _, s := range segments {
		if len(s.Data) > 0 {
			copy(buf[s.Offset-start:], s.Data)
		}
	}

	var src *Source
	var err error
	if cache != nil {
		src, err = cache.Get(buf)
	} else {
		src, err = FromBytes(buf)
	}
	if err != nil {
		return nil, err
	}
	return &Image{Source: src, LinearMemoryOffset: start, Len: end - start}, nil
}
