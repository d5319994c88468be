// Package borrow tracks host borrows of linear memory regions so that overlapping mutable and shared
// views are never handed out at the same time.
package borrow

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrConflict is returned when a borrow overlaps an incompatible one.
	ErrConflict = errors.New("region already borrowed")
	// ErrTooManyBorrows is returned when the shared count of a region would overflow.
	ErrTooManyBorrows = errors.New("too many borrows of region")
	// ErrNotBorrowed is returned when releasing a borrow which isn't held.
	ErrNotBorrowed = errors.New("region not borrowed")
)

// Region is a byte range of a linear memory.
type Region struct {
	Start, Len uint32
}

// End returns the exclusive end of the region.
func (r Region) End() uint64 {
	return uint64(r.Start) + uint64(r.Len)
}

// Overlaps returns true if r and o share at least one byte.
func (r Region) Overlaps(o Region) bool {
	if r.Len == 0 || o.Len == 0 {
		return false
	}
	return uint64(r.Start) < o.End() && uint64(o.Start) < r.End()
}

// overlapsRange is Overlaps for a range which may not fit a Region.
func (r Region) overlapsRange(offset, length uint64) bool {
	if r.Len == 0 || length == 0 {
		return false
	}
	return uint64(r.Start) < offset+length && offset < r.End()
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End())
}

// Checker holds the current borrows of one memory.
type Checker struct {
	mux     sync.Mutex
	shared  map[Region]uint32
	mutable map[Region]struct{}
}

// NewChecker returns a Checker with nothing borrowed.
func NewChecker() *Checker {
	return &Checker{shared: map[Region]uint32{}, mutable: map[Region]struct{}{}}
}

// SharedBorrow records a read-only view of r. It fails if r overlaps a mutable borrow.
func (c *Checker) SharedBorrow(r Region) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if m, ok := c.overlapsMutable(r); ok {
		return fmt.Errorf("%w: %s overlaps mutable %s", ErrConflict, r, m)
	}
	n := c.shared[r]
	if n == ^uint32(0) {
		return fmt.Errorf("%w: %s", ErrTooManyBorrows, r)
	}
	c.shared[r] = n + 1
	return nil
}

// MutBorrow records a writable view of r. It fails if r overlaps any other borrow.
func (c *Checker) MutBorrow(r Region) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if m, ok := c.overlapsMutable(r); ok {
		return fmt.Errorf("%w: %s overlaps mutable %s", ErrConflict, r, m)
	}
	for s := range c.shared {
		if s.Overlaps(r) {
			return fmt.Errorf("%w: %s overlaps shared %s", ErrConflict, r, s)
		}
	}
	c.mutable[r] = struct{}{}
	return nil
}

// SharedUnborrow releases one shared borrow of r.
func (c *Checker) SharedUnborrow(r Region) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	n, ok := c.shared[r]
	if !ok {
		return fmt.Errorf("%w: shared %s", ErrNotBorrowed, r)
	}
	if n == 1 {
		delete(c.shared, r)
	} else {
		c.shared[r] = n - 1
	}
	return nil
}

// MutUnborrow releases the mutable borrow of r.
func (c *Checker) MutUnborrow(r Region) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if _, ok := c.mutable[r]; !ok {
		return fmt.Errorf("%w: mutable %s", ErrNotBorrowed, r)
	}
	delete(c.mutable, r)
	return nil
}

// CanRead returns true if no mutable borrow overlaps the length bytes at offset. Host reads outside of
// borrows use it.
func (c *Checker) CanRead(offset, length uint64) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	for m := range c.mutable {
		if m.overlapsRange(offset, length) {
			return false
		}
	}
	return true
}

// CanWrite returns true if no borrow at all overlaps the length bytes at offset.
func (c *Checker) CanWrite(offset, length uint64) bool {
	if !c.CanRead(offset, length) {
		return false
	}
	c.mux.Lock()
	defer c.mux.Unlock()
	for s := range c.shared {
		if s.overlapsRange(offset, length) {
			return false
		}
	}
	return true
}

// Len returns the count of distinct borrowed regions.
func (c *Checker) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.shared) + len(c.mutable)
}

func (c *Checker) overlapsMutable(r Region) (Region, bool) {
	for m := range c.mutable {
		if m.Overlaps(r) {
			return m, true
		}
	}
	return Region{}, false
}
