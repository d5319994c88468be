// Package mpk isolates slots of the pooling allocator from each other with memory protection keys.
//
// Each stripe of slots is tagged with its own key. While guest code runs, only the key of its own stripe
// (and key zero, which tags everything else) is allowed, so a stray access into a neighbouring slot
// faults even though the neighbour's pages are committed.
package mpk

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrUnsupported is returned when protection keys are required but the host lacks them.
var ErrUnsupported = errors.New("memory protection keys unsupported")

// MaxKeys is the count of keys of the hardware, including the default key zero.
const MaxKeys = 16

// Key is a protection key. Key zero tags every page not tagged otherwise.
type Key uint32

// Mask is a set of keys the current thread may access: bit i allows key i.
type Mask uint32

// AllMask allows every key.
const AllMask Mask = 1<<MaxKeys - 1

// MaskOf returns the mask allowing keys, and key zero.
func MaskOf(keys ...Key) Mask {
	m := Mask(1)
	for _, k := range keys {
		m |= 1 << k
	}
	return m
}

// Allows returns true if the key is allowed. Key zero is always allowed.
func (m Mask) Allows(k Key) bool {
	return k == 0 || m&(1<<k) != 0
}

// String implements fmt.Stringer.
func (m Mask) String() string {
	if m|1 == AllMask {
		return "all"
	}
	var b strings.Builder
	b.WriteString("{0")
	for k := Key(1); k < MaxKeys; k++ {
		if m.Allows(k) {
			fmt.Fprintf(&b, ",%d", k)
		}
	}
	b.WriteByte('}')
	return b.String()
}

// Mode selects whether protection keys are used.
type Mode uint8

const (
	// Disable never uses protection keys.
	Disable Mode = iota
	// Enable requires protection keys, failing when the host lacks them.
	Enable
	// Auto uses protection keys when the host supports them.
	Auto
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Enable:
		return "enable"
	case Auto:
		return "auto"
	default:
		return "disable"
	}
}

// UnmarshalText implements encoding.TextUnmarshaler, so that modes can be read from configuration files.
func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "disable", "false", "off":
		*m = Disable
	case "enable", "true", "on":
		*m = Enable
	case "auto":
		*m = Auto
	default:
		return fmt.Errorf("invalid protection domain mode %q: expected enable, disable or auto", text)
	}
	return nil
}

// Domain tags memory with keys, and switches which keys the current thread may access.
type Domain interface {
	// IsSupported returns false when every other method is a no-op.
	IsSupported() bool
	// AllocateKeys allocates up to n keys, returning at least one or an error.
	AllocateKeys(n int) ([]Key, error)
	// Protect tags b with k, and sets its protection.
	Protect(b []byte, k Key, writable bool) error
	// Allow restricts the current thread to the keys of m, plus key zero. The goroutine must be locked
	// to its thread.
	Allow(m Mask)
	// CurrentMask returns the keys the current thread may access.
	CurrentMask() Mask
	// Close frees allocated keys.
	Close() error
}

// New returns the domain for mode.
func New(mode Mode) (Domain, error) {
	if mode == Disable {
		return unsupported{}, nil
	}
	if d, ok := newPkeyDomain(); ok {
		return d, nil
	}
	if mode == Enable {
		return nil, fmt.Errorf("%w on GOOS=%s GOARCH=%s", ErrUnsupported, runtime.GOOS, runtime.GOARCH)
	}
	return unsupported{}, nil
}

// WithAllAccess runs fn with every key allowed. Host code uses it to touch slots of any stripe.
func WithAllAccess(d Domain, fn func()) {
	if !d.IsSupported() {
		fn()
		return
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	prev := d.CurrentMask()
	d.Allow(AllMask)
	defer d.Allow(prev)
	fn()
}

type unsupported struct{}

func (unsupported) IsSupported() bool { return false }

func (unsupported) AllocateKeys(int) ([]Key, error) { return nil, ErrUnsupported }

func (unsupported) Protect([]byte, Key, bool) error { return nil }

func (unsupported) Allow(Mask) {}

func (unsupported) CurrentMask() Mask { return AllMask }

func (unsupported) Close() error { return nil }
