package mpk

import (
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/bytecodealliance/wasmtime-sub051/internal/platform"
)

// pkeyDomain uses the pkey_* system calls and the PKRU register.
type pkeyDomain struct {
	mux  sync.Mutex
	keys []Key
}

// newPkeyDomain probes the kernel and hardware by allocating a key.
func newPkeyDomain() (*pkeyDomain, bool) {
	if !platform.PkeysSupported {
		return nil, false
	}
	k, err := platform.PkeyAlloc()
	if err != nil {
		return nil, false
	}
	_ = platform.PkeyFree(k)
	return &pkeyDomain{}, true
}

func (*pkeyDomain) IsSupported() bool { return true }

func (d *pkeyDomain) AllocateKeys(n int) ([]Key, error) {
	d.mux.Lock()
	defer d.mux.Unlock()

	var keys []Key
	for len(keys) < n {
		k, err := platform.PkeyAlloc()
		if err != nil {
			if len(keys) == 0 {
				return nil, err
			}
			break // out of keys
		}
		keys = append(keys, Key(k))
	}
	d.keys = append(d.keys, keys...)
	return keys, nil
}

func (*pkeyDomain) Protect(b []byte, k Key, writable bool) error {
	if len(b) == 0 {
		return nil
	}
	return platform.PkeyMprotect(b, writable, int(k))
}

func (*pkeyDomain) Allow(m Mask) {
	platform.WritePKRU(toPKRU(m))
}

func (*pkeyDomain) CurrentMask() Mask {
	return fromPKRU(platform.ReadPKRU())
}

func (d *pkeyDomain) Close() (err error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	for _, k := range d.keys {
		if e := platform.PkeyFree(int(k)); e != nil {
			err = multierror.Append(err, e)
		}
	}
	d.keys = nil
	return
}

// PKRU holds two bits per key: access disable, then write disable.
const (
	pkruAD = 0b01
	pkruWD = 0b10
)

func toPKRU(m Mask) uint32 {
	var pkru uint32
	for k := Key(1); k < MaxKeys; k++ {
		if !m.Allows(k) {
			pkru |= (pkruAD | pkruWD) << (2 * k)
		}
	}
	return pkru
}

func fromPKRU(pkru uint32) Mask {
	m := Mask(1)
	for k := Key(1); k < MaxKeys; k++ {
		if pkru>>(2*k)&pkruAD == 0 {
			m |= 1 << k
		}
	}
	return m
}
