//go:build !unix

package platform

import "os"

const (
	MmapSupported     = false
	DiscardSupported  = false
	MapFixedSupported = false
)

func Reserve(uint64) ([]byte, error) {
	return nil, ErrUnsupported
}

func Release([]byte) error {
	return ErrUnsupported
}

func Commit([]byte) error {
	return ErrUnsupported
}

func Decommit([]byte) error {
	return ErrUnsupported
}

func DiscardPages([]byte) error {
	return ErrUnsupported
}

func MemfdCreate(string, []byte) (*os.File, error) {
	return nil, ErrUnsupported
}

func MapZeroFixed([]byte) error {
	return ErrUnsupported
}

func MapFileFixed([]byte, *os.File, uint64) error {
	return ErrUnsupported
}
