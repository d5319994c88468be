//go:build unix && !linux

package platform

import "os"

const mapNoReserve = 0

const DiscardSupported = false

// DiscardPages zeros b, as there's no portable way to drop pages while keeping the mapping.
func DiscardPages(b []byte) error {
	clear(b)
	return nil
}

func MemfdCreate(string, []byte) (*os.File, error) {
	return nil, ErrUnsupported
}
