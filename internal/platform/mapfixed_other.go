//go:build unix && !(linux && (amd64 || arm64 || riscv64 || ppc64le || loong64))

package platform

import "os"

const MapFixedSupported = false

// MapZeroFixed zeros b in place. b must be committed.
func MapZeroFixed(b []byte) error {
	clear(b)
	return nil
}

func MapFileFixed([]byte, *os.File, uint64) error {
	return ErrUnsupported
}
