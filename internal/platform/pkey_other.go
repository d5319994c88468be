//go:build !(linux && amd64)

package platform

const PkeysSupported = false

func PkeyAlloc() (int, error) {
	return -1, ErrUnsupported
}

func PkeyFree(int) error {
	return ErrUnsupported
}

func PkeyMprotect([]byte, bool, int) error {
	return ErrUnsupported
}

func ReadPKRU() uint32 {
	return 0
}

func WritePKRU(uint32) {}
