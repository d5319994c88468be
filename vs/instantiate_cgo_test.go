//go:build amd64 && cgo && !windows

// Wasmtime can only be used in amd64 with CGO
// Wasmer doesn't link on Windows
package vs

import (
	"errors"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// helloWasm exports one page of memory, holding "hello" at zero.
var helloWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x05, 0x03, 0x01, 0x00, 0x01, // memory section: min 1
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00, // export section: "memory"
	0x0b, 0x0b, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x05, 'h', 'e', 'l', 'l', 'o', // data section
}

func init() {
	others["wasmer-go"] = newWasmerHello
	others["wasmtime-go"] = newWasmtimeHello
}

func newWasmerHello() (func() ([]byte, error), func(), error) {
	store := wasmer.NewStore(wasmer.NewEngine())
	module, err := wasmer.NewModule(store, helloWasm)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	read := func() ([]byte, error) {
		mem, err := instance.Exports.GetMemory("memory")
		if err != nil {
			return nil, err
		}
		return mem.Data(), nil
	}
	closer := func() {
		instance.Close()
		store.Close()
	}
	return read, closer, nil
}

func newWasmtimeHello() (func() ([]byte, error), func(), error) {
	store := wasmtime.NewStore(wasmtime.NewEngine())
	module, err := wasmtime.NewModule(store.Engine, helloWasm)
	if err != nil {
		return nil, nil, err
	}
	instance, err := wasmtime.NewInstance(store, module, nil)
	if err != nil {
		return nil, nil, err
	}
	read := func() ([]byte, error) {
		export := instance.GetExport(store, "memory")
		if export == nil || export.Memory() == nil {
			return nil, errors.New("not a memory")
		}
		return export.Memory().UnsafeData(store), nil
	}
	return read, func() {}, nil
}
