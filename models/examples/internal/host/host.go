//go:build tinygo || wasm

package host

import "unsafe"

// Log forwards text to the host runtime via the imported host_log function.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// Buffer views guest memory handed to the entrypoint by the host.
func Buffer(ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

var pinned [][]byte

// Alloc reserves size bytes that stay reachable for the module's lifetime.
func Alloc(size uint32) uint32 {
	buf := make([]byte, size)
	pinned = append(pinned, buf)
	return uint32(uintptr(unsafe.Pointer(&buf[0])))
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)
