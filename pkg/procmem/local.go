package procmem

import "unsafe"

// Local accesses the calling process's own address space. It backs in-process
// testing where host and sandboxee halves share one process, and the
// degenerate unsandboxed mode where no child exists.
type Local struct{}

// ReadAt copies len(b) bytes at addr into b
func (Local) ReadAt(addr uintptr, b []byte) error {
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b)))
	return nil
}

// WriteAt copies b to the memory at addr
func (Local) WriteAt(addr uintptr, b []byte) error {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b)), b)
	return nil
}
