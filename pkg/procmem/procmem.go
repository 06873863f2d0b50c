// Package procmem provides raw memory access into another process's address
// space. The core protocol depends only on the Memory interface so it can be
// exercised without a real process; the Linux implementation uses the
// process_vm_readv / process_vm_writev syscalls.
package procmem

import (
	"errors"
	"fmt"
)

// Memory reads and writes bytes at addresses inside some address space.
type Memory interface {
	// ReadAt fills b from memory starting at addr
	ReadAt(addr uintptr, b []byte) error
	// WriteAt copies b into memory starting at addr
	WriteAt(addr uintptr, b []byte) error
}

// ShortTransferError reports a transfer that moved fewer bytes than
// requested. Moved distinguishes a transfer that never started (0) from one
// that partially succeeded; the two need different recovery (retry vs reset).
type ShortTransferError struct {
	Op    string
	Addr  uintptr
	Want  int
	Moved int
}

func (e *ShortTransferError) Error() string {
	if e.Moved == 0 {
		return fmt.Sprintf("procmem: %s at %#x never started (want %d bytes)", e.Op, e.Addr, e.Want)
	}
	return fmt.Sprintf("procmem: short %s at %#x: %d of %d bytes", e.Op, e.Addr, e.Moved, e.Want)
}

// Started reports whether any bytes moved before the transfer stopped.
func (e *ShortTransferError) Started() bool { return e.Moved > 0 }

// AsShortTransfer extracts a ShortTransferError from err, if any.
func AsShortTransfer(err error) (*ShortTransferError, bool) {
	var st *ShortTransferError
	ok := errors.As(err, &st)
	return st, ok
}
