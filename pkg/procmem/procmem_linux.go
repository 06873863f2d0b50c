package procmem

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Process accesses the address space of another process by pid. The caller
// needs ptrace-equivalent rights over the target (same uid or CAP_SYS_PTRACE).
type Process struct {
	pid int
}

// NewProcess creates memory access scoped to pid
func NewProcess(pid int) *Process {
	return &Process{pid: pid}
}

// Pid returns the target process id
func (p *Process) Pid() int { return p.pid }

// ReadAt fills b from the target's memory at addr. A transfer that moves
// fewer bytes than requested fails with ShortTransferError, never silently
// truncates.
func (p *Process) ReadAt(addr uintptr, b []byte) error {
	moved := 0
	for moved < len(b) {
		n, err := vmTransfer(unix.SYS_PROCESS_VM_READV, p.pid, addr+uintptr(moved), b[moved:])
		if err != nil {
			return &ShortTransferError{Op: "read", Addr: addr, Want: len(b), Moved: moved}
		}
		if n == 0 {
			return &ShortTransferError{Op: "read", Addr: addr, Want: len(b), Moved: moved}
		}
		moved += n
	}
	return nil
}

// WriteAt copies b into the target's memory at addr
func (p *Process) WriteAt(addr uintptr, b []byte) error {
	moved := 0
	for moved < len(b) {
		n, err := vmTransfer(unix.SYS_PROCESS_VM_WRITEV, p.pid, addr+uintptr(moved), b[moved:])
		if err != nil {
			return &ShortTransferError{Op: "write", Addr: addr, Want: len(b), Moved: moved}
		}
		if n == 0 {
			return &ShortTransferError{Op: "write", Addr: addr, Want: len(b), Moved: moved}
		}
		moved += n
	}
	return nil
}

func vmTransfer(trap uintptr, pid int, addr uintptr, buff []byte) (int, error) {
	localIov := []unix.Iovec{iovec(&buff[0], len(buff))}
	remoteIov := []unix.Iovec{iovec((*byte)(unsafe.Pointer(addr)), len(buff))}

	for {
		r1, _, errno := syscall.Syscall6(trap, uintptr(pid),
			uintptr(unsafe.Pointer(&localIov[0])), uintptr(len(localIov)),
			uintptr(unsafe.Pointer(&remoteIov[0])), uintptr(len(remoteIov)),
			0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return int(r1), errno
		}
		return int(r1), nil
	}
}

func iovec(base *byte, l int) unix.Iovec {
	iov := unix.Iovec{Base: base}
	iov.SetLen(l)
	return iov
}
