package client

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-sapi/pkg/filter"
)

// installSeccomp applies the program to every thread of this process.
// no_new_privs is a kernel precondition for installing a filter without
// CAP_SYS_ADMIN.
func installSeccomp(p filter.Program) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(NO_NEW_PRIVS): %w", err)
	}
	prog := p.SockFprog()
	if _, _, errno := unix.RawSyscall(unix.SYS_SECCOMP,
		uintptr(unix.SECCOMP_SET_MODE_FILTER),
		uintptr(unix.SECCOMP_FILTER_FLAG_TSYNC),
		uintptr(unsafe.Pointer(prog))); errno != 0 {
		return fmt.Errorf("seccomp(SET_MODE_FILTER): %w", errno)
	}
	return nil
}
