// Package policy compiles named-syscall policies into filter programs using
// the pure Go seccomp compiler. It is the default policy-builder collaborator
// handed to a sandbox; the libseccomp package provides a cgo alternative
// producing kernel-identical programs via libseccomp.
package policy

import (
	"fmt"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-seccomp-bpf/arch"
	"golang.org/x/sys/unix"

	"github.com/criyle/go-sapi/pkg/filter"
)

// Builder is used to build the filter program
type Builder struct {
	Allow, Trace, Errno []string
	Default             filter.Action
}

// Build builds the filter program. The compiler emits bare action values, so
// the 16-bit SECCOMP_RET_DATA payload is packed into the assembled return
// instructions afterwards.
func (b *Builder) Build() (filter.Program, error) {
	pol := seccomp.Policy{
		DefaultAction: ToSeccompAction(b.Default),
	}
	if len(b.Allow) > 0 {
		pol.Syscalls = append(pol.Syscalls, seccomp.SyscallGroup{
			Action: seccomp.ActionAllow,
			Names:  b.Allow,
		})
	}
	if len(b.Trace) > 0 {
		pol.Syscalls = append(pol.Syscalls, seccomp.SyscallGroup{
			Action: seccomp.ActionTrace,
			Names:  b.Trace,
		})
	}
	if len(b.Errno) > 0 {
		pol.Syscalls = append(pol.Syscalls, seccomp.SyscallGroup{
			Action: seccomp.ActionErrno,
			Names:  b.Errno,
		})
	}

	insns, err := pol.Assemble()
	if err != nil {
		return nil, fmt.Errorf("policy: assemble %w", err)
	}
	p, err := filter.Assemble(insns)
	if err != nil {
		return nil, err
	}
	packReturnData(p)
	return p, nil
}

// packReturnData attaches the message constants to trap-style returns: trace
// returns carry MsgHandle for the tracer, errno returns MsgDisallow as the
// errno value. The kernel reads the low 16 bits of the return value as
// SECCOMP_RET_DATA.
func packReturnData(p filter.Program) {
	for i := range p {
		if p[i].Code != unix.BPF_RET|unix.BPF_K {
			continue
		}
		switch p[i].K & unix.SECCOMP_RET_ACTION_FULL {
		case unix.SECCOMP_RET_TRACE:
			p[i].K |= uint32(uint16(filter.MsgHandle))
		case unix.SECCOMP_RET_ERRNO:
			p[i].K |= uint32(uint16(filter.MsgDisallow))
		}
	}
}

// ToSeccompAction converts an action to the compiler's action form
func ToSeccompAction(a filter.Action) seccomp.Action {
	switch a.Action() {
	case filter.ActionAllow:
		return seccomp.ActionAllow
	case filter.ActionErrno:
		return seccomp.ActionErrno
	case filter.ActionTrace:
		return seccomp.ActionTrace
	default:
		return seccomp.ActionKillProcess
	}
}

var info, errInfo = arch.GetInfo("")

// SyscallName converts a syscall number of the native architecture to its name
func SyscallName(sysno uint) (string, error) {
	if errInfo != nil {
		return "", errInfo
	}
	n, ok := info.SyscallNumbers[int(sysno)]
	if !ok {
		return "", fmt.Errorf("policy: syscall no %d does not exist", sysno)
	}
	return n, nil
}

// SyscallNumber converts a syscall name to its native architecture number
func SyscallNumber(name string) (uint, error) {
	if errInfo != nil {
		return 0, errInfo
	}
	for no, n := range info.SyscallNumbers {
		if n == name {
			return uint(no), nil
		}
	}
	return 0, fmt.Errorf("policy: syscall %q does not exist", name)
}
