// Package libseccomp builds filter programs through the system libseccomp
// library. The produced programs are identical to what the kernel helpers
// generate and serve as a cross-check for the pure Go policy compiler.
package libseccomp

import (
	"io"
	"os"

	libseccomp "github.com/seccomp/libseccomp-golang"

	"github.com/criyle/go-sapi/pkg/filter"
)

// Builder is used to build the filter program
type Builder struct {
	Allow, Trace []string
	Default      filter.Action
}

var actTrace = libseccomp.ActTrace.SetReturnCode(filter.MsgHandle)

// Build builds the filter program
func (b *Builder) Build() (filter.Program, error) {
	sf, err := libseccomp.NewFilter(toSeccompAction(b.Default))
	if err != nil {
		return nil, err
	}
	defer sf.Release()

	if err = addFilterActions(sf, b.Allow, libseccomp.ActAllow); err != nil {
		return nil, err
	}
	if err = addFilterActions(sf, b.Trace, actTrace); err != nil {
		return nil, err
	}
	return ExportBPF(sf)
}

// ExportBPF converts a libseccomp filter to the kernel program form
func ExportBPF(sf *libseccomp.ScmpFilter) (filter.Program, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	// export BPF to pipe
	go func() {
		sf.ExportBPF(w)
		w.Close()
	}()

	// get BPF binary
	bin, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return filter.Unmarshal(bin)
}

// SyscallName converts a syscall number to its name via libseccomp
func SyscallName(sysno uint) (string, error) {
	return libseccomp.ScmpSyscall(sysno).GetName()
}

func toSeccompAction(a filter.Action) libseccomp.ScmpAction {
	var action libseccomp.ScmpAction
	switch a.Action() {
	case filter.ActionAllow:
		action = libseccomp.ActAllow
	case filter.ActionErrno:
		action = libseccomp.ActErrno
	case filter.ActionTrace:
		action = libseccomp.ActTrace
	default:
		action = libseccomp.ActKillProcess
	}
	if code := a.ReturnCode(); code != 0 {
		action = action.SetReturnCode(code)
	}
	return action
}

func addFilterActions(sf *libseccomp.ScmpFilter, names []string, action libseccomp.ScmpAction) error {
	for _, s := range names {
		if err := addFilterAction(sf, s, action); err != nil {
			return err
		}
	}
	return nil
}

func addFilterAction(sf *libseccomp.ScmpFilter, name string, action libseccomp.ScmpAction) error {
	syscallID, err := libseccomp.GetSyscallFromName(name)
	if err != nil {
		return err
	}
	return sf.AddRule(syscallID, action)
}
