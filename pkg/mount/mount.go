// Package mount describes the mount points of a sandboxee filesystem view.
// Mounts travel to the forkserver in its configuration message and are
// applied there, inside the forkserver's mount namespace.
package mount

import (
	"fmt"
	"syscall"
)

// Mount is one mount point. Target is relative to the new root when a pivot
// root is configured.
type Mount struct {
	Source, Target, FsType, Data string
	Flags                        uintptr
}

func (m Mount) String() string {
	switch {
	case m.Flags&syscall.MS_BIND == syscall.MS_BIND:
		flag := "rw"
		if m.Flags&syscall.MS_RDONLY == syscall.MS_RDONLY {
			flag = "ro"
		}
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)

	case m.FsType == "tmpfs":
		return fmt.Sprintf("tmpfs[%s]", m.Target)

	case m.FsType == "proc":
		return "proc[]"

	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x,%s]", m.FsType, m.Source, m.Target, m.Flags, m.Data)
	}
}
