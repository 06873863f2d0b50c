package mount

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	bind  = unix.MS_BIND | unix.MS_NOSUID | unix.MS_PRIVATE
	mFlag = unix.MS_NOSUID | unix.MS_NOATIME | unix.MS_NODEV
)

// Builder accumulates the mount points of a sandboxee filesystem view
type Builder struct {
	Mounts []Mount
}

// NewBuilder creates an empty mount builder
func NewBuilder() *Builder {
	return &Builder{}
}

// NewDefaultBuilder lists the read-only binds of a minimal rootfs
func NewDefaultBuilder() *Builder {
	return NewBuilder().
		WithBind("/usr", "usr", true).
		WithBind("/lib", "lib", true).
		WithBind("/lib64", "lib64", true).
		WithBind("/bin", "bin", true)
}

// Build returns the mount list ready to ship to the forkserver.
// skipNotExists drops bind mounts whose source is missing on this machine.
func (b *Builder) Build(skipNotExists bool) ([]Mount, error) {
	ret := make([]Mount, 0, len(b.Mounts))
	for _, m := range b.Mounts {
		if err := bindSourceExists(m); err != nil {
			if skipNotExists {
				continue
			}
			return nil, err
		}
		ret = append(ret, m)
	}
	return ret, nil
}

func bindSourceExists(m Mount) error {
	if m.Flags&unix.MS_BIND == unix.MS_BIND {
		if _, err := os.Stat(m.Source); os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// WithMounts adds mounts to the builder
func (b *Builder) WithMounts(m []Mount) *Builder {
	b.Mounts = append(b.Mounts, m...)
	return b
}

// WithMount adds a single mount to the builder
func (b *Builder) WithMount(m Mount) *Builder {
	b.Mounts = append(b.Mounts, m)
	return b
}

// WithBind adds a bind mount to the builder
func (b *Builder) WithBind(source, target string, readonly bool) *Builder {
	var flags uintptr = bind
	if readonly {
		flags |= unix.MS_RDONLY
	}
	b.Mounts = append(b.Mounts, Mount{
		Source: source,
		Target: target,
		Flags:  flags,
	})
	return b
}

// WithTmpfs adds a tmpfs mount to the builder
func (b *Builder) WithTmpfs(target, data string) *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: "tmpfs",
		Target: target,
		FsType: "tmpfs",
		Flags:  mFlag,
		Data:   data,
	})
	return b
}

// WithProc adds the proc file system
func (b *Builder) WithProc() *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: "proc",
		Target: "proc",
		FsType: "proc",
		Flags:  unix.MS_NOSUID,
	})
	return b
}

func (b Builder) String() string {
	var sb strings.Builder
	sb.WriteString("Mounts: ")
	for i, m := range b.Mounts {
		sb.WriteString(m.String())
		if i != len(b.Mounts)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}
