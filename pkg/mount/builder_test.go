package mount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBuilderSkipsMissingBindSource(t *testing.T) {
	b := NewBuilder().
		WithBind("/definitely/not/here", "gone", true).
		WithTmpfs("tmp", "size=8m")

	_, err := b.Build(false)
	require.Error(t, err)

	out, err := b.Build(true)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "tmpfs", out[0].FsType)
}

func TestBuilderFlags(t *testing.T) {
	b := NewBuilder().WithBind("/", "root", true).WithProc()
	require.Len(t, b.Mounts, 2)

	ro := b.Mounts[0]
	assert.NotZero(t, ro.Flags&unix.MS_BIND)
	assert.NotZero(t, ro.Flags&unix.MS_RDONLY)

	rw := NewBuilder().WithBind("/", "root", false).Mounts[0]
	assert.Zero(t, rw.Flags&unix.MS_RDONLY)
}

func TestMountString(t *testing.T) {
	assert.Equal(t, "bind[/usr:usr:ro]",
		Mount{Source: "/usr", Target: "usr", Flags: bind | unix.MS_RDONLY}.String())
	assert.Equal(t, "tmpfs[tmp]",
		Mount{Source: "tmpfs", Target: "tmp", FsType: "tmpfs", Flags: mFlag}.String())
	assert.Equal(t, "proc[]",
		Mount{Source: "proc", Target: "proc", FsType: "proc"}.String())
}
