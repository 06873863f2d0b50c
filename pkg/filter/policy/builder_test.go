package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/criyle/go-sapi/pkg/bpfvm"
	"github.com/criyle/go-sapi/pkg/filter"
	"github.com/criyle/go-sapi/pkg/filter/policy"
)

func TestBuildAndEvaluate(t *testing.T) {
	b := policy.Builder{
		Allow:   []string{"read", "write", "exit_group"},
		Trace:   []string{"openat"},
		Default: filter.ActionKill,
	}
	p, err := b.Build()
	require.NoError(t, err)
	require.NotEmpty(t, p)

	archID := archGuard(t, p)
	eval := func(name string) uint32 {
		nr, err := policy.SyscallNumber(name)
		require.NoError(t, err)
		out, err := bpfvm.Evaluate(p, bpfvm.SeccompData{NR: int32(nr), Arch: archID})
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, uint32(unix.SECCOMP_RET_ALLOW), eval("read"))
	assert.Equal(t, uint32(unix.SECCOMP_RET_TRACE)|uint32(filter.MsgHandle), eval("openat"))
	assert.Equal(t, uint32(unix.SECCOMP_RET_KILL_PROCESS), eval("clone")&unix.SECCOMP_RET_ACTION_FULL)
}

func TestBuildErrnoReturnData(t *testing.T) {
	b := policy.Builder{
		Allow:   []string{"read"},
		Errno:   []string{"socket"},
		Default: filter.ActionKill,
	}
	p, err := b.Build()
	require.NoError(t, err)

	archID := archGuard(t, p)
	nr, err := policy.SyscallNumber("socket")
	require.NoError(t, err)
	out, err := bpfvm.Evaluate(p, bpfvm.SeccompData{NR: int32(nr), Arch: archID})
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.SECCOMP_RET_ERRNO)|uint32(filter.MsgDisallow), out)
}

func TestBuildUnknownSyscall(t *testing.T) {
	b := policy.Builder{
		Allow:   []string{"definitely_not_a_syscall"},
		Default: filter.ActionKill,
	}
	_, err := b.Build()
	assert.Error(t, err)
}

func TestSyscallNameNumberRoundTrip(t *testing.T) {
	nr, err := policy.SyscallNumber("read")
	require.NoError(t, err)

	name, err := policy.SyscallName(nr)
	require.NoError(t, err)
	assert.Equal(t, "read", name)
}

func archGuard(t *testing.T, p filter.Program) uint32 {
	t.Helper()
	for i := 0; i+1 < len(p); i++ {
		if p[i].Code == unix.BPF_LD|unix.BPF_W|unix.BPF_ABS && p[i].K == 4 &&
			p[i+1].Code&0x07 == unix.BPF_JMP {
			return p[i+1].K
		}
	}
	t.Fatal("no arch guard found in compiled program")
	return 0
}
