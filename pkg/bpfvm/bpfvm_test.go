package bpfvm

import (
	"testing"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/criyle/go-sapi/pkg/filter"
	"github.com/criyle/go-sapi/pkg/filter/policy"
)

func mustAssemble(t *testing.T, insns []bpf.Instruction) filter.Program {
	t.Helper()
	p, err := filter.Assemble(insns)
	require.NoError(t, err)
	return p
}

func TestReturnConstant(t *testing.T) {
	p := mustAssemble(t, []bpf.Instruction{
		bpf.RetConstant{Val: unix.SECCOMP_RET_ALLOW},
	})

	// any context yields the same outcome
	for _, nr := range []int32{0, 1, 59, 231} {
		out, err := Evaluate(p, SeccompData{NR: nr})
		require.NoError(t, err)
		assert.Equal(t, uint32(unix.SECCOMP_RET_ALLOW), out)
	}
}

func TestSyscallNumberBranch(t *testing.T) {
	p := mustAssemble(t, []bpf.Instruction{
		bpf.LoadAbsolute{Off: 0, Size: 4}, // seccomp_data.nr
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 1, SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: unix.SECCOMP_RET_ALLOW},
		bpf.RetConstant{Val: unix.SECCOMP_RET_KILL_PROCESS},
	})

	out, err := Evaluate(p, SeccompData{NR: 1})
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.SECCOMP_RET_ALLOW), out)

	out, err = Evaluate(p, SeccompData{NR: 2})
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.SECCOMP_RET_KILL_PROCESS), out)
}

func TestArgumentLoad(t *testing.T) {
	// return low word of args[2]
	p := mustAssemble(t, []bpf.Instruction{
		bpf.LoadAbsolute{Off: 16 + 2*8, Size: 4},
		bpf.RetA{},
	})

	d := SeccompData{}
	d.Args[2] = 0x1234
	out, err := Evaluate(p, d)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1234), out)
}

func TestScratchMemoryAndRegisters(t *testing.T) {
	p := mustAssemble(t, []bpf.Instruction{
		bpf.LoadConstant{Dst: bpf.RegA, Val: 7},
		bpf.StoreScratch{Src: bpf.RegA, N: 3},
		bpf.LoadConstant{Dst: bpf.RegA, Val: 0},
		bpf.LoadScratch{Dst: bpf.RegX, N: 3},
		bpf.TXA{},
		bpf.ALUOpConstant{Op: bpf.ALUOpAdd, Val: 5},
		bpf.RetA{},
	})

	out, err := Evaluate(p, SeccompData{})
	require.NoError(t, err)
	assert.Equal(t, uint32(12), out)
}

func TestDivideByZero(t *testing.T) {
	p := mustAssemble(t, []bpf.Instruction{
		bpf.LoadConstant{Dst: bpf.RegA, Val: 7},
		bpf.ALUOpConstant{Op: bpf.ALUOpDiv, Val: 0},
		bpf.RetA{},
	})

	_, err := Evaluate(p, SeccompData{})
	assert.ErrorIs(t, err, ErrInvalidInstruction)
}

func TestFallThroughIsError(t *testing.T) {
	p := mustAssemble(t, []bpf.Instruction{
		bpf.LoadConstant{Dst: bpf.RegA, Val: 1},
	})

	_, err := Evaluate(p, SeccompData{})
	require.ErrorIs(t, err, ErrOutOfBounds)
	assert.Contains(t, err.Error(), "fall through")
}

func TestJumpOutOfBounds(t *testing.T) {
	p := filter.Program{
		{Code: unix.BPF_JMP | unix.BPF_JA, K: 100},
		{Code: unix.BPF_RET | unix.BPF_K, K: unix.SECCOMP_RET_ALLOW},
	}

	_, err := Evaluate(p, SeccompData{})
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestConditionalJumpTargetChecked(t *testing.T) {
	p := filter.Program{
		{Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS, K: 0},
		{Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K, K: 1, Jt: 0, Jf: 200},
		{Code: unix.BPF_RET | unix.BPF_K, K: unix.SECCOMP_RET_ALLOW},
	}

	// taken branch stays in bounds
	out, err := Evaluate(p, SeccompData{NR: 1})
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.SECCOMP_RET_ALLOW), out)

	// false branch jumps out of the program
	_, err = Evaluate(p, SeccompData{NR: 9})
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestUnknownOpcode(t *testing.T) {
	p := filter.Program{{Code: 0xffff}}

	_, err := Evaluate(p, SeccompData{})
	assert.ErrorIs(t, err, ErrInvalidInstruction)
}

func TestMisalignedContextLoad(t *testing.T) {
	p := filter.Program{
		{Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS, K: 3},
		{Code: unix.BPF_RET | unix.BPF_A},
	}
	_, err := Evaluate(p, SeccompData{})
	assert.ErrorIs(t, err, ErrInvalidInstruction)

	p[0].K = 64 // one past the context record
	_, err = Evaluate(p, SeccompData{})
	assert.ErrorIs(t, err, ErrInvalidInstruction)
}

func TestScratchSlotBounds(t *testing.T) {
	p := filter.Program{
		{Code: unix.BPF_ST, K: 16},
		{Code: unix.BPF_RET | unix.BPF_K, K: 0},
	}
	_, err := Evaluate(p, SeccompData{})
	assert.ErrorIs(t, err, ErrInvalidInstruction)
}

func TestDeterministic(t *testing.T) {
	p := mustAssemble(t, []bpf.Instruction{
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 0xff},
		bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: 100, SkipTrue: 1},
		bpf.RetConstant{Val: unix.SECCOMP_RET_ALLOW},
		bpf.RetConstant{Val: unix.SECCOMP_RET_TRACE},
	})

	d := SeccompData{NR: 359, Arch: unix.AUDIT_ARCH_X86_64}
	first, err := Evaluate(p, d)
	require.NoError(t, err)
	for i := 0; i < 64; i++ {
		out, err := Evaluate(p, d)
		require.NoError(t, err)
		assert.Equal(t, first, out)
	}
}

// TestCompiledPolicy evaluates a program produced by the external seccomp
// compiler to validate the evaluator against independently generated
// bytecode.
func TestCompiledPolicy(t *testing.T) {
	pol := seccomp.Policy{
		DefaultAction: seccomp.ActionKillProcess,
		Syscalls: []seccomp.SyscallGroup{
			{Action: seccomp.ActionAllow, Names: []string{"read", "write", "exit_group"}},
		},
	}
	insns, err := pol.Assemble()
	require.NoError(t, err)
	p, err := filter.Assemble(insns)
	require.NoError(t, err)

	// the compiled program guards on the audit arch value at offset 4;
	// recover it from the program so the test stays architecture neutral
	archID := archGuard(t, p)

	out, err := Evaluate(p, SeccompData{NR: nativeSyscall(t, "read"), Arch: archID})
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.SECCOMP_RET_ALLOW), out)

	out, err = Evaluate(p, SeccompData{NR: nativeSyscall(t, "ptrace"), Arch: archID})
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.SECCOMP_RET_KILL_PROCESS), out)
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

func nativeSyscall(t *testing.T, name string) int32 {
	t.Helper()
	// resolve via the syscall tables the compiler itself uses
	nr, err := policy.SyscallNumber(name)
	require.NoError(t, err)
	return int32(nr)
}

func BenchmarkEvaluate(b *testing.B) {
	p, err := filter.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 1, SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: unix.SECCOMP_RET_ALLOW},
		bpf.RetConstant{Val: unix.SECCOMP_RET_KILL_PROCESS},
	})
	if err != nil {
		b.Fatal(err)
	}
	d := SeccompData{NR: 1}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Evaluate(p, d); err != nil {
			b.Fatal(err)
		}
	}
}
