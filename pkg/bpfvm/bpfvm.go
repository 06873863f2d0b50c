// Package bpfvm evaluates a compiled seccomp-bpf filter program against a
// hypothetical syscall without involving the kernel. It reproduces the kernel
// semantics exactly so that offline policy tests match live enforcement:
// the same program bytes loaded through seccomp(2) and fed to Evaluate yield
// the same outcome.
package bpfvm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-sapi/pkg/filter"
)

// SeccompData mirrors the kernel seccomp_data record the filter inspects.
type SeccompData struct {
	NR                 int32
	Arch               uint32
	InstructionPointer uint64
	Args               [6]uint64
}

const (
	dataSize = 64 // sizeof(struct seccomp_data)
	memWords = unix.BPF_MEMWORDS
)

var (
	// ErrOutOfBounds reports an instruction pointer or jump target outside
	// the program.
	ErrOutOfBounds = errors.New("bpfvm: out of bounds")

	// ErrInvalidInstruction reports malformed opcodes, divide by zero,
	// misaligned or out-of-range seccomp-data loads and scratch-slot
	// indices past the register file.
	ErrInvalidInstruction = errors.New("bpfvm: invalid instruction")
)

func (d *SeccompData) marshal() [dataSize]byte {
	var b [dataSize]byte
	binary.NativeEndian.PutUint32(b[0:4], uint32(d.NR))
	binary.NativeEndian.PutUint32(b[4:8], d.Arch)
	binary.NativeEndian.PutUint64(b[8:16], d.InstructionPointer)
	for i, a := range d.Args {
		binary.NativeEndian.PutUint64(b[16+8*i:24+8*i], a)
	}
	return b
}

// Evaluate runs the program against data and returns the 32-bit seccomp
// outcome produced by the reached return instruction. It is a pure function:
// the same program and data always yield the same outcome or the same error.
func Evaluate(p filter.Program, data SeccompData) (uint32, error) {
	var (
		acc uint32
		idx uint32
		mem [memWords]uint32
	)
	ctx := data.marshal()

	for ip := 0; ; ip++ {
		if ip >= len(p) {
			return 0, fmt.Errorf("%w: fall through to out of bounds execution at %d", ErrOutOfBounds, ip)
		}
		ins := p[ip]
		switch ins.Code {
		case unix.BPF_LD | unix.BPF_W | unix.BPF_ABS:
			if ins.K%4 != 0 || ins.K > dataSize-4 {
				return 0, fmt.Errorf("%w: load from seccomp data at %d", ErrInvalidInstruction, ins.K)
			}
			acc = binary.NativeEndian.Uint32(ctx[ins.K : ins.K+4])

		case unix.BPF_LD | unix.BPF_IMM:
			acc = ins.K

		case unix.BPF_LDX | unix.BPF_IMM:
			idx = ins.K

		case unix.BPF_LD | unix.BPF_MEM:
			if ins.K >= memWords {
				return 0, fmt.Errorf("%w: scratch slot %d", ErrInvalidInstruction, ins.K)
			}
			acc = mem[ins.K]

		case unix.BPF_LDX | unix.BPF_MEM:
			if ins.K >= memWords {
				return 0, fmt.Errorf("%w: scratch slot %d", ErrInvalidInstruction, ins.K)
			}
			idx = mem[ins.K]

		case unix.BPF_ST:
			if ins.K >= memWords {
				return 0, fmt.Errorf("%w: scratch slot %d", ErrInvalidInstruction, ins.K)
			}
			mem[ins.K] = acc

		case unix.BPF_STX:
			if ins.K >= memWords {
				return 0, fmt.Errorf("%w: scratch slot %d", ErrInvalidInstruction, ins.K)
			}
			mem[ins.K] = idx

		case unix.BPF_MISC | unix.BPF_TAX:
			idx = acc

		case unix.BPF_MISC | unix.BPF_TXA:
			acc = idx

		case unix.BPF_RET | unix.BPF_K:
			return ins.K, nil

		case unix.BPF_RET | unix.BPF_A:
			return acc, nil

		default:
			switch ins.Code & 0x07 {
			case unix.BPF_ALU:
				v, err := alu(ins.Code, acc, idx, ins.K)
				if err != nil {
					return 0, err
				}
				acc = v

			case unix.BPF_JMP:
				target, err := jumpTarget(p, ip, ins, acc, idx)
				if err != nil {
					return 0, err
				}
				ip = target - 1 // loop increment lands on target

			default:
				return 0, fmt.Errorf("%w: opcode %#x at %d", ErrInvalidInstruction, ins.Code, ip)
			}
		}
	}
}

func alu(code uint16, acc, idx, k uint32) (uint32, error) {
	operand := k
	if code&unix.BPF_X == unix.BPF_X {
		operand = idx
	}
	switch code & 0xf0 {
	case unix.BPF_ADD:
		return acc + operand, nil
	case unix.BPF_SUB:
		return acc - operand, nil
	case unix.BPF_MUL:
		return acc * operand, nil
	case unix.BPF_DIV:
		if operand == 0 {
			return 0, fmt.Errorf("%w: division by zero", ErrInvalidInstruction)
		}
		return acc / operand, nil
	case unix.BPF_MOD:
		if operand == 0 {
			return 0, fmt.Errorf("%w: modulo by zero", ErrInvalidInstruction)
		}
		return acc % operand, nil
	case unix.BPF_AND:
		return acc & operand, nil
	case unix.BPF_OR:
		return acc | operand, nil
	case unix.BPF_XOR:
		return acc ^ operand, nil
	case unix.BPF_LSH:
		if operand > 31 {
			return 0, nil
		}
		return acc << operand, nil
	case unix.BPF_RSH:
		if operand > 31 {
			return 0, nil
		}
		return acc >> operand, nil
	case unix.BPF_NEG:
		return -acc, nil
	}
	return 0, fmt.Errorf("%w: alu opcode %#x", ErrInvalidInstruction, code)
}

// jumpTarget resolves the target of a jump instruction, bounds-checking it
// before the jump is taken.
func jumpTarget(p filter.Program, ip int, ins unix.SockFilter, acc, idx uint32) (int, error) {
	op := ins.Code & 0xf0
	if op == unix.BPF_JA {
		return checkTarget(p, ip, ins.K)
	}

	operand := ins.K
	if ins.Code&unix.BPF_X == unix.BPF_X {
		operand = idx
	}

	var taken bool
	switch op {
	case unix.BPF_JEQ:
		taken = acc == operand
	case unix.BPF_JGT:
		taken = acc > operand
	case unix.BPF_JGE:
		taken = acc >= operand
	case unix.BPF_JSET:
		taken = acc&operand != 0
	default:
		return 0, fmt.Errorf("%w: jump opcode %#x", ErrInvalidInstruction, ins.Code)
	}

	off := uint32(ins.Jf)
	if taken {
		off = uint32(ins.Jt)
	}
	return checkTarget(p, ip, off)
}

func checkTarget(p filter.Program, ip int, off uint32) (int, error) {
	target := ip + 1 + int(off)
	if target >= len(p) {
		return 0, fmt.Errorf("%w: jump from %d to %d", ErrOutOfBounds, ip, target)
	}
	return target, nil
}
