// Package filter defines the compiled seccomp-bpf program form shared by the
// kernel, the offline evaluator and the wire protocol.
package filter

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// instruction wire size: code u16, jt u8, jf u8, k u32
const insnSize = 8

// Program is a compiled BPF filter program
type Program []unix.SockFilter

// SockFprog converts Program to SockFprog for the seccomp syscall
func (p Program) SockFprog() *unix.SockFprog {
	return &unix.SockFprog{
		Len:    uint16(len(p)),
		Filter: &p[0],
	}
}

// Marshal encodes the program as the byte blob transmitted to the sandboxee,
// 8 bytes per instruction in host byte order.
func (p Program) Marshal() []byte {
	b := make([]byte, 0, len(p)*insnSize)
	for _, in := range p {
		b = binary.NativeEndian.AppendUint16(b, in.Code)
		b = append(b, in.Jt, in.Jf)
		b = binary.NativeEndian.AppendUint32(b, in.K)
	}
	return b
}

// Unmarshal decodes a program blob produced by Marshal or by any external
// filter compiler emitting the kernel sock_filter layout.
func Unmarshal(b []byte) (Program, error) {
	if len(b) == 0 || len(b)%insnSize != 0 {
		return nil, fmt.Errorf("filter: blob size %d is not a whole number of instructions", len(b))
	}
	p := make(Program, 0, len(b)/insnSize)
	for i := 0; i < len(b); i += insnSize {
		p = append(p, unix.SockFilter{
			Code: binary.NativeEndian.Uint16(b[i : i+2]),
			Jt:   b[i+2],
			Jf:   b[i+3],
			K:    binary.NativeEndian.Uint32(b[i+4 : i+8]),
		})
	}
	return p, nil
}

// Assemble compiles x/net/bpf instructions into a Program
func Assemble(insns []bpf.Instruction) (Program, error) {
	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, err
	}
	p := make(Program, 0, len(raw))
	for _, in := range raw {
		p = append(p, unix.SockFilter{
			Code: in.Op,
			Jt:   in.Jt,
			Jf:   in.Jf,
			K:    in.K,
		})
	}
	return p, nil
}

// Instructions disassembles the program back into x/net/bpf instructions.
// Instructions that do not round trip stay raw.
func (p Program) Instructions() []bpf.Instruction {
	ret := make([]bpf.Instruction, 0, len(p))
	for _, in := range p {
		raw := bpf.RawInstruction{Op: in.Code, Jt: in.Jt, Jf: in.Jf, K: in.K}
		ret = append(ret, raw.Disassemble())
	}
	return ret
}
