// Package rpcchannel marshals remote-call requests and control operations
// into fixed-layout records and runs them over the comms transport, one
// request/response round trip at a time.
package rpcchannel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/criyle/go-sapi/vars"
)

// Capacity constants shared by both ends at build time. Exceeding them is a
// caller error raised before any bytes reach the wire.
const (
	// MaxArgs caps the argument count of a single call
	MaxArgs = 12
	// MaxNameLen caps the function name including its NUL terminator
	MaxNameLen = 128
)

var (
	// ErrNameTooLong reports a function name exceeding MaxNameLen-1 bytes
	ErrNameTooLong = errors.New("rpcchannel: function name too long")
	// ErrTooManyArgs reports a call exceeding MaxArgs arguments
	ErrTooManyArgs = errors.New("rpcchannel: too many arguments")
	// ErrBadRecord reports a malformed call or return record
	ErrBadRecord = errors.New("rpcchannel: malformed record")
)

// Arg describes one marshalled call argument. Aux fields are populated only
// for pointer arguments and describe the pointee.
type Arg struct {
	Type    vars.Type
	Size    uint64
	Value   uint64
	AuxType vars.Type
	AuxSize uint64
}

// FuncCall is a remote call request: function name, expected return and the
// argument list.
type FuncCall struct {
	Name    string
	Ret     vars.Type
	RetSize uint64
	Args    []Arg
}

// FuncRet is the remote call response. Success reports whether the callee
// side could dispatch the call at all (symbol found, binding succeeded); it
// does not reflect the called function's own return value.
type FuncRet struct {
	Type    vars.Type
	Value   uint64
	Success bool
}

// fixed-capacity wire records, host byte order
type funcCallWire struct {
	Name     [MaxNameLen]byte
	ArgCount uint32
	RetType  uint32
	RetSize  uint64
	ArgType  [MaxArgs]uint32
	ArgSize  [MaxArgs]uint64
	ArgValue [MaxArgs]uint64
	AuxType  [MaxArgs]uint32
	AuxSize  [MaxArgs]uint64
}

type funcRetWire struct {
	Type    uint32
	Success uint32
	Value   uint64
}

// Marshal encodes the call into its fixed-layout record
func (fc *FuncCall) Marshal() ([]byte, error) {
	if len(fc.Name) > MaxNameLen-1 {
		return nil, fmt.Errorf("%w: %q is %d bytes", ErrNameTooLong, fc.Name, len(fc.Name))
	}
	if len(fc.Args) > MaxArgs {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyArgs, len(fc.Args), MaxArgs)
	}

	var w funcCallWire
	copy(w.Name[:], fc.Name)
	w.ArgCount = uint32(len(fc.Args))
	w.RetType = uint32(fc.Ret)
	w.RetSize = fc.RetSize
	for i, a := range fc.Args {
		w.ArgType[i] = uint32(a.Type)
		w.ArgSize[i] = a.Size
		w.ArgValue[i] = a.Value
		w.AuxType[i] = uint32(a.AuxType)
		w.AuxSize[i] = a.AuxSize
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, &w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalFuncCall decodes a fixed-layout call record
func UnmarshalFuncCall(b []byte) (FuncCall, error) {
	var w funcCallWire
	if err := binary.Read(bytes.NewReader(b), binary.NativeEndian, &w); err != nil {
		return FuncCall{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if w.ArgCount > MaxArgs {
		return FuncCall{}, fmt.Errorf("%w: argument count %d", ErrBadRecord, w.ArgCount)
	}
	name, ok := cString(w.Name[:])
	if !ok {
		return FuncCall{}, fmt.Errorf("%w: unterminated function name", ErrBadRecord)
	}

	fc := FuncCall{
		Name:    name,
		Ret:     vars.Type(w.RetType),
		RetSize: w.RetSize,
		Args:    make([]Arg, w.ArgCount),
	}
	for i := range fc.Args {
		fc.Args[i] = Arg{
			Type:    vars.Type(w.ArgType[i]),
			Size:    w.ArgSize[i],
			Value:   w.ArgValue[i],
			AuxType: vars.Type(w.AuxType[i]),
			AuxSize: w.AuxSize[i],
		}
	}
	return fc, nil
}

// Marshal encodes the return record
func (fr *FuncRet) Marshal() ([]byte, error) {
	w := funcRetWire{
		Type:  uint32(fr.Type),
		Value: fr.Value,
	}
	if fr.Success {
		w.Success = 1
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, &w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalFuncRet decodes a return record, rejecting unknown type tags as
// protocol errors rather than falling through to a default.
func UnmarshalFuncRet(b []byte) (FuncRet, error) {
	var w funcRetWire
	if err := binary.Read(bytes.NewReader(b), binary.NativeEndian, &w); err != nil {
		return FuncRet{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	t := vars.Type(w.Type)
	switch t {
	case vars.TypeVoid, vars.TypeInt, vars.TypeFloat, vars.TypePointer, vars.TypeFd:
	default:
		return FuncRet{}, fmt.Errorf("%w: return type tag %d", ErrBadRecord, w.Type)
	}
	return FuncRet{
		Type:    t,
		Value:   w.Value,
		Success: w.Success != 0,
	}, nil
}

func cString(b []byte) (string, bool) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), true
		}
	}
	return "", false
}
