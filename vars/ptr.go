package vars

import (
	"encoding/binary"
	"fmt"
)

// Ptr refers to another Var and carries the synchronization mode applied
// around remote calls. Its value on the wire is the pointee's remote address.
type Ptr struct {
	remoteState
	pointee Var
	sync    SyncType
	buf     [8]byte
}

// NewPtr creates a pointer to pointee with the given synchronization mode
func NewPtr(pointee Var, sync SyncType) *Ptr {
	return &Ptr{pointee: pointee, sync: sync}
}

// Before is shorthand for a pointer synchronized host -> sandboxee
func Before(pointee Var) *Ptr { return NewPtr(pointee, SyncBefore) }

// After is shorthand for a pointer synchronized sandboxee -> host
func After(pointee Var) *Ptr { return NewPtr(pointee, SyncAfter) }

// Both is shorthand for a pointer synchronized in both directions
func Both(pointee Var) *Ptr { return NewPtr(pointee, SyncBoth) }

// Type implements Var
func (p *Ptr) Type() Type { return TypePointer }

// Size implements Var
func (p *Ptr) Size() uint64 { return uint64(len(p.buf)) }

// Local implements Var. The view holds the pointee's current remote address.
func (p *Ptr) Local() []byte {
	binary.NativeEndian.PutUint64(p.buf[:], uint64(p.pointee.RemoteAddr()))
	return p.buf[:]
}

// Pointee returns the referenced Var
func (p *Ptr) Pointee() Var { return p.pointee }

// Sync returns the synchronization mode
func (p *Ptr) Sync() SyncType { return p.sync }

// Value extracts the 8-byte wire value of a call argument. Arrays and
// structs have no direct value form and must be passed through a Ptr.
func Value(v Var) (uint64, error) {
	switch v.Type() {
	case TypeInt, TypeFloat:
		var raw [8]byte
		copy(raw[:], v.Local())
		return binary.NativeEndian.Uint64(raw[:]), nil

	case TypePointer:
		return binary.NativeEndian.Uint64(v.Local()), nil

	case TypeFd:
		fd, ok := v.(*Fd)
		if !ok {
			return 0, fmt.Errorf("vars: fd-typed variable %T is not *Fd", v)
		}
		return uint64(uint32(fd.RemoteFd())), nil

	case TypeArray, TypeStruct:
		return 0, fmt.Errorf("vars: %v argument must be passed by pointer", v.Type())

	default:
		return 0, fmt.Errorf("vars: no value form for %v", v.Type())
	}
}
