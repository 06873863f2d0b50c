// Package vars defines the typed handles exchanged between the host and a
// sandboxee. A Var owns or borrows local storage and may additionally hold
// remote storage allocated inside the sandboxee; the two copies are
// synchronized explicitly around remote calls.
package vars

import "fmt"

// Type tags the representation of a Var on the wire
type Type uint32

// Var types understood by both ends of the call protocol
const (
	TypeVoid Type = iota
	TypeInt
	TypeFloat
	TypePointer
	TypeStruct
	TypeArray
	TypeFd
)

func (t Type) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypePointer:
		return "pointer"
	case TypeStruct:
		return "struct"
	case TypeArray:
		return "array"
	case TypeFd:
		return "fd"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// SyncType governs when a pointee's bytes are copied across the boundary
type SyncType uint32

// Synchronization modes for pointer variables
const (
	SyncNone   SyncType = 0
	SyncBefore SyncType = 1 << iota // copy host -> sandboxee before the call
	SyncAfter                       // copy sandboxee -> host after the call
	SyncBoth   = SyncBefore | SyncAfter
)

func (s SyncType) String() string {
	switch s {
	case SyncNone:
		return "none"
	case SyncBefore:
		return "before"
	case SyncAfter:
		return "after"
	case SyncBoth:
		return "both"
	default:
		return fmt.Sprintf("sync(%d)", uint32(s))
	}
}
