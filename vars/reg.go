package vars

import (
	"encoding/binary"
	"math"
)

// Int is a 64-bit integer scalar
type Int struct {
	remoteState
	buf [8]byte
}

// NewInt creates an integer scalar with the given initial value
func NewInt(v int64) *Int {
	i := &Int{}
	i.SetValue(v)
	return i
}

// Type implements Var
func (i *Int) Type() Type { return TypeInt }

// Size implements Var
func (i *Int) Size() uint64 { return uint64(len(i.buf)) }

// Local implements Var
func (i *Int) Local() []byte { return i.buf[:] }

// Value returns the current local value
func (i *Int) Value() int64 {
	return int64(binary.NativeEndian.Uint64(i.buf[:]))
}

// SetValue stores v into local storage
func (i *Int) SetValue(v int64) {
	binary.NativeEndian.PutUint64(i.buf[:], uint64(v))
}

// Float64 is a double-precision floating point scalar
type Float64 struct {
	remoteState
	buf [8]byte
}

// NewFloat64 creates a float scalar with the given initial value
func NewFloat64(v float64) *Float64 {
	f := &Float64{}
	f.SetValue(v)
	return f
}

// Type implements Var
func (f *Float64) Type() Type { return TypeFloat }

// Size implements Var
func (f *Float64) Size() uint64 { return uint64(len(f.buf)) }

// Local implements Var
func (f *Float64) Local() []byte { return f.buf[:] }

// Value returns the current local value
func (f *Float64) Value() float64 {
	return math.Float64frombits(binary.NativeEndian.Uint64(f.buf[:]))
}

// SetValue stores v into local storage
func (f *Float64) SetValue(v float64) {
	binary.NativeEndian.PutUint64(f.buf[:], math.Float64bits(v))
}
