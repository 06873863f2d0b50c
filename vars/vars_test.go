package vars

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordFreer struct {
	freed []uintptr
	err   error
}

func (f *recordFreer) FreeRemote(addr uintptr) error {
	f.freed = append(f.freed, addr)
	return f.err
}

func TestIntRoundTrip(t *testing.T) {
	i := NewInt(-42)
	assert.Equal(t, int64(-42), i.Value())
	assert.Equal(t, uint64(8), i.Size())
	assert.Equal(t, TypeInt, i.Type())

	i.SetValue(1 << 40)
	assert.Equal(t, int64(1<<40), i.Value())
}

func TestFloat64RoundTrip(t *testing.T) {
	f := NewFloat64(3.25)
	assert.Equal(t, 3.25, f.Value())
	assert.Equal(t, TypeFloat, f.Type())
}

func TestBufferOwnership(t *testing.T) {
	owned := NewBuffer(16)
	assert.True(t, owned.Owned())
	assert.Equal(t, uint64(16), owned.Size())

	backing := []byte("caller owned")
	borrowed := NewBufferOf(backing)
	assert.False(t, borrowed.Owned())

	// writes through the borrowed view land in the caller's array
	borrowed.Local()[0] = 'C'
	assert.Equal(t, byte('C'), backing[0])
}

func TestCStr(t *testing.T) {
	s := NewCStr("hello")
	assert.Equal(t, uint64(6), s.Size())
	assert.Equal(t, "hello", s.String())
}

func TestCloseFreesExactlyOnce(t *testing.T) {
	f := &recordFreer{}
	b := NewBuffer(8)
	b.SetRemoteAddr(0x1000)
	b.SetFreer(f)

	b.Close()
	b.Close()
	require.Len(t, f.freed, 1)
	assert.Equal(t, uintptr(0x1000), f.freed[0])
	assert.Equal(t, uintptr(0), b.RemoteAddr())
}

func TestCloseSwallowsErrors(t *testing.T) {
	f := &recordFreer{err: errors.New("boom")}
	b := NewBuffer(8)
	b.SetRemoteAddr(0x2000)
	b.SetFreer(f)

	b.Close() // must not panic or propagate
	assert.Len(t, f.freed, 1)
}

func TestCloseWithoutFreerIsNoop(t *testing.T) {
	b := NewBuffer(8)
	b.SetRemoteAddr(0x3000)
	b.Close()
	assert.Equal(t, uintptr(0), b.RemoteAddr())
}

func TestPtrValueTracksPointee(t *testing.T) {
	b := NewBuffer(4)
	p := Both(b)
	assert.Equal(t, TypePointer, p.Type())
	assert.Equal(t, SyncBoth, p.Sync())

	v, err := Value(p)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	b.SetRemoteAddr(0xdead0)
	v, err = Value(p)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdead0), v)
}

func TestValueRejectsBareArray(t *testing.T) {
	_, err := Value(NewBuffer(4))
	assert.Error(t, err)
}

func TestFdOwnership(t *testing.T) {
	f := NewFd(7, false)
	assert.Equal(t, 7, f.LocalFd())
	assert.Equal(t, -1, f.RemoteFd())
	assert.False(t, f.OwnsLocal())

	f.SetRemoteFd(9, true)
	assert.Equal(t, 9, f.RemoteFd())
	assert.True(t, f.OwnsRemote())

	v, err := Value(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v)

	// closing an unowned local fd is a no-op
	require.NoError(t, f.CloseLocal())
	assert.Equal(t, 7, f.LocalFd())
}
