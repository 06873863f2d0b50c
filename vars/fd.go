package vars

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Fd pairs a local file descriptor with its counterpart inside the
// sandboxee. At most one side owns each descriptor; ownership decides which
// side closes it.
type Fd struct {
	remoteState
	local     int
	remoteFd  int
	ownLocal  bool
	ownRemote bool
	buf       [4]byte
}

// NewFd creates a descriptor variable from a local fd. ownLocal decides
// whether CloseLocal closes it.
func NewFd(fd int, ownLocal bool) *Fd {
	f := &Fd{local: fd, remoteFd: -1, ownLocal: ownLocal}
	binary.NativeEndian.PutUint32(f.buf[:], uint32(fd))
	return f
}

// Type implements Var
func (f *Fd) Type() Type { return TypeFd }

// Size implements Var
func (f *Fd) Size() uint64 { return uint64(len(f.buf)) }

// Local implements Var
func (f *Fd) Local() []byte { return f.buf[:] }

// LocalFd returns the local descriptor, -1 if absent
func (f *Fd) LocalFd() int { return f.local }

// SetLocalFd replaces the local descriptor and its ownership
func (f *Fd) SetLocalFd(fd int, own bool) {
	f.local = fd
	f.ownLocal = own
	binary.NativeEndian.PutUint32(f.buf[:], uint32(fd))
}

// RemoteFd returns the descriptor number inside the sandboxee, -1 until
// transferred
func (f *Fd) RemoteFd() int { return f.remoteFd }

// SetRemoteFd records the descriptor number inside the sandboxee
func (f *Fd) SetRemoteFd(fd int, own bool) {
	f.remoteFd = fd
	f.ownRemote = own
}

// OwnsLocal reports whether this variable closes the local descriptor
func (f *Fd) OwnsLocal() bool { return f.ownLocal }

// OwnsRemote reports whether the remote side is expected to be closed
// through this variable
func (f *Fd) OwnsRemote() bool { return f.ownRemote }

// CloseLocal closes the local descriptor if owned
func (f *Fd) CloseLocal() error {
	if !f.ownLocal || f.local < 0 {
		return nil
	}
	err := unix.Close(f.local)
	f.local = -1
	f.ownLocal = false
	return err
}
