// Package comms implements the tag-length-value transport connecting the
// host process with a sandboxee over a local stream socket. Each frame is a
// 4-byte tag, an 8-byte length and the payload in host byte order, with no
// padding. File descriptors and process credentials travel as fixed-size
// side-channel messages carrying a regular frame header so that tag
// mismatches remain detectable.
package comms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Control tags understood by both ends of the channel.
const (
	TagAllocate uint32 = iota + 1
	TagFree
	TagReallocate
	TagSymbol
	TagStrlen
	TagSendFd
	TagRecvFd
	TagCloseFd
	TagCall
	TagReturn
	TagExit
	TagCred
)

// Data tags carry raw values rather than protocol control.
const (
	TagString uint32 = iota + 0x101
	TagBytes
	TagMessage
)

const (
	headerSize = 12 // 4-byte tag + 8-byte length

	// DefaultMaxFrameSize is the hard limit on a single frame body.
	DefaultMaxFrameSize = 256 << 20 // 256 MiB

	// DefaultWarnFrameSize marks frames that are suspiciously large but
	// still accepted.
	DefaultWarnFrameSize = 16 << 20 // 16 MiB

	// log only every n-th oversized frame to avoid drowning the log
	warnLogEvery = 8
)

var (
	// ErrTerminated reports a permanently closed channel. Every operation
	// after the first zero-length read or I/O failure fails fast with it.
	ErrTerminated = errors.New("comms: channel terminated")

	// ErrFrameTooLarge reports a frame rejected before any bytes reached
	// the wire.
	ErrFrameTooLarge = errors.New("comms: frame exceeds maximum size")

	// ErrTagMismatch reports a frame whose tag differs from the expected one.
	ErrTagMismatch = errors.New("comms: unexpected tag")
)

// Frame is the unit of transfer: a tag and its payload. The wire length field
// always equals len(Payload).
type Frame struct {
	Tag     uint32
	Payload []byte
}

// Options configure frame size limits and logging. The zero value selects
// defaults.
type Options struct {
	MaxFrameSize  uint64
	WarnFrameSize uint64
	Logger        *slog.Logger
}

// Comms is one end of the transport. Send and Recv each hold an internal
// mutex so a single frame is never corrupted by concurrent use, but callers
// interleaving whole request/response sequences must serialize externally.
type Comms struct {
	fd   int
	name string

	sendMu sync.Mutex
	recvMu sync.Mutex

	terminated atomic.Bool
	closeOnce  sync.Once

	maxFrame  uint64
	warnFrame uint64
	warnCount atomic.Uint64

	log *slog.Logger
}

// New creates a channel end over an existing stream socket fd. The fd is
// owned by the returned Comms and closed by Close.
func New(fd int, name string, opt Options) *Comms {
	if opt.MaxFrameSize == 0 {
		opt.MaxFrameSize = DefaultMaxFrameSize
	}
	if opt.WarnFrameSize == 0 {
		opt.WarnFrameSize = DefaultWarnFrameSize
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	syscall.CloseOnExec(fd)
	return &Comms{
		fd:        fd,
		name:      name,
		maxFrame:  opt.MaxFrameSize,
		warnFrame: opt.WarnFrameSize,
		log:       opt.Logger.With("comms", name),
	}
}

// Terminated reports whether the channel is permanently closed.
func (c *Comms) Terminated() bool {
	return c.terminated.Load()
}

// Close terminates the channel and releases the fd.
func (c *Comms) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.terminated.Store(true)
		err = unix.Close(c.fd)
	})
	return err
}

func (c *Comms) terminate() {
	c.terminated.Store(true)
}

// Send writes one whole frame. Frames larger than the configured maximum are
// rejected before any bytes are written.
func (c *Comms) Send(tag uint32, payload []byte) error {
	if c.terminated.Load() {
		return ErrTerminated
	}
	size := uint64(len(payload))
	if size > c.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, c.maxFrame)
	}
	c.noteFrameSize(size)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.writeFull(header(tag, size)); err != nil {
		return err
	}
	return c.writeFull(payload)
}

// SendString sends a string data frame.
func (c *Comms) SendString(s string) error {
	return c.Send(TagString, []byte(s))
}

// SendBytes sends a byte-buffer data frame.
func (c *Comms) SendBytes(b []byte) error {
	return c.Send(TagBytes, b)
}

// Recv reads one whole frame, blocking until the frame is complete or the
// connection terminates.
func (c *Comms) Recv() (Frame, error) {
	if c.terminated.Load() {
		return Frame{}, ErrTerminated
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	hdr := make([]byte, headerSize)
	if err := c.readFull(hdr); err != nil {
		return Frame{}, err
	}
	tag := binary.NativeEndian.Uint32(hdr[0:4])
	size := binary.NativeEndian.Uint64(hdr[4:12])
	if size > c.maxFrame {
		// the stream can no longer be trusted to be in sync
		c.terminate()
		return Frame{}, fmt.Errorf("%w: received %d > %d", ErrFrameTooLarge, size, c.maxFrame)
	}
	c.noteFrameSize(size)

	payload := make([]byte, size)
	if err := c.readFull(payload); err != nil {
		return Frame{}, err
	}
	return Frame{Tag: tag, Payload: payload}, nil
}

// RecvTag reads one frame and verifies its tag.
func (c *Comms) RecvTag(want uint32) ([]byte, error) {
	f, err := c.Recv()
	if err != nil {
		return nil, err
	}
	if f.Tag != want {
		return nil, fmt.Errorf("%w: got %#x, want %#x", ErrTagMismatch, f.Tag, want)
	}
	return f.Payload, nil
}

// SendFd transfers an open file descriptor as a fixed-size side-channel
// message. The descriptor remains open on the sending side.
func (c *Comms) SendFd(fd int) error {
	if c.terminated.Load() {
		return ErrTerminated
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	rights := unix.UnixRights(fd)
	if err := c.sendmsgRetry(header(TagSendFd, 0), rights); err != nil {
		c.terminate()
		return fmt.Errorf("comms: send fd: %w", err)
	}
	return nil
}

// RecvFd receives a file descriptor transferred by the peer's SendFd.
func (c *Comms) RecvFd() (int, error) {
	if c.terminated.Load() {
		return -1, ErrTerminated
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	hdr, oob, err := c.recvmsgRetry(headerSize)
	if err != nil {
		return -1, fmt.Errorf("comms: recv fd: %w", err)
	}
	tag := binary.NativeEndian.Uint32(hdr[0:4])
	if tag != TagSendFd {
		return -1, fmt.Errorf("%w: got %#x, want fd message", ErrTagMismatch, tag)
	}
	fds, err := parseRights(oob)
	if err != nil {
		return -1, err
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return -1, fmt.Errorf("comms: recv fd: got %d descriptors, want 1", len(fds))
	}
	syscall.CloseOnExec(fds[0])
	return fds[0], nil
}

// EnableRecvCred sets SO_PASSCRED so RecvCred can observe peer credentials.
func (c *Comms) EnableRecvCred() error {
	return unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
}

// SendCred sends a credentials side-channel message carrying the caller's
// pid / uid / gid.
func (c *Comms) SendCred() error {
	if c.terminated.Load() {
		return ErrTerminated
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	oob := unix.UnixCredentials(&unix.Ucred{
		Pid: int32(unix.Getpid()),
		Uid: uint32(unix.Getuid()),
		Gid: uint32(unix.Getgid()),
	})
	if err := c.sendmsgRetry(header(TagCred, 0), oob); err != nil {
		c.terminate()
		return fmt.Errorf("comms: send cred: %w", err)
	}
	return nil
}

// RecvCred receives peer process credentials. EnableRecvCred must have been
// called on this end beforehand.
func (c *Comms) RecvCred() (pid, uid, gid int, err error) {
	if c.terminated.Load() {
		return 0, 0, 0, ErrTerminated
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	hdr, oob, err := c.recvmsgRetry(headerSize)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("comms: recv cred: %w", err)
	}
	tag := binary.NativeEndian.Uint32(hdr[0:4])
	if tag != TagCred {
		return 0, 0, 0, fmt.Errorf("%w: got %#x, want cred message", ErrTagMismatch, tag)
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_CREDENTIALS {
			cred, err := unix.ParseUnixCredentials(&m)
			if err != nil {
				return 0, 0, 0, err
			}
			return int(cred.Pid), int(cred.Uid), int(cred.Gid), nil
		}
	}
	return 0, 0, 0, errors.New("comms: recv cred: no credentials attached")
}

func (c *Comms) noteFrameSize(size uint64) {
	if size <= c.warnFrame {
		return
	}
	if n := c.warnCount.Add(1); n%warnLogEvery == 1 {
		c.log.Warn("oversized frame",
			"size", size, "threshold", c.warnFrame, "occurrences", n)
	}
}

func header(tag uint32, size uint64) []byte {
	hdr := make([]byte, headerSize)
	binary.NativeEndian.PutUint32(hdr[0:4], tag)
	binary.NativeEndian.PutUint64(hdr[4:12], size)
	return hdr
}

// writeFull writes all of b, retrying partial writes and EINTR. Any other
// failure terminates the channel.
func (c *Comms) writeFull(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(c.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			c.terminate()
			if err == unix.EPIPE || err == unix.ECONNRESET {
				return ErrTerminated
			}
			return fmt.Errorf("comms: write: %w", err)
		}
		b = b[n:]
	}
	return nil
}

// readFull reads exactly len(b) bytes, retrying partial reads and EINTR.
// A zero-length read means the peer closed the connection and permanently
// terminates the channel.
func (c *Comms) readFull(b []byte) error {
	for off := 0; off < len(b); {
		n, err := unix.Read(c.fd, b[off:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			c.terminate()
			return fmt.Errorf("comms: read: %w", err)
		}
		if n == 0 {
			c.terminate()
			return ErrTerminated
		}
		off += n
	}
	return nil
}

func (c *Comms) sendmsgRetry(b, oob []byte) error {
	for {
		err := unix.Sendmsg(c.fd, b, oob, nil, 0)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (c *Comms) recvmsgRetry(n int) ([]byte, []byte, error) {
	b := make([]byte, n)
	oob := make([]byte, unix.CmsgSpace(4*4))
	for {
		bn, oobn, _, _, err := unix.Recvmsg(c.fd, b, oob, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			c.terminate()
			return nil, nil, err
		}
		if bn == 0 {
			c.terminate()
			return nil, nil, ErrTerminated
		}
		if bn != n {
			c.terminate()
			return nil, nil, fmt.Errorf("comms: side-channel message size %d, want %d", bn, n)
		}
		return b, oob[:oobn], nil
	}
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_RIGHTS {
			parsed, err := unix.ParseUnixRights(&m)
			if err != nil {
				return nil, err
			}
			fds = append(fds, parsed...)
		}
	}
	return fds, nil
}
