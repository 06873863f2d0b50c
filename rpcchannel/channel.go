package rpcchannel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/criyle/go-sapi/pkg/comms"
	"github.com/criyle/go-sapi/vars"
)

var (
	// ErrRequestFailed reports a control operation the peer refused
	ErrRequestFailed = errors.New("rpcchannel: request failed")
	// ErrWrongReturnType reports a control response with an unexpected type tag
	ErrWrongReturnType = errors.New("rpcchannel: wrong return type")
)

// Channel runs the call protocol over a comms transport. All operations are
// strict request/response pairs and the mutex keeps concurrent callers from
// interleaving frames on the shared connection.
type Channel struct {
	mu  sync.Mutex
	c   *comms.Comms
	log *slog.Logger
}

// New wraps an established comms connection
func New(c *comms.Comms, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{c: c, log: logger}
}

// Comms exposes the underlying transport for setup-phase traffic that is not
// part of the call protocol (fd mappings, policy blobs).
func (ch *Channel) Comms() *comms.Comms { return ch.c }

// Close terminates the underlying transport
func (ch *Channel) Close() error { return ch.c.Close() }

// Call sends a marshalled call record and decodes the response. A response
// with Success set to false is a dispatch failure at the peer (unknown
// symbol, binding failure); it is returned without error so the caller can
// distinguish it from transport loss. For fd-typed results the transferred
// descriptor follows the return record and is collected here.
func (ch *Channel) Call(fc *FuncCall) (FuncRet, int, error) {
	body, err := fc.Marshal()
	if err != nil {
		return FuncRet{}, -1, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.c.Send(comms.TagCall, body); err != nil {
		return FuncRet{}, -1, err
	}
	ret, err := ch.recvRet()
	if err != nil {
		return FuncRet{}, -1, err
	}
	localFd := -1
	if ret.Success && ret.Type == vars.TypeFd {
		localFd, err = ch.c.RecvFd()
		if err != nil {
			return FuncRet{}, -1, fmt.Errorf("rpcchannel: receive result fd: %w", err)
		}
	}
	return ret, localFd, nil
}

// Allocate asks the peer to allocate size bytes and returns the remote
// address.
func (ch *Channel) Allocate(size uint64) (uintptr, error) {
	ret, err := ch.control(comms.TagAllocate, u64(size))
	if err != nil {
		return 0, err
	}
	return uintptr(ret.Value), nil
}

// Free releases a remote allocation
func (ch *Channel) Free(addr uintptr) error {
	_, err := ch.control(comms.TagFree, u64(uint64(addr)))
	return err
}

// Reallocate resizes a remote allocation, returning its possibly new address
func (ch *Channel) Reallocate(addr uintptr, size uint64) (uintptr, error) {
	body := make([]byte, 16)
	binary.NativeEndian.PutUint64(body, uint64(addr))
	binary.NativeEndian.PutUint64(body[8:], size)
	ret, err := ch.control(comms.TagReallocate, body)
	if err != nil {
		return 0, err
	}
	return uintptr(ret.Value), nil
}

// Symbol resolves a name in the peer's symbol table. A missing symbol is a
// failed request, not a zero address.
func (ch *Channel) Symbol(name string) (uintptr, error) {
	ret, err := ch.control(comms.TagSymbol, []byte(name))
	if err != nil {
		return 0, fmt.Errorf("symbol %q: %w", name, err)
	}
	return uintptr(ret.Value), nil
}

// Strlen measures the NUL-terminated string at a remote address
func (ch *Channel) Strlen(addr uintptr) (uint64, error) {
	ret, err := ch.control(comms.TagStrlen, u64(uint64(addr)))
	if err != nil {
		return 0, err
	}
	return ret.Value, nil
}

// SendFd transfers a local descriptor to the peer and returns its number in
// the peer's descriptor table.
func (ch *Channel) SendFd(fd int) (int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.c.Send(comms.TagSendFd, nil); err != nil {
		return -1, err
	}
	if err := ch.c.SendFd(fd); err != nil {
		return -1, err
	}
	ret, err := ch.recvRet()
	if err != nil {
		return -1, err
	}
	if !ret.Success {
		return -1, fmt.Errorf("send fd: %w", ErrRequestFailed)
	}
	if ret.Type != vars.TypeFd {
		return -1, fmt.Errorf("send fd: %w: got %v", ErrWrongReturnType, ret.Type)
	}
	return int(int32(ret.Value)), nil
}

// RecvFd duplicates remoteFd out of the peer's descriptor table into this
// process and returns the local descriptor.
func (ch *Channel) RecvFd(remoteFd int) (int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	body := make([]byte, 4)
	binary.NativeEndian.PutUint32(body, uint32(remoteFd))
	if err := ch.c.Send(comms.TagRecvFd, body); err != nil {
		return -1, err
	}
	ret, err := ch.recvRet()
	if err != nil {
		return -1, err
	}
	if !ret.Success {
		return -1, fmt.Errorf("recv fd %d: %w", remoteFd, ErrRequestFailed)
	}
	return ch.c.RecvFd()
}

// CloseFd closes a descriptor in the peer's table
func (ch *Channel) CloseFd(remoteFd int) error {
	body := make([]byte, 4)
	binary.NativeEndian.PutUint32(body, uint32(remoteFd))
	_, err := ch.control(comms.TagCloseFd, body)
	return err
}

// Exit asks the peer to terminate. The peer does not respond, and a channel
// already torn down by the peer's death is not an error here.
func (ch *Channel) Exit() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	err := ch.c.Send(comms.TagExit, nil)
	if err != nil && !errors.Is(err, comms.ErrTerminated) {
		return err
	}
	return nil
}

// control runs one request with the expectation of an integer-typed success
// response.
func (ch *Channel) control(tag uint32, body []byte) (FuncRet, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.c.Send(tag, body); err != nil {
		return FuncRet{}, err
	}
	ret, err := ch.recvRet()
	if err != nil {
		return FuncRet{}, err
	}
	if !ret.Success {
		return FuncRet{}, ErrRequestFailed
	}
	if ret.Type != vars.TypeInt {
		return FuncRet{}, fmt.Errorf("%w: got %v, want %v", ErrWrongReturnType, ret.Type, vars.TypeInt)
	}
	return ret, nil
}

func (ch *Channel) recvRet() (FuncRet, error) {
	body, err := ch.c.RecvTag(comms.TagReturn)
	if err != nil {
		return FuncRet{}, err
	}
	return UnmarshalFuncRet(body)
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.NativeEndian.PutUint64(b, v)
	return b
}
