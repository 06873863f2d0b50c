// Package client is the sandboxee side of the call protocol. It runs inside
// the spawned child: after the startup handshake it installs the syscall
// filter received from the host and then serves allocation, descriptor and
// call requests against a registered function table.
package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-sapi/pkg/comms"
	"github.com/criyle/go-sapi/pkg/filter"
	"github.com/criyle/go-sapi/rpcchannel"
	"github.com/criyle/go-sapi/vars"
)

// Value is a call argument or result as seen by a registered function.
// Pointer arguments arrive as addresses inside this process, already
// populated by the host's pre-call synchronization.
type Value struct {
	Type  vars.Type
	Int   int64
	Float float64
	Ptr   uintptr
	Fd    int
}

// Int64 wraps an integer result
func Int64(v int64) Value { return Value{Type: vars.TypeInt, Int: v} }

// Float64 wraps a floating point result
func Float64(v float64) Value { return Value{Type: vars.TypeFloat, Float: v} }

// FdOf wraps a descriptor result
func FdOf(fd int) Value { return Value{Type: vars.TypeFd, Fd: fd} }

// Void is the empty result
func Void() Value { return Value{Type: vars.TypeVoid} }

// Func is a function exposed to the host. Returning ok false reports a
// binding failure; the host sees it as a dispatch failure, not a transport
// error.
type Func func(args []Value) (ret Value, ok bool)

// Resolver maps exported names to functions
type Resolver interface {
	Resolve(name string) (Func, bool)
}

// FuncTable is the map-backed Resolver used by most sandboxees
type FuncTable map[string]Func

// Resolve implements Resolver
func (t FuncTable) Resolve(name string) (Func, bool) {
	f, ok := t[name]
	return f, ok
}

// Options configures a Client
type Options struct {
	Logger *slog.Logger
	// InstallFilter overrides the seccomp install step. Tests that run the
	// client in-process use this to avoid filtering their own process.
	InstallFilter func(filter.Program) error
}

// Client serves the host's requests over an established comms fd
type Client struct {
	c       *comms.Comms
	res     Resolver
	log     *slog.Logger
	install func(filter.Program) error

	heap    *heap
	symbols map[string]uintptr
}

// New creates a client over the comms fd inherited from the forkserver
func New(fd int, res Resolver, opt Options) *Client {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	install := opt.InstallFilter
	if install == nil {
		install = installSeccomp
	}
	if res == nil {
		res = FuncTable(nil)
	}
	return &Client{
		c:       comms.New(fd, "sandboxee", comms.Options{Logger: logger}),
		res:     res,
		log:     logger,
		install: install,
		heap:    newHeap(),
		symbols: make(map[string]uintptr),
	}
}

// Run performs the startup sequence and serves requests until the host asks
// for exit or the channel terminates.
func (cl *Client) Run() error {
	if err := cl.setup(); err != nil {
		return err
	}
	return cl.serve()
}

// setup runs the fd-mapping, policy and handshake phases. The filter is
// installed only after the host releases the handshake, so the host can
// still adjust rlimits or attach tracers while this process is unfiltered.
func (cl *Client) setup() error {
	maps, err := rpcchannel.RecvFdMaps(cl.c)
	if err != nil {
		return fmt.Errorf("client: receive fd maps: %w", err)
	}
	if err := applyFdMaps(maps); err != nil {
		return err
	}

	blob, err := cl.c.RecvTag(comms.TagBytes)
	if err != nil {
		return fmt.Errorf("client: receive policy: %w", err)
	}
	prog, err := filter.Unmarshal(blob)
	if err != nil {
		return fmt.Errorf("client: decode policy: %w", err)
	}

	if err := cl.c.SendString(rpcchannel.HandshakeReady); err != nil {
		return err
	}
	body, err := cl.c.RecvTag(comms.TagString)
	if err != nil {
		return err
	}
	if string(body) != rpcchannel.HandshakeContinue {
		return fmt.Errorf("client: unexpected handshake reply %q", body)
	}

	if len(prog) > 0 {
		if err := cl.install(prog); err != nil {
			return fmt.Errorf("client: install filter: %w", err)
		}
		cl.log.Info("syscall filter installed", "instructions", len(prog))
	}
	return nil
}

func applyFdMaps(maps []rpcchannel.FdMap) error {
	for _, m := range maps {
		if m.Current == m.Requested {
			continue
		}
		if err := unix.Dup3(m.Current, m.Requested, 0); err != nil {
			return fmt.Errorf("client: dup %s fd %d -> %d: %w", m.Name, m.Current, m.Requested, err)
		}
		unix.Close(m.Current)
	}
	return nil
}

func (cl *Client) serve() error {
	for {
		f, err := cl.c.Recv()
		if err != nil {
			if errors.Is(err, comms.ErrTerminated) {
				return nil
			}
			return err
		}

		switch f.Tag {
		case comms.TagAllocate:
			err = cl.handleAllocate(f.Payload)
		case comms.TagFree:
			err = cl.handleFree(f.Payload)
		case comms.TagReallocate:
			err = cl.handleReallocate(f.Payload)
		case comms.TagStrlen:
			err = cl.handleStrlen(f.Payload)
		case comms.TagSymbol:
			err = cl.handleSymbol(f.Payload)
		case comms.TagSendFd:
			err = cl.handleSendFd()
		case comms.TagRecvFd:
			err = cl.handleRecvFd(f.Payload)
		case comms.TagCloseFd:
			err = cl.handleCloseFd(f.Payload)
		case comms.TagCall:
			err = cl.handleCall(f.Payload)
		case comms.TagExit:
			cl.log.Info("exit requested")
			return nil
		default:
			cl.log.Warn("unhandled request tag", "tag", f.Tag)
			err = cl.replyFailure()
		}
		if err != nil {
			if errors.Is(err, comms.ErrTerminated) {
				return nil
			}
			return err
		}
	}
}

func (cl *Client) reply(ret rpcchannel.FuncRet) error {
	body, err := ret.Marshal()
	if err != nil {
		return err
	}
	return cl.c.Send(comms.TagReturn, body)
}

func (cl *Client) replyFailure() error {
	return cl.reply(rpcchannel.FuncRet{Type: vars.TypeVoid})
}

func (cl *Client) replyInt(v uint64) error {
	return cl.reply(rpcchannel.FuncRet{Type: vars.TypeInt, Value: v, Success: true})
}

func (cl *Client) handleAllocate(body []byte) error {
	if len(body) != 8 {
		return cl.replyFailure()
	}
	addr := cl.heap.allocate(binary.NativeEndian.Uint64(body))
	return cl.replyInt(uint64(addr))
}

func (cl *Client) handleFree(body []byte) error {
	if len(body) != 8 {
		return cl.replyFailure()
	}
	addr := uintptr(binary.NativeEndian.Uint64(body))
	if !cl.heap.free(addr) {
		cl.log.Warn("free of unknown address", "addr", fmt.Sprintf("%#x", addr))
		return cl.replyFailure()
	}
	return cl.replyInt(0)
}

func (cl *Client) handleReallocate(body []byte) error {
	if len(body) != 16 {
		return cl.replyFailure()
	}
	addr := uintptr(binary.NativeEndian.Uint64(body))
	size := binary.NativeEndian.Uint64(body[8:])
	newAddr, ok := cl.heap.reallocate(addr, size)
	if !ok {
		return cl.replyFailure()
	}
	return cl.replyInt(uint64(newAddr))
}

func (cl *Client) handleStrlen(body []byte) error {
	if len(body) != 8 {
		return cl.replyFailure()
	}
	n, ok := cl.heap.strlen(uintptr(binary.NativeEndian.Uint64(body)))
	if !ok {
		return cl.replyFailure()
	}
	return cl.replyInt(n)
}

// handleSymbol answers name lookups with a stable nonzero token per known
// name. Call dispatch goes by name, so the token only needs identity.
func (cl *Client) handleSymbol(body []byte) error {
	name := string(body)
	if addr, ok := cl.symbols[name]; ok {
		return cl.replyInt(uint64(addr))
	}
	if _, ok := cl.res.Resolve(name); !ok {
		return cl.replyFailure()
	}
	addr := uintptr(len(cl.symbols) + 1)
	cl.symbols[name] = addr
	return cl.replyInt(uint64(addr))
}

func (cl *Client) handleSendFd() error {
	fd, err := cl.c.RecvFd()
	if err != nil {
		return err
	}
	return cl.reply(rpcchannel.FuncRet{Type: vars.TypeFd, Value: uint64(uint32(fd)), Success: true})
}

func (cl *Client) handleRecvFd(body []byte) error {
	if len(body) != 4 {
		return cl.replyFailure()
	}
	fd := int(int32(binary.NativeEndian.Uint32(body)))
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return cl.replyFailure()
	}
	if err := cl.reply(rpcchannel.FuncRet{Type: vars.TypeFd, Value: uint64(uint32(fd)), Success: true}); err != nil {
		return err
	}
	return cl.c.SendFd(fd)
}

func (cl *Client) handleCloseFd(body []byte) error {
	if len(body) != 4 {
		return cl.replyFailure()
	}
	fd := int(int32(binary.NativeEndian.Uint32(body)))
	if err := unix.Close(fd); err != nil {
		return cl.replyFailure()
	}
	return cl.replyInt(0)
}

func (cl *Client) handleCall(body []byte) error {
	fc, err := rpcchannel.UnmarshalFuncCall(body)
	if err != nil {
		cl.log.Warn("malformed call record", "err", err)
		return cl.replyFailure()
	}
	fn, ok := cl.res.Resolve(fc.Name)
	if !ok {
		cl.log.Warn("unknown function", "name", fc.Name)
		return cl.replyFailure()
	}

	args := make([]Value, len(fc.Args))
	for i, a := range fc.Args {
		v := Value{Type: a.Type}
		switch a.Type {
		case vars.TypeInt:
			v.Int = int64(a.Value)
		case vars.TypeFloat:
			v.Float = floatFromBits(a.Value)
		case vars.TypePointer:
			v.Ptr = uintptr(a.Value)
		case vars.TypeFd:
			v.Fd = int(int32(a.Value))
		default:
			cl.log.Warn("unsupported argument type", "name", fc.Name, "arg", i, "type", a.Type)
			return cl.replyFailure()
		}
		args[i] = v
	}

	ret, ok := fn(args)
	if !ok {
		return cl.replyFailure()
	}
	if ret.Type != fc.Ret {
		cl.log.Warn("result type mismatch", "name", fc.Name, "got", ret.Type, "want", fc.Ret)
		return cl.replyFailure()
	}

	fr := rpcchannel.FuncRet{Type: ret.Type, Success: true}
	switch ret.Type {
	case vars.TypeVoid:
	case vars.TypeInt:
		fr.Value = uint64(ret.Int)
	case vars.TypeFloat:
		fr.Value = floatBits(ret.Float)
	case vars.TypePointer:
		fr.Value = uint64(ret.Ptr)
	case vars.TypeFd:
		fr.Value = uint64(uint32(ret.Fd))
	default:
		return cl.replyFailure()
	}
	if err := cl.reply(fr); err != nil {
		return err
	}
	if fr.Type == vars.TypeFd {
		return cl.c.SendFd(ret.Fd)
	}
	return nil
}
