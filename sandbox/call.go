package sandbox

import (
	"encoding/binary"
	"fmt"

	"github.com/criyle/go-sapi/rpcchannel"
	"github.com/criyle/go-sapi/vars"
)

// Call invokes an exported function inside the sandboxee. Pointer arguments
// get remote storage allocated on demand and their pointees copied per their
// sync mode; descriptor arguments are transferred before the call. ret may
// be nil for void functions and must otherwise match the type the sandboxee
// reports back.
func (sb *Sandbox) Call(name string, ret vars.Var, args ...vars.Var) error {
	if err := sb.running(); err != nil {
		return err
	}

	fc := rpcchannel.FuncCall{
		Name: name,
		Ret:  vars.TypeVoid,
		Args: make([]rpcchannel.Arg, 0, len(args)),
	}
	if ret != nil {
		fc.Ret = ret.Type()
		fc.RetSize = ret.Size()
	}

	for i, a := range args {
		arg, err := sb.prepareArg(a)
		if err != nil {
			return fmt.Errorf("sandbox: call %q arg %d: %w", name, i, err)
		}
		fc.Args = append(fc.Args, arg)
	}

	fcRet, localFd, err := sb.ch.Call(&fc)
	if err != nil {
		return fmt.Errorf("sandbox: call %q: %w", name, err)
	}
	if !fcRet.Success {
		return &DispatchError{Name: name}
	}
	if fcRet.Type != fc.Ret {
		return fmt.Errorf("sandbox: call %q returned %v, want %v", name, fcRet.Type, fc.Ret)
	}
	if err := storeResult(ret, fcRet, localFd); err != nil {
		return fmt.Errorf("sandbox: call %q: %w", name, err)
	}

	for i, a := range args {
		if err := sb.syncAfter(a); err != nil {
			return fmt.Errorf("sandbox: call %q arg %d: %w", name, i, err)
		}
	}
	return nil
}

// prepareArg runs pre-call synchronization for one argument and builds its
// wire record.
func (sb *Sandbox) prepareArg(a vars.Var) (rpcchannel.Arg, error) {
	switch v := a.(type) {
	case *vars.Ptr:
		pointee := v.Pointee()
		if pointee.RemoteAddr() == 0 {
			if err := sb.Allocate(pointee, true); err != nil {
				return rpcchannel.Arg{}, err
			}
		}
		if v.Sync()&vars.SyncBefore != 0 {
			if err := sb.mem.WriteAt(pointee.RemoteAddr(), pointee.Local()); err != nil {
				return rpcchannel.Arg{}, err
			}
		}

	case *vars.Fd:
		if v.RemoteFd() < 0 {
			remote, err := sb.ch.SendFd(v.LocalFd())
			if err != nil {
				return rpcchannel.Arg{}, err
			}
			v.SetRemoteFd(remote, true)
		}
	}

	value, err := vars.Value(a)
	if err != nil {
		return rpcchannel.Arg{}, err
	}
	arg := rpcchannel.Arg{
		Type:  a.Type(),
		Size:  a.Size(),
		Value: value,
	}
	if p, ok := a.(*vars.Ptr); ok {
		arg.AuxType = p.Pointee().Type()
		arg.AuxSize = p.Pointee().Size()
	}
	return arg, nil
}

// syncAfter runs post-call synchronization for one argument. A pointee that
// lost its remote storage between the call and the readback is a violated
// precondition, not a silent skip.
func (sb *Sandbox) syncAfter(a vars.Var) error {
	p, ok := a.(*vars.Ptr)
	if !ok || p.Sync()&vars.SyncAfter == 0 {
		return nil
	}
	pointee := p.Pointee()
	if pointee.RemoteAddr() == 0 {
		return ErrNoRemoteStorage
	}
	return sb.mem.ReadAt(pointee.RemoteAddr(), pointee.Local())
}

func storeResult(ret vars.Var, fcRet rpcchannel.FuncRet, localFd int) error {
	if ret == nil {
		return nil
	}
	switch fcRet.Type {
	case vars.TypeVoid:

	case vars.TypeInt, vars.TypeFloat:
		binary.NativeEndian.PutUint64(ret.Local(), fcRet.Value)

	case vars.TypePointer:
		p, ok := ret.(*vars.Ptr)
		if !ok {
			return fmt.Errorf("pointer result needs a *vars.Ptr, got %T", ret)
		}
		p.Pointee().SetRemoteAddr(uintptr(fcRet.Value))

	case vars.TypeFd:
		f, ok := ret.(*vars.Fd)
		if !ok {
			return fmt.Errorf("fd result needs a *vars.Fd, got %T", ret)
		}
		f.SetLocalFd(localFd, true)
		f.SetRemoteFd(int(int32(fcRet.Value)), true)

	default:
		return fmt.Errorf("unsupported result type %v", fcRet.Type)
	}
	return nil
}
