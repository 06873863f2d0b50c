// Package sandbox is the host side of a sandboxed-execution session. A
// Sandbox spawns one sandboxee through the forkserver, pushes a syscall
// policy into it, and then calls its exported functions while moving data
// and descriptors across the process boundary.
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/criyle/go-sapi/forkserver"
	"github.com/criyle/go-sapi/pkg/procmem"
	"github.com/criyle/go-sapi/rpcchannel"
	"github.com/criyle/go-sapi/vars"
)

// State tracks a session through its life. Sessions move forward only and
// are never reused after Exited or Killed.
type State int32

// Session states
const (
	StateCreated State = iota
	StateForkserverReady
	StatePolicySent
	StateEnforced
	StateRunning
	StateExited
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateForkserverReady:
		return "forkserver-ready"
	case StatePolicySent:
		return "policy-sent"
	case StateEnforced:
		return "enforced"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotRunning reports an operation on a session that is not serving
	ErrNotRunning = errors.New("sandbox: session not running")
	// ErrAlreadyAllocated reports an Allocate on a variable that already
	// has remote storage
	ErrAlreadyAllocated = errors.New("sandbox: variable already has remote storage")
	// ErrNoRemoteStorage reports a transfer from a variable with no remote
	// side
	ErrNoRemoteStorage = errors.New("sandbox: variable has no remote storage")
)

// DispatchError reports a call the sandboxee could not dispatch (unknown
// symbol or binding failure). The transport stays healthy.
type DispatchError struct {
	Name string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("sandbox: call %q failed to dispatch", e.Name)
}

// Sandbox is one host-side session. Memory and call operations are safe for
// concurrent use; the underlying channel serializes round trips.
type Sandbox struct {
	id  string
	log *slog.Logger
	cfg *Config

	ch   *rpcchannel.Channel
	mem  procmem.Memory
	proc *forkserver.Process

	mu    sync.Mutex
	state State

	exitOnce   sync.Once
	exitStatus forkserver.ExitStatus
	exitErr    error
}

// ID returns the session identifier
func (sb *Sandbox) ID() string { return sb.id }

// State returns the current session state
func (sb *Sandbox) State() State {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.state
}

// Pid returns the sandboxee pid, 0 for in-process sessions
func (sb *Sandbox) Pid() int {
	if sb.proc == nil {
		return 0
	}
	return sb.proc.Pid
}

func (sb *Sandbox) setState(s State) {
	sb.mu.Lock()
	old := sb.state
	sb.state = s
	sb.mu.Unlock()
	sb.log.Debug("session state", "from", old, "to", s)
}

func (sb *Sandbox) running() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.state != StateRunning {
		return fmt.Errorf("%w: state %v", ErrNotRunning, sb.state)
	}
	return nil
}

// Allocate creates remote storage of v's size and records its address on v.
// With autoFree the storage is released on v.Close through this session.
func (sb *Sandbox) Allocate(v vars.Var, autoFree bool) error {
	if err := sb.running(); err != nil {
		return err
	}
	if v.RemoteAddr() != 0 {
		return ErrAlreadyAllocated
	}
	addr, err := sb.ch.Allocate(v.Size())
	if err != nil {
		return err
	}
	v.SetRemoteAddr(addr)
	if autoFree {
		v.SetFreer(sb)
	}
	return nil
}

// FreeRemote implements vars.RemoteFreer
func (sb *Sandbox) FreeRemote(addr uintptr) error {
	if err := sb.running(); err != nil {
		return err
	}
	return sb.ch.Free(addr)
}

// Free releases v's remote storage. A variable without remote storage is a
// noop. On a session that is not running v keeps its address so the caller
// can retry; on success or failure of the release itself v is reset to
// unallocated so a later Allocate starts clean.
func (sb *Sandbox) Free(v vars.Var) error {
	addr := v.RemoteAddr()
	if addr == 0 {
		v.SetFreer(nil)
		return nil
	}
	if err := sb.running(); err != nil {
		return err
	}
	v.SetRemoteAddr(0)
	v.SetFreer(nil)
	return sb.ch.Free(addr)
}

// TransferToSandboxee copies v's local bytes into its remote storage,
// allocating the remote side first if needed.
func (sb *Sandbox) TransferToSandboxee(v vars.Var) error {
	if err := sb.running(); err != nil {
		return err
	}
	if v.RemoteAddr() == 0 {
		if err := sb.Allocate(v, true); err != nil {
			return err
		}
	}
	return sb.mem.WriteAt(v.RemoteAddr(), v.Local())
}

// TransferFromSandboxee copies v's remote bytes into local storage
func (sb *Sandbox) TransferFromSandboxee(v vars.Var) error {
	if err := sb.running(); err != nil {
		return err
	}
	if v.RemoteAddr() == 0 {
		return ErrNoRemoteStorage
	}
	return sb.mem.ReadAt(v.RemoteAddr(), v.Local())
}

// Symbol resolves an exported name inside the sandboxee
func (sb *Sandbox) Symbol(name string) (uintptr, error) {
	if err := sb.running(); err != nil {
		return 0, err
	}
	return sb.ch.Symbol(name)
}

// Strlen measures a NUL-terminated string at a sandboxee address
func (sb *Sandbox) Strlen(addr uintptr) (uint64, error) {
	if err := sb.running(); err != nil {
		return 0, err
	}
	return sb.ch.Strlen(addr)
}

// Terminate ends the session: a graceful exit request with a bounded wait,
// then SIGKILL. The exit status is collected exactly once; calling again
// returns the cached result.
func (sb *Sandbox) Terminate() (forkserver.ExitStatus, error) {
	sb.mu.Lock()
	if sb.state == StateExited || sb.state == StateKilled {
		sb.mu.Unlock()
		return sb.exitStatus, sb.exitErr
	}
	sb.mu.Unlock()

	sb.log.Info("terminating session")
	exitErr := sb.ch.Exit()

	if sb.proc == nil {
		// in-process session, nothing to reap
		sb.close()
		sb.setState(StateExited)
		return forkserver.ExitStatus{}, exitErr
	}

	done := make(chan struct{})
	go func() {
		sb.await()
		close(done)
	}()

	final := StateExited
	select {
	case <-done:
	case <-time.After(time.Duration(sb.cfg.TerminateTimeout)):
		sb.log.Warn("graceful exit timed out, killing", "pid", sb.proc.Pid)
		sb.proc.Kill()
		<-done
		final = StateKilled
	}
	sb.close()
	sb.setState(final)
	return sb.exitStatus, sb.exitErr
}

// await collects the exit status exactly once
func (sb *Sandbox) await() {
	sb.exitOnce.Do(func() {
		sb.exitStatus, sb.exitErr = sb.proc.Wait()
	})
}

func (sb *Sandbox) close() {
	sb.ch.Close()
}
