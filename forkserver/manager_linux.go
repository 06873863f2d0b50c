package forkserver

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-sapi/pkg/memfd"
	"github.com/criyle/go-sapi/pkg/mount"
	"github.com/criyle/go-sapi/pkg/pipe"
	"github.com/criyle/go-sapi/pkg/unixsocket"
)

const stderrBufferSize = 4096

// Options configures the forkserver child
type Options struct {
	// ExecFile overrides the image the forkserver runs. Empty means a
	// sealed memfd copy of the current executable. The caller keeps
	// ownership: the file must stay open for the manager's lifetime since
	// restarts execute it again, and is closed by the caller after
	// Shutdown.
	ExecFile *os.File

	// CloneFlags unshare namespaces for the forkserver and everything it
	// spawns (e.g. unix.CLONE_NEWNS | unix.CLONE_NEWPID)
	CloneFlags uintptr

	// Mounts and PivotRoot describe the filesystem view built inside the
	// forkserver's mount namespace after startup
	Mounts    []mount.Mount
	PivotRoot string

	// Stderr collects the forkserver's stderr for diagnostics
	Stderr bool

	Logger *slog.Logger
}

// Manager owns at most one live forkserver and restarts it when the
// connection dies. Safe for concurrent use.
type Manager struct {
	opt Options
	log *slog.Logger

	mu    sync.Mutex
	inst  *instance
	start func(*Manager) (*instance, error)
}

type instance struct {
	pid    int
	soc    *unixsocket.Socket
	buff   *pipe.Buffer
	waited bool
}

// NewManager creates a manager; the forkserver starts lazily on first use
func NewManager(opt Options) *Manager {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opt:   opt,
		log:   logger,
		start: startInstance,
	}
}

// EnsureStarted starts the forkserver if none is running and verifies the
// running one still answers. A dead forkserver is replaced.
func (m *Manager) EnsureStarted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked()
}

func (m *Manager) ensureLocked() error {
	if m.inst != nil {
		if err := m.inst.ping(); err == nil {
			return nil
		}
		m.log.Warn("forkserver unresponsive, restarting", "pid", m.inst.pid)
		m.inst.destroy()
		m.inst = nil
	}
	inst, err := m.start(m)
	if err != nil {
		return err
	}
	m.inst = inst
	m.log.Info("forkserver started", "pid", inst.pid)
	return nil
}

// ForceStart replaces any running forkserver with a fresh one
func (m *Manager) ForceStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inst != nil {
		m.inst.destroy()
		m.inst = nil
	}
	return m.ensureLocked()
}

// Shutdown kills the forkserver and waits for it to exit. The manager can
// be used again afterwards; the next call starts a fresh one.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inst == nil {
		return nil
	}
	err := m.inst.destroy()
	m.inst = nil
	return err
}

// Spawn asks the forkserver for one sandboxee child. commsFd becomes fd 3
// inside the child; the returned Process waits on or kills it.
func (m *Manager) Spawn(spawn SpawnCmd, commsFd int) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLocked(); err != nil {
		return nil, err
	}

	ctlHost, ctlRemote, err := unixsocket.NewSocketPair()
	if err != nil {
		return nil, fmt.Errorf("forkserver: control socket: %w", err)
	}
	ctlFile, err := ctlRemote.File()
	ctlRemote.Close()
	if err != nil {
		ctlHost.Close()
		return nil, fmt.Errorf("forkserver: control socket: %w", err)
	}
	defer ctlFile.Close()

	cmd := Cmd{Cmd: cmdSpawn, SpawnCmd: &spawn}
	msg := unixsocket.Msg{Fds: []int{commsFd, int(ctlFile.Fd())}}
	reply, err := m.inst.request(&cmd, msg)
	if err != nil {
		// a broken shared socket means the forkserver is gone
		ctlHost.Close()
		m.inst.destroy()
		m.inst = nil
		return nil, err
	}
	if reply.Error != "" {
		ctlHost.Close()
		return nil, fmt.Errorf("forkserver: spawn: %s", reply.Error)
	}
	return &Process{Pid: reply.Pid, ctl: ctlHost}, nil
}

func (i *instance) request(cmd *Cmd, msg unixsocket.Msg) (*Reply, error) {
	if err := (*socket)(i.soc).send(cmd, msg); err != nil {
		return nil, err
	}
	var reply Reply
	if _, err := (*socket)(i.soc).recv(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (i *instance) ping() error {
	reply, err := i.request(&Cmd{Cmd: cmdPing}, unixsocket.Msg{})
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("forkserver: ping: %s", reply.Error)
	}
	return nil
}

// destroy kills the forkserver together with all of its children and reaps
// it
func (i *instance) destroy() error {
	i.soc.Close()
	if i.pid > 0 {
		unix.Kill(i.pid, unix.SIGKILL)
		if !i.waited {
			var ws unix.WaitStatus
			unix.Wait4(i.pid, &ws, 0, nil)
			i.waited = true
		}
	}
	if i.buff != nil {
		<-i.buff.Done
		if out := i.buff.Buffer.Bytes(); len(out) > 0 {
			return fmt.Errorf("forkserver: stderr: %s", out)
		}
	}
	return nil
}

// startInstance launches the forkserver process from a sealed image
func startInstance(m *Manager) (*instance, error) {
	image := m.opt.ExecFile
	if image == nil {
		self, err := os.Open(currentExec)
		if err != nil {
			return nil, fmt.Errorf("forkserver: open self: %w", err)
		}
		image, err = memfd.DupToMemfd("forkserver", self)
		self.Close()
		if err != nil {
			return nil, fmt.Errorf("forkserver: seal image: %w", err)
		}
		defer image.Close()
	}

	ins, outs, err := newPassCredSocketPair()
	if err != nil {
		return nil, fmt.Errorf("forkserver: socket: %w", err)
	}
	outf, err := outs.File()
	outs.Close()
	if err != nil {
		ins.Close()
		return nil, fmt.Errorf("forkserver: socket: %w", err)
	}
	defer outf.Close()

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, os.ModePerm)
	if err != nil {
		ins.Close()
		return nil, fmt.Errorf("forkserver: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	var buff *pipe.Buffer
	stderr := devNull
	if m.opt.Stderr {
		buff, err = pipe.NewBuffer(stderrBufferSize)
		if err != nil {
			ins.Close()
			return nil, fmt.Errorf("forkserver: stderr pipe: %w", err)
		}
		defer buff.W.Close()
		stderr = buff.W
	}

	cmd := &exec.Cmd{
		Path:       fmt.Sprintf("/proc/self/fd/%d", imageFd),
		Args:       []string{os.Args[0], initArg},
		Env:        []string{"PATH=/usr/local/bin:/usr/bin:/bin"},
		Stdin:      devNull,
		Stdout:     devNull,
		Stderr:     stderr,
		ExtraFiles: []*os.File{outf, image},
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags: m.opt.CloneFlags,
			Pdeathsig:  syscall.SIGKILL,
		},
	}
	if err := cmd.Start(); err != nil {
		ins.Close()
		return nil, fmt.Errorf("forkserver: start: %w", err)
	}
	pid := cmd.Process.Pid
	// the exec.Cmd is not waited on through the usual path; release it so
	// destroy's explicit wait4 owns the reaping
	cmd.Process.Release()

	inst := &instance{pid: pid, soc: ins, buff: buff}
	if len(m.opt.Mounts) > 0 || m.opt.PivotRoot != "" {
		reply, err := inst.request(&Cmd{
			Cmd:     cmdConf,
			ConfCmd: &ConfCmd{Mounts: m.opt.Mounts, PivotRoot: m.opt.PivotRoot},
		}, unixsocket.Msg{})
		if err == nil && reply.Error != "" {
			err = fmt.Errorf("forkserver: conf: %s", reply.Error)
		}
		if err != nil {
			inst.destroy()
			return nil, err
		}
	}
	return inst, nil
}

func newPassCredSocketPair() (*unixsocket.Socket, *unixsocket.Socket, error) {
	ins, outs, err := unixsocket.NewSocketPair()
	if err != nil {
		return nil, nil, err
	}
	if err = ins.SetPassCred(1); err != nil {
		ins.Close()
		outs.Close()
		return nil, nil, err
	}
	if err = outs.SetPassCred(1); err != nil {
		ins.Close()
		outs.Close()
		return nil, nil, err
	}
	return ins, outs, nil
}
