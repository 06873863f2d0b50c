package sandbox

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/criyle/go-sapi/forkserver"
	"github.com/criyle/go-sapi/pkg/comms"
	"github.com/criyle/go-sapi/pkg/filter"
	"github.com/criyle/go-sapi/pkg/procmem"
	"github.com/criyle/go-sapi/pkg/rlimit"
	"github.com/criyle/go-sapi/pkg/unixsocket"
	"github.com/criyle/go-sapi/rpcchannel"
)

// Options describes one session to start
type Options struct {
	// Argv and Env for the sandboxee. With FdExec set, Argv[0] is only the
	// process name and the forkserver's sealed self image is executed.
	Argv    []string
	Env     []string
	WorkDir string
	FdExec  bool

	// Policy is the seccomp program installed in the sandboxee after the
	// startup handshake. Empty means no filter.
	Policy filter.Program

	// RLimits are applied to the sandboxee from the host during the
	// handshake window, before the filter goes live
	RLimits []rlimit.RLimit

	// FdMaps are descriptors the sandboxee moves into place at startup
	FdMaps []rpcchannel.FdMap

	Config *Config
	Logger *slog.Logger
}

// Start spawns a sandboxee through the forkserver and runs the startup
// sequence to a serving session. On failure nothing is leaked: a partially
// started child is killed and reaped.
func Start(mgr *forkserver.Manager, opt Options) (*Sandbox, error) {
	cfg := DefaultConfig()
	if opt.Config != nil {
		cfg = opt.Config.withDefaults()
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	log := logger.With("session", id)

	hostS, childS, err := unixsocket.NewStreamSocketPair()
	if err != nil {
		return nil, fmt.Errorf("sandbox: comms socket: %w", err)
	}
	childF, err := childS.File()
	childS.Close()
	if err != nil {
		hostS.Close()
		return nil, fmt.Errorf("sandbox: comms socket: %w", err)
	}
	defer childF.Close()
	hostF, err := hostS.File()
	hostS.Close()
	if err != nil {
		return nil, fmt.Errorf("sandbox: comms socket: %w", err)
	}
	// the comms layer owns its fd alone, so take it out of the os.File
	hostFd, err := unix.Dup(int(hostF.Fd()))
	hostF.Close()
	if err != nil {
		return nil, fmt.Errorf("sandbox: comms socket: %w", err)
	}

	proc, err := mgr.Spawn(forkserver.SpawnCmd{
		Argv:    opt.Argv,
		Env:     opt.Env,
		WorkDir: opt.WorkDir,
		FdExec:  opt.FdExec,
	}, int(childF.Fd()))
	if err != nil {
		unix.Close(hostFd)
		return nil, err
	}

	c := comms.New(hostFd, "host", comms.Options{
		MaxFrameSize:  cfg.MaxFrameSize,
		WarnFrameSize: cfg.WarnFrameSize,
		Logger:        log,
	})
	sb := &Sandbox{
		id:    id,
		log:   log,
		cfg:   cfg,
		ch:    rpcchannel.New(c, log),
		mem:   procmem.NewProcess(proc.Pid),
		proc:  proc,
		state: StateForkserverReady,
	}
	log.Info("sandboxee spawned", "pid", proc.Pid)

	if err := sb.setup(opt); err != nil {
		proc.Kill()
		sb.await()
		sb.close()
		return nil, err
	}
	sb.setState(StateRunning)
	return sb, nil
}

// setup pushes fd mappings and the policy, then completes the two-step
// handshake. Between the sandboxee's ready message and the release the
// child is paused and still unfiltered; rlimits are applied in that window.
func (sb *Sandbox) setup(opt Options) error {
	c := sb.ch.Comms()
	if err := rpcchannel.SendFdMaps(c, opt.FdMaps); err != nil {
		return fmt.Errorf("sandbox: send fd maps: %w", err)
	}
	if err := c.SendBytes(opt.Policy.Marshal()); err != nil {
		return fmt.Errorf("sandbox: send policy: %w", err)
	}
	sb.setState(StatePolicySent)

	body, err := c.RecvTag(comms.TagString)
	if err != nil {
		return fmt.Errorf("sandbox: handshake: %w", err)
	}
	if string(body) != rpcchannel.HandshakeReady {
		return fmt.Errorf("sandbox: unexpected handshake message %q", body)
	}

	for _, rl := range opt.RLimits {
		rlim := unix.Rlimit{Cur: rl.Rlim.Cur, Max: rl.Rlim.Max}
		if err := unix.Prlimit(sb.proc.Pid, rl.Res, &rlim, nil); err != nil {
			return fmt.Errorf("sandbox: prlimit res %d: %w", rl.Res, err)
		}
	}

	if err := c.SendString(rpcchannel.HandshakeContinue); err != nil {
		return fmt.Errorf("sandbox: handshake: %w", err)
	}
	sb.setState(StateEnforced)
	return nil
}
