// Package forkserver keeps one long-lived spawner process alive and asks it
// to fork sandboxee children on demand, so each session pays fork cost
// instead of full process setup. The spawner is a child of the host running
// this executable in init mode (selected by an argv sentinel) and talks gob
// over a seqpacket unix socket, with descriptors attached via SCM_RIGHTS.
package forkserver

/*
Host / forkserver protocol (one request at a time on the shared socket):

- ping (alive check):
  - reply: ok
- conf (apply mounts and pivot root inside the forkserver's namespaces):
  - send: Mounts, PivotRoot
  - reply: ok / error
- spawn (fork one sandboxee):
  - send: argv, env, work dir, fd-exec flag; fds: comms socket, session
    control socket
  - reply: child pid / error

Each spawned child gets its own session control socket served by a dedicated
goroutine inside the forkserver:

- wait: reply arrives when the child exits, carrying its exit status
- kill: SIGKILL the child, no reply

A failure on the shared socket kills the forkserver; the host side restarts
it on the next use.
*/

import (
	"github.com/criyle/go-sapi/pkg/mount"
)

const (
	cmdPing  = "ping"
	cmdConf  = "conf"
	cmdSpawn = "spawn"

	ctlWait = "wait"
	ctlKill = "kill"

	initArg = "init"

	currentExec = "/proc/self/exe"

	// fds inherited by the forkserver process
	cmdSocketFd = 3
	imageFd     = 4
)

// Cmd is a request on the shared host / forkserver socket
type Cmd struct {
	Cmd string

	ConfCmd  *ConfCmd
	SpawnCmd *SpawnCmd
}

// ConfCmd reconfigures the forkserver's mount namespace
type ConfCmd struct {
	Mounts    []mount.Mount
	PivotRoot string
}

// SpawnCmd asks for one sandboxee child. When FdExec is set Argv[0] is
// ignored and the child runs the sealed image the forkserver itself was
// started from.
type SpawnCmd struct {
	Argv    []string
	Env     []string
	WorkDir string
	FdExec  bool
}

// Reply answers a Cmd
type Reply struct {
	Error string // empty on success
	Pid   int    // spawn reply
}

// CtlCmd is a request on a session control socket
type CtlCmd struct {
	Cmd string
}

// CtlReply answers a wait request
type CtlReply struct {
	Error  string
	Status ExitStatus
}

// ExitStatus is how a sandboxee ended
type ExitStatus struct {
	Code   int // exit code, -1 when signaled
	Signal int // terminating signal number, 0 when exited normally
}

// Exited reports a normal exit
func (s ExitStatus) Exited() bool { return s.Signal == 0 }
