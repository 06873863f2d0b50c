package forkserver

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-sapi/pkg/mount"
	"github.com/criyle/go-sapi/pkg/unixsocket"
)

type server struct {
	socket *unixsocket.Socket
}

// Init is the forkserver entry point. It is a noop unless the process was
// started in init mode, so callers run it unconditionally at startup before
// any host-side logic. On sockets failure the forkserver exits together
// with every child it spawned.
func Init() (err error) {
	if len(os.Args) != 2 || os.Args[1] != initArg {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "forkserver panic: %v\n", r)
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "forkserver exit: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}()

	runtime.GOMAXPROCS(1)

	soc, err := unixsocket.NewSocket(cmdSocketFd)
	if err != nil {
		return fmt.Errorf("forkserver init: %w", err)
	}
	s := &server{socket: soc}
	return s.serve()
}

func (s *server) serve() error {
	for {
		var cmd Cmd
		msg, err := (*socket)(s.socket).recv(&cmd)
		if err != nil {
			return err
		}
		if err := s.handle(&cmd, msg); err != nil {
			return err
		}
	}
}

func (s *server) handle(cmd *Cmd, msg unixsocket.Msg) error {
	if cmd.Cmd == cmdSpawn {
		return s.handleSpawn(cmd.SpawnCmd, msg.Fds)
	}
	closeFds(msg.Fds)
	switch cmd.Cmd {
	case cmdPing:
		return s.reply(&Reply{})

	case cmdConf:
		return s.handleConf(cmd.ConfCmd)
	}
	return fmt.Errorf("forkserver: unknown command %q", cmd.Cmd)
}

func (s *server) reply(r *Reply) error {
	return (*socket)(s.socket).send(r, unixsocket.Msg{})
}

func (s *server) replyError(ft string, v ...any) error {
	return s.reply(&Reply{Error: fmt.Sprintf(ft, v...)})
}

// handleConf builds the mount tree inside this process's namespaces. The
// spawned children inherit the resulting view.
func (s *server) handleConf(conf *ConfCmd) error {
	if conf == nil {
		return s.replyError("conf: no parameter")
	}
	if conf.PivotRoot != "" {
		if err := pivotInto(conf.PivotRoot, conf.Mounts); err != nil {
			return s.replyError("conf: %v", err)
		}
	} else {
		for _, m := range conf.Mounts {
			if err := m.Mount(); err != nil {
				return s.replyError("conf: mount %v: %v", m, err)
			}
		}
	}
	return s.reply(&Reply{})
}

// pivotInto makes root the new filesystem root with mounts applied beneath
// it. Targets in mounts are relative to root.
func pivotInto(root string, mounts []mount.Mount) error {
	if err := unix.Mount(root, root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind root: %w", err)
	}
	if err := unix.Chdir(root); err != nil {
		return err
	}
	for _, m := range mounts {
		if err := m.Mount(); err != nil {
			return fmt.Errorf("mount %v: %w", m, err)
		}
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("umount old root: %w", err)
	}
	return unix.Chdir("/")
}

// handleSpawn forks one sandboxee. fds carries the child's comms socket and
// the session control socket, in that order.
func (s *server) handleSpawn(spawn *SpawnCmd, fds []int) error {
	if spawn == nil || len(fds) != 2 {
		closeFds(fds)
		return s.replyError("spawn: bad parameters")
	}
	commsFile := os.NewFile(uintptr(fds[0]), "comms")
	defer commsFile.Close()
	ctl, err := unixsocket.NewSocket(fds[1])
	if err != nil {
		unix.Close(fds[1])
		return s.replyError("spawn: control socket: %v", err)
	}

	cmd := &exec.Cmd{
		Args:       spawn.Argv,
		Env:        spawn.Env,
		Dir:        spawn.WorkDir,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		ExtraFiles: []*os.File{commsFile},
	}
	if spawn.FdExec {
		// run the sealed image this forkserver was started from. Dup per
		// spawn so the transient os.File wrapper never closes the
		// long-lived image descriptor through its finalizer.
		dup, err := unix.Dup(imageFd)
		if err != nil {
			ctl.Close()
			return s.replyError("spawn: dup image: %v", err)
		}
		image := os.NewFile(uintptr(dup), "image")
		defer image.Close()
		cmd.ExtraFiles = append(cmd.ExtraFiles, image)
		// ExtraFiles land at fd 3 onward in the child, image is last
		cmd.Path = fmt.Sprintf("/proc/self/fd/%d", 3+len(cmd.ExtraFiles)-1)
		if len(cmd.Args) == 0 {
			cmd.Args = []string{"sandboxee"}
		}
	} else {
		if len(cmd.Args) == 0 {
			ctl.Close()
			return s.replyError("spawn: empty argv")
		}
		path, err := exec.LookPath(cmd.Args[0])
		if err != nil {
			ctl.Close()
			return s.replyError("spawn: %v", err)
		}
		cmd.Path = path
	}

	if err := cmd.Start(); err != nil {
		ctl.Close()
		return s.replyError("spawn: start: %v", err)
	}
	go serveSession(ctl, cmd)
	return s.reply(&Reply{Pid: cmd.Process.Pid})
}

// serveSession owns one spawned child: it answers wait and kill requests on
// the session control socket and reaps the child. A broken control socket
// means the host is gone, so the child is killed rather than leaked.
func serveSession(ctl *unixsocket.Socket, cmd *exec.Cmd) {
	defer ctl.Close()

	waitCh := make(chan ExitStatus, 1)
	go func() {
		err := cmd.Wait()
		waitCh <- exitStatus(cmd, err)
	}()

	ctlCh := make(chan string)
	go func() {
		defer close(ctlCh)
		for {
			var c CtlCmd
			if _, err := (*socket)(ctl).recv(&c); err != nil {
				return
			}
			ctlCh <- c.Cmd
		}
	}()

	var (
		status   *ExitStatus
		wantWait bool
	)
	for {
		select {
		case c, ok := <-ctlCh:
			if !ok {
				// host gone; the child may already be reaped
				cmd.Process.Kill()
				if waitCh != nil {
					<-waitCh
				}
				return
			}
			switch c {
			case ctlKill:
				cmd.Process.Kill()
			case ctlWait:
				wantWait = true
			}
		case st := <-waitCh:
			status = &st
			waitCh = nil
		}
		if wantWait && status != nil {
			(*socket)(ctl).send(&CtlReply{Status: *status}, unixsocket.Msg{})
			return
		}
	}
}

func exitStatus(cmd *exec.Cmd, err error) ExitStatus {
	if cmd.ProcessState == nil {
		return ExitStatus{Code: -1}
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		if err != nil {
			return ExitStatus{Code: -1}
		}
		return ExitStatus{}
	}
	if ws.Signaled() {
		return ExitStatus{Code: -1, Signal: int(ws.Signal())}
	}
	return ExitStatus{Code: ws.ExitStatus()}
}

func closeFds(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
