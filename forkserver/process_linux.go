package forkserver

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/criyle/go-sapi/pkg/unixsocket"
)

// Process is the host-side handle of one spawned sandboxee. Wait and Kill
// go through the session control socket because the child belongs to the
// forkserver, not to this process.
type Process struct {
	Pid int

	ctl    *unixsocket.Socket
	sendMu sync.Mutex

	waitOnce sync.Once
	waited   atomic.Bool
	status   ExitStatus
	waitErr  error
}

// Wait blocks until the child exits and returns its status. The result is
// obtained once and cached; every later call returns the same values.
func (p *Process) Wait() (ExitStatus, error) {
	p.waitOnce.Do(func() {
		p.sendMu.Lock()
		err := (*socket)(p.ctl).send(&CtlCmd{Cmd: ctlWait}, unixsocket.Msg{})
		p.sendMu.Unlock()
		if err != nil {
			p.waitErr = err
			return
		}
		var reply CtlReply
		if _, err := (*socket)(p.ctl).recv(&reply); err != nil {
			p.waitErr = err
			return
		}
		if reply.Error != "" {
			p.waitErr = fmt.Errorf("forkserver: wait: %s", reply.Error)
			return
		}
		p.status = reply.Status
	})
	p.waited.Store(true)
	return p.status, p.waitErr
}

// Kill asks the forkserver to SIGKILL the child. Safe to call while another
// goroutine blocks in Wait, and after the child already exited.
func (p *Process) Kill() error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	err := (*socket)(p.ctl).send(&CtlCmd{Cmd: ctlKill}, unixsocket.Msg{})
	if err != nil && p.waited.Load() {
		// the session is already over, nothing left to kill
		return nil
	}
	return err
}

// Close releases the control socket without waiting. The forkserver kills
// an un-waited child when its control socket goes away.
func (p *Process) Close() error {
	return p.ctl.Close()
}
