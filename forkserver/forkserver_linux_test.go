package forkserver

import (
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/criyle/go-sapi/pkg/unixsocket"
)

// TestHelperProcess stands in for a spawned sandboxee. It is only active
// when re-executed by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_FORKSERVER_HELPER") != "1" {
		return
	}
	switch os.Getenv("GO_FORKSERVER_MODE") {
	case "exit3":
		os.Exit(3)
	case "hang":
		io.Copy(io.Discard, os.Stdin)
	}
	os.Exit(0)
}

func helperCmd(t *testing.T, mode string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("/proc/self/exe", "-test.run=TestHelperProcess")
	cmd.Env = append(os.Environ(),
		"GO_FORKSERVER_HELPER=1", "GO_FORKSERVER_MODE="+mode)
	return cmd
}

func ctlPair(t *testing.T) (*Process, *unixsocket.Socket) {
	t.Helper()
	host, remote, err := unixsocket.NewSocketPair()
	require.NoError(t, err)
	return &Process{ctl: host}, remote
}

func TestProtocolRoundTrip(t *testing.T) {
	a, b, err := unixsocket.NewSocketPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	devNull, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer devNull.Close()

	sent := Cmd{
		Cmd: cmdSpawn,
		SpawnCmd: &SpawnCmd{
			Argv:    []string{"/bin/true"},
			Env:     []string{"PATH=/bin"},
			WorkDir: "/",
		},
	}
	require.NoError(t, (*socket)(a).send(&sent, unixsocket.Msg{Fds: []int{int(devNull.Fd())}}))

	var got Cmd
	msg, err := (*socket)(b).recv(&got)
	require.NoError(t, err)
	assert.Equal(t, sent.Cmd, got.Cmd)
	assert.Equal(t, sent.SpawnCmd.Argv, got.SpawnCmd.Argv)
	require.Len(t, msg.Fds, 1)
	unix.Close(msg.Fds[0])

	require.NoError(t, (*socket)(b).send(&Reply{Pid: 42}, unixsocket.Msg{}))
	var reply Reply
	_, err = (*socket)(a).recv(&reply)
	require.NoError(t, err)
	assert.Equal(t, 42, reply.Pid)
}

func TestSessionWait(t *testing.T) {
	proc, remote := ctlPair(t)

	cmd := helperCmd(t, "exit3")
	require.NoError(t, cmd.Start())
	go serveSession(remote, cmd)

	status, err := proc.Wait()
	require.NoError(t, err)
	assert.True(t, status.Exited())
	assert.Equal(t, 3, status.Code)

	// cached result, no second reap
	again, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, status, again)

	// kill after exit is a noop
	assert.NoError(t, proc.Kill())
}

func TestSessionKill(t *testing.T) {
	proc, remote := ctlPair(t)

	cmd := helperCmd(t, "hang")
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	defer stdin.Close()
	require.NoError(t, cmd.Start())
	go serveSession(remote, cmd)

	require.NoError(t, proc.Kill())
	status, err := proc.Wait()
	require.NoError(t, err)
	assert.False(t, status.Exited())
	assert.Equal(t, int(unix.SIGKILL), status.Signal)
}

func TestSessionOrphanKilled(t *testing.T) {
	proc, remote := ctlPair(t)

	cmd := helperCmd(t, "hang")
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	defer stdin.Close()
	require.NoError(t, cmd.Start())

	done := make(chan struct{})
	go func() {
		serveSession(remote, cmd)
		close(done)
	}()

	// dropping the control socket must not leak the child
	require.NoError(t, proc.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not reap orphaned child")
	}
}

func TestSessionOrphanAfterExit(t *testing.T) {
	proc, remote := ctlPair(t)

	cmd := helperCmd(t, "exit3")
	require.NoError(t, cmd.Start())

	done := make(chan struct{})
	go func() {
		serveSession(remote, cmd)
		close(done)
	}()

	// let the session collect the exit status before the host goes away
	time.Sleep(500 * time.Millisecond)

	require.NoError(t, proc.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session hung after control socket closed")
	}
}

// fakeForkserver serves the shared socket in-process so manager bookkeeping
// is testable without forking.
func fakeForkserver(t *testing.T, remote *unixsocket.Socket, pings int) {
	t.Helper()
	go func() {
		defer remote.Close()
		for i := 0; i < pings; i++ {
			var cmd Cmd
			if _, err := (*socket)(remote).recv(&cmd); err != nil {
				return
			}
			if cmd.Cmd != cmdPing {
				(*socket)(remote).send(&Reply{Error: "unexpected"}, unixsocket.Msg{})
				return
			}
			(*socket)(remote).send(&Reply{}, unixsocket.Msg{})
		}
	}()
}

func TestManagerSelfHealing(t *testing.T) {
	starts := 0
	m := NewManager(Options{})
	m.start = func(*Manager) (*instance, error) {
		host, remote, err := unixsocket.NewSocketPair()
		require.NoError(t, err)
		// each incarnation answers exactly one ping, then dies
		fakeForkserver(t, remote, 1)
		starts++
		// pid 0 marks an in-process fake; destroy skips kill and reap
		return &instance{soc: host, waited: true}, nil
	}

	require.NoError(t, m.EnsureStarted())
	assert.Equal(t, 1, starts)

	// first ensure: running instance still answers its single ping
	require.NoError(t, m.EnsureStarted())
	assert.Equal(t, 1, starts)

	// its ping budget is exhausted now, so the next ensure replaces it
	require.NoError(t, m.EnsureStarted())
	assert.Equal(t, 2, starts)

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.EnsureStarted())
	assert.Equal(t, 3, starts)
}
