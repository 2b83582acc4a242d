package launcher

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"

	"mydocker/pkg/errdefs"
)

// ChildGuard owns a started child process until it has been reaped. Any
// path that does not reach a successful Wait must call Release, which kills
// and reaps the child.
type ChildGuard struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	reaped bool
}

// Start starts cmd and guards it.
func Start(cmd *exec.Cmd) (*ChildGuard, error) {
	if err := cmd.Start(); err != nil {
		return nil, errdefs.Kernel("spawn "+cmd.Path, err)
	}

	g := &ChildGuard{cmd: cmd, done: make(chan struct{})}
	go func() {
		g.err = cmd.Wait()
		close(g.done)
	}()
	return g, nil
}

// Pid is the host pid of the child.
func (g *ChildGuard) Pid() int {
	return g.cmd.Process.Pid
}

// Wait blocks until the child exits and returns its exit code. When ctx is
// done first the child is killed and reaped and ctx's error returned.
func (g *ChildGuard) Wait(ctx context.Context) (int, error) {
	select {
	case <-g.done:
	case <-ctx.Done():
		logrus.Debugf("killing pid %d: %v", g.Pid(), ctx.Err())
		g.kill()
		<-g.done
		g.reaped = true
		return -1, ctx.Err()
	}
	g.reaped = true

	var exitErr *exec.ExitError
	if g.err != nil && !errors.As(g.err, &exitErr) {
		return -1, errdefs.Kernel("wait for pid "+strconv.Itoa(g.Pid()), g.err)
	}
	return exitCode(g.cmd.ProcessState), nil
}

// Release kills and reaps the child unless it has already been reaped.
func (g *ChildGuard) Release() {
	if g == nil || g.reaped {
		return
	}
	g.kill()
	<-g.done
	g.reaped = true
}

func (g *ChildGuard) kill() {
	if err := g.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logrus.Warnf("failed to kill pid %d: %v", g.Pid(), err)
	}
}

// exitCode follows the shell convention: 128+signal for a killed process.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
