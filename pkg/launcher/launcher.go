// Package launcher starts container processes.
//
// A container is started by re-executing the mydocker binary as a hidden
// "init" command inside fresh PID and mount namespaces. The init stage
// confines itself to the container root, mounts /proc and execs the user
// command, which thereby becomes PID 1 of the container. The launcher stays
// outside, records the pid and waits.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"mydocker/pkg/errdefs"
	"mydocker/pkg/state"
)

// InitCommand is the hidden subcommand that runs the init stage.
const InitCommand = "init"

const selfExe = "/proc/self/exe"

// Spec describes a container process.
type Spec struct {
	Rootfs     string
	PIDFile    string
	Args       []string
	Env        []string
	WorkingDir string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// InitArgs returns the arguments that run the init stage for spec.
func InitArgs(spec *Spec) []string {
	args := []string{InitCommand, "--rootfs", spec.Rootfs}
	if spec.WorkingDir != "" {
		args = append(args, "--workdir", spec.WorkingDir)
	}
	args = append(args, "--")
	return append(args, spec.Args...)
}

// Launch runs spec in new PID and mount namespaces and returns its exit
// code. The child is killed and reaped on every path that does not observe
// its exit, including cancellation of ctx.
func Launch(ctx context.Context, spec *Spec) (int, error) {
	if len(spec.Args) == 0 {
		return -1, errdefs.ErrNoCommand
	}

	cmd := exec.Command(selfExe, InitArgs(spec)...)
	cmd.Env = spec.Env
	cmd.Stdin, cmd.Stdout, cmd.Stderr = spec.Stdin, spec.Stdout, spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWNS | unix.CLONE_NEWPID,
		// Pdeathsig fires when the spawning thread exits, so it stays
		// locked until the child is gone. The child is PID 1 of its
		// namespace and ignores every signal without a handler except
		// SIGKILL.
		Pdeathsig: unix.SIGKILL,
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	guard, err := Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("failed to start container process: %w", err)
	}
	defer guard.Release()

	if err := state.WritePID(spec.PIDFile, guard.Pid()); err != nil {
		return -1, err
	}
	logrus.WithField("pid", guard.Pid()).Debug("container process started")

	code, err := guard.Wait(ctx)
	if err != nil {
		return -1, err
	}
	logrus.WithField("code", code).Debug("container process exited")
	return code, nil
}
