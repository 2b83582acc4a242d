package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"

	"mydocker/pkg/errdefs"
)

// ExecSpec describes a process to start inside a running container.
type ExecSpec struct {
	Args []string
	Env  []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Exec runs spec inside the container whose init has host pid pid and
// returns its exit code.
//
// A multithreaded process may not join another mount namespace, so the
// process only joins the PID namespace and reaches the container's
// filesystem through /proc/<pid>/root.
func Exec(ctx context.Context, pid int, spec *ExecSpec) (int, error) {
	if len(spec.Args) == 0 {
		return -1, errdefs.ErrNoCommand
	}

	root := fmt.Sprintf("/proc/%d/root", pid)
	argv0, err := resolveInRoot(root, spec.Args[0], lookupEnv(spec.Env, "PATH"))
	if err != nil {
		return -1, err
	}

	cmd := &exec.Cmd{
		Path:   argv0,
		Args:   spec.Args,
		Env:    spec.Env,
		Dir:    "/",
		Stdin:  spec.Stdin,
		Stdout: spec.Stdout,
		Stderr: spec.Stderr,
		SysProcAttr: &syscall.SysProcAttr{
			Chroot: root,
		},
	}

	type started struct {
		guard *ChildGuard
		err   error
	}
	ch := make(chan started, 1)

	// setns affects only the calling thread. The goroutine exits with the
	// thread still locked, which makes the runtime discard the thread
	// instead of reusing it with a foreign namespace.
	go func() {
		runtime.LockOSThread()
		g, err := spawnInPIDNamespace(pid, cmd)
		ch <- started{guard: g, err: err}
	}()

	s := <-ch
	if s.err != nil {
		return -1, s.err
	}
	defer s.guard.Release()

	return s.guard.Wait(ctx)
}

func spawnInPIDNamespace(pid int, cmd *exec.Cmd) (*ChildGuard, error) {
	ns, err := os.Open(fmt.Sprintf("/proc/%d/ns/pid", pid))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrNotRunning, err)
	}
	defer ns.Close()

	if err := unix.Setns(int(ns.Fd()), unix.CLONE_NEWPID); err != nil {
		return nil, errdefs.Kernel("join pid namespace of "+strconv.Itoa(pid), err)
	}
	return Start(cmd)
}

// resolveInRoot finds name the way execvp would inside root and returns
// the path as seen from within root.
func resolveInRoot(root, name, pathEnv string) (string, error) {
	if strings.Contains(name, "/") {
		if err := checkExecutable(root, name); err != nil {
			return "", err
		}
		return name, nil
	}

	if pathEnv == "" {
		pathEnv = DefaultPath
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if !path.IsAbs(dir) {
			continue
		}
		candidate := path.Join(dir, name)
		if checkExecutable(root, candidate) == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s: executable file not found in $PATH", errdefs.ErrNoCommand, name)
}

func checkExecutable(root, name string) error {
	host, err := securejoin.SecureJoin(root, path.Join("/", name))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	fi, err := os.Stat(host)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errdefs.ErrNoCommand, name, err)
	}
	if fi.IsDir() || fi.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%w: %s is not executable", errdefs.ErrNoCommand, name)
	}
	return nil
}

func lookupEnv(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v
		}
	}
	return ""
}
