package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"mydocker/pkg/errdefs"
)

// DefaultPath is used when the container environment has no PATH.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Exit codes of the init stage when the command cannot be started.
const (
	exitNotExecutable = 126
	exitNotFound      = 127
)

// InitOptions are passed from Launch to the init stage on its command line.
type InitOptions struct {
	Rootfs     string
	WorkingDir string
	Args       []string
}

// Init runs inside the new namespaces. It does not return on success: the
// process image is replaced by the container command.
func Init(opts InitOptions) error {
	if len(opts.Args) == 0 {
		return errdefs.ErrNoCommand
	}

	// Keep our mounts from propagating back to the host.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return errdefs.Kernel("make / private", err)
	}
	if err := unix.Chroot(opts.Rootfs); err != nil {
		return errdefs.Kernel("chroot "+opts.Rootfs, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return errdefs.Kernel("chdir /", err)
	}

	if err := os.MkdirAll("/proc", 0555); err != nil {
		return fmt.Errorf("failed to create /proc: %w", err)
	}
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
		return errdefs.Kernel("mount /proc", err)
	}

	if opts.WorkingDir != "" {
		if err := os.MkdirAll(opts.WorkingDir, 0755); err != nil {
			return fmt.Errorf("failed to create working directory %s: %w", opts.WorkingDir, err)
		}
		if err := unix.Chdir(opts.WorkingDir); err != nil {
			return errdefs.Kernel("chdir "+opts.WorkingDir, err)
		}
	}

	if os.Getenv("PATH") == "" {
		os.Setenv("PATH", DefaultPath)
	}
	path, err := exec.LookPath(opts.Args[0])
	if err != nil {
		logrus.Errorf("%s: executable file not found", opts.Args[0])
		return &errdefs.ExitError{Code: exitNotFound}
	}

	err = unix.Exec(path, opts.Args, os.Environ())
	logrus.Errorf("failed to exec %s: %v", path, err)
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.ENOEXEC) {
		return &errdefs.ExitError{Code: exitNotExecutable}
	}
	return errdefs.Kernel("exec "+path, err)
}
