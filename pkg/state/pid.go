package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"mydocker/pkg/errdefs"
)

// WritePID stores pid as ASCII decimal. The file is written to a temporary
// name and renamed so readers never observe a partial value.
func WritePID(path string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".pid-*")
	if err != nil {
		return fmt.Errorf("failed to create pid file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to publish pid file: %w", err)
	}
	return nil
}

// ReadPID returns the stored pid. ok is false when the file does not exist.
// Content that is not a positive integer yields errdefs.ErrCorrupted.
func ReadPID(path string) (pid int, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read pid file: %w", err)
	}

	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false, fmt.Errorf("%w: pid file %s holds %q", errdefs.ErrCorrupted, path, string(data))
	}
	return pid, true, nil
}

// Alive reports whether a process with this pid exists. A process owned by
// another user still counts as alive. A recycled pid reports true for a
// container that has long exited.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
