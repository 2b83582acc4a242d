// Package overlay assembles the per-container root filesystem: read-only
// image layers stacked under a private writable layer with overlayfs.
package overlay

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"mydocker/pkg/errdefs"
	"mydocker/pkg/layout"
)

const (
	unmountRetries = 5
	unmountBackoff = 100 * time.Millisecond
)

// Mount describes an overlay mount. Lower is ordered bottom-up, the way
// layers appear in a manifest.
type Mount struct {
	Target string
	Lower  []string
	Upper  string
	Work   string
}

// Options renders the overlay mount data. overlayfs expects the topmost
// lower directory first.
func (m *Mount) Options() string {
	lower := make([]string, len(m.Lower))
	for i, dir := range m.Lower {
		lower[len(m.Lower)-1-i] = dir
	}
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(lower, ":"), m.Upper, m.Work)
}

// Manager builds and tears down container root filesystems.
type Manager struct {
	layout *layout.Layout
}

func NewManager(l *layout.Layout) *Manager {
	return &Manager{layout: l}
}

// Assemble links layers (unpacked directories, bottom-up) as the lower
// directories of container name and mounts the overlay on its rootfs. The
// caller keeps the layers pinned in the layer store until it returns.
func (m *Manager) Assemble(name string, layers []string) (*Mount, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("container %s has no layers", name)
	}

	mnt := &Mount{
		Target: m.layout.RootfsDir(name),
		Upper:  m.layout.UpperDir(name),
		Work:   m.layout.WorkDir(name),
	}
	for _, dir := range []string{m.layout.LowerDir(name), mnt.Upper, mnt.Work, mnt.Target} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	for i, dir := range layers {
		if err := ConvertWhiteouts(dir); err != nil {
			return nil, fmt.Errorf("failed to prepare layer %s: %w", filepath.Base(dir), err)
		}
		link := m.layout.LowerLink(name, i)
		if err := os.Symlink(dir, link); err != nil && !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to link layer %d: %w", i, err)
		}
		mnt.Lower = append(mnt.Lower, link)
	}

	logrus.WithFields(logrus.Fields{
		"container": name,
		"layers":    len(layers),
	}).Debugf("mounting overlay: %s", mnt.Options())

	if err := unix.Mount("overlay", mnt.Target, "overlay", 0, mnt.Options()); err != nil {
		return nil, errdefs.Kernel("mount overlay on "+mnt.Target, err)
	}
	return mnt, nil
}

// Unmount detaches the overlay of container name if it is mounted.
func (m *Manager) Unmount(name string) error {
	return Unmount(m.layout.RootfsDir(name))
}

// Teardown unmounts the rootfs and deletes the lower links and the writable
// layer. The container directory itself is left to the caller.
func (m *Manager) Teardown(name string) error {
	if err := m.Unmount(name); err != nil {
		return err
	}

	var result *multierror.Error
	for _, dir := range []string{
		m.layout.LowerDir(name),
		m.layout.WritableDir(name),
		m.layout.RootfsDir(name),
	} {
		if err := removeTree(dir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Unmount detaches the mount at target. A busy mount is retried and finally
// lazily detached. Unmounting something that is not mounted succeeds.
func Unmount(target string) error {
	mounted, err := isMounted(target)
	if err != nil || !mounted {
		return err
	}

	for attempt := 1; ; attempt++ {
		err = unix.Unmount(target, 0)
		if err == nil || errors.Is(err, unix.EINVAL) {
			break
		}
		if !errors.Is(err, unix.EBUSY) {
			return errdefs.Kernel("unmount "+target, err)
		}
		if attempt >= unmountRetries {
			logrus.Warnf("%s is busy, detaching lazily", target)
			if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
				return errdefs.Kernel("detach "+target, err)
			}
			break
		}
		time.Sleep(unmountBackoff)
	}

	if mounted, err := isMounted(target); err != nil {
		return err
	} else if mounted {
		return errdefs.Kernel("unmount "+target, unix.EBUSY)
	}
	return nil
}

func isMounted(target string) (bool, error) {
	mounted, err := mountinfo.Mounted(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check mount %s: %w", target, err)
	}
	return mounted, nil
}

// removeTree removes dir, making read-only directories from the writable
// layer writable first when needed.
func removeTree(dir string) error {
	if err := os.RemoveAll(dir); err == nil {
		return nil
	}
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			os.Chmod(path, 0755)
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}
