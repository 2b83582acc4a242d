package overlay

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"mydocker/pkg/errdefs"
	"mydocker/pkg/layout"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutMeta   = ".wh..wh."
	opaqueMarker   = ".wh..wh..opq"
	opaqueXattr    = "trusted.overlay.opaque"
)

// Replaced in tests; both need CAP_SYS_ADMIN or CAP_MKNOD.
var (
	mknod     = unix.Mknod
	lsetxattr = unix.Lsetxattr
)

// ConvertWhiteouts rewrites OCI whiteout files in an unpacked layer into the
// form overlayfs understands: ".wh.NAME" becomes a 0:0 character device
// NAME and ".wh..wh..opq" marks its directory opaque.
//
// The markers are moved out of the layer into its whiteout record, one path
// per line relative to root. A layer that has a record is already converted
// and is not walked again.
func ConvertWhiteouts(root string) error {
	record := layout.WhiteoutRecord(root)
	if _, err := os.Stat(record); err == nil {
		return nil
	}

	var markers []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasPrefix(name, whiteoutPrefix) {
			return nil
		}
		dir := filepath.Dir(path)

		switch {
		case name == opaqueMarker:
			if err := lsetxattr(dir, opaqueXattr, []byte("y"), 0); err != nil {
				return errdefs.Kernel("mark "+dir+" opaque", err)
			}
		case strings.HasPrefix(name, whiteoutMeta):
			// Other metadata entries (e.g. hardlink dirs) have no overlay
			// meaning.
		default:
			target := filepath.Join(dir, strings.TrimPrefix(name, whiteoutPrefix))
			if err := mknod(target, unix.S_IFCHR, 0); err != nil && !errors.Is(err, unix.EEXIST) {
				return errdefs.Kernel("create whiteout "+target, err)
			}
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove whiteout marker %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		markers = append(markers, rel)
		return nil
	})
	if err != nil {
		return err
	}
	return writeRecord(record, markers)
}

func writeRecord(path string, markers []string) error {
	var data []byte
	for _, m := range markers {
		data = append(data, m...)
		data = append(data, '\n')
	}
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write whiteout record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish whiteout record: %w", err)
	}
	return nil
}
