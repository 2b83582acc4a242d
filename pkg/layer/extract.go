package layer

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const xattrPrefix = "SCHILY.xattr."

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// decompress detects the compression of a layer stream. Plain tar is passed
// through.
func decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read layer header: %w", err)
	}

	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, nil
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(br), nil
	}
}

// Extract unpacks a (possibly compressed) layer tarball into root. Every
// path is resolved inside root, including through symlinks created by
// earlier entries. Whiteout entries are written as the plain files they are
// in the archive.
func Extract(r io.Reader, root string) error {
	rc, err := decompress(r)
	if err != nil {
		return err
	}
	defer rc.Close()

	asRoot := os.Geteuid() == 0
	var dirs []*tar.Header
	dirTargets := make(map[*tar.Header]string)

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		target, err := resolve(root, hdr.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create parent directory for %s: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
				if err := os.Remove(target); err != nil {
					return fmt.Errorf("failed to replace %s with a directory: %w", hdr.Name, err)
				}
			}
			if err := os.Mkdir(target, 0755); err != nil && !errors.Is(err, os.ErrExist) {
				return fmt.Errorf("failed to create directory %s: %w", hdr.Name, err)
			}
			dirs = append(dirs, hdr)
			dirTargets[hdr] = target
			continue

		case tar.TypeReg, tar.TypeRegA:
			if err := removeExisting(target); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("failed to write file %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to close file %s: %w", hdr.Name, err)
			}

		case tar.TypeSymlink:
			if err := removeExisting(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", hdr.Name, err)
			}

		case tar.TypeLink:
			source, err := resolve(root, hdr.Linkname)
			if err != nil {
				return err
			}
			if source == "" {
				return fmt.Errorf("hardlink %s points at the layer root", hdr.Name)
			}
			if err := removeExisting(target); err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil {
				return fmt.Errorf("failed to create hardlink %s: %w", hdr.Name, err)
			}

		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			if err := removeExisting(target); err != nil {
				return err
			}
			if err := unix.Mknod(target, deviceMode(hdr), int(unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor)))); err != nil {
				if errors.Is(err, unix.EPERM) {
					logrus.Debugf("skipping device node %s: %v", hdr.Name, err)
					continue
				}
				return fmt.Errorf("failed to create device node %s: %w", hdr.Name, err)
			}

		default:
			logrus.Debugf("skipping unsupported tar entry %s (type %q)", hdr.Name, hdr.Typeflag)
			continue
		}

		if err := applyMetadata(target, hdr, asRoot); err != nil {
			return err
		}
	}

	// Directories last so that restrictive modes and mtimes are not
	// disturbed by their children.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := applyMetadata(dirTargets[dirs[i]], dirs[i], asRoot); err != nil {
			return err
		}
	}
	return nil
}

// resolve maps an archive path to a location inside root. The parent is
// resolved with symlinks scoped to root; the final component is kept so
// that entries replace symlinks rather than follow them. It returns "" for
// the root itself.
func resolve(root, name string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" {
		return "", nil
	}

	dir, base := path.Split(clean)
	parent, err := securejoin.SecureJoin(root, dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s in layer: %w", name, err)
	}
	return filepath.Join(parent, base), nil
}

func removeExisting(target string) error {
	fi, err := os.Lstat(target)
	if err != nil {
		return nil
	}
	if fi.IsDir() {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		return fmt.Errorf("failed to replace %s: %w", target, err)
	}
	return nil
}

func deviceMode(hdr *tar.Header) uint32 {
	mode := uint32(hdr.Mode & 07777)
	switch hdr.Typeflag {
	case tar.TypeChar:
		return mode | unix.S_IFCHR
	case tar.TypeBlock:
		return mode | unix.S_IFBLK
	default:
		return mode | unix.S_IFIFO
	}
}

// applyMetadata sets ownership, mode, xattrs and mtime on an extracted
// entry. Ownership needs root and is skipped otherwise.
func applyMetadata(target string, hdr *tar.Header, asRoot bool) error {
	if asRoot {
		if err := unix.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", hdr.Name, err)
		}
	}

	if hdr.Typeflag != tar.TypeSymlink {
		if err := unix.Chmod(target, uint32(hdr.Mode&07777)); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", hdr.Name, err)
		}
	}

	for key, value := range hdr.PAXRecords {
		attr, ok := strings.CutPrefix(key, xattrPrefix)
		if !ok {
			continue
		}
		if err := unix.Lsetxattr(target, attr, []byte(value), 0); err != nil {
			logrus.Debugf("skipping xattr %s on %s: %v", attr, hdr.Name, err)
		}
	}

	if hdr.ModTime.IsZero() {
		return nil
	}
	ts := []unix.Timespec{
		unix.NsecToTimespec(hdr.AccessTime.UnixNano()),
		unix.NsecToTimespec(hdr.ModTime.UnixNano()),
	}
	if hdr.AccessTime.IsZero() {
		ts[0] = ts[1]
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, target, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		logrus.Debugf("failed to set times on %s: %v", hdr.Name, err)
	}
	return nil
}
