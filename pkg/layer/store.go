// Package layer is the content-addressed layer store.
//
// A layer is downloaded once to layers/<hex>.tar.gz, verified against its
// digest and unpacked once to layers/<hex>/. Unpacked layers are shared by
// every container that links them as a lower directory; their reference
// count is derived from those links rather than stored.
package layer

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"mydocker/pkg/errdefs"
	"mydocker/pkg/layout"
	"mydocker/pkg/metrics"
)

// DownloadFunc opens the packed content of a layer.
type DownloadFunc func(ctx context.Context) (io.ReadCloser, error)

// Backend is the storage capability the rest of mydocker depends on.
type Backend interface {
	Has(dgst digest.Digest) bool
	PutPacked(ctx context.Context, dgst digest.Digest, r io.Reader) error
	UnpackedPath(dgst digest.Digest) string
}

// Info describes a stored layer.
type Info struct {
	Digest   digest.Digest
	Packed   bool
	Unpacked bool
	Size     int64
	Refcount int
}

// Store keeps layers on the local filesystem.
type Store struct {
	layout *layout.Layout
	// lockPoll is how often a contended layer lock is retried.
	lockPoll time.Duration
}

var _ Backend = (*Store)(nil)

func NewStore(l *layout.Layout) *Store {
	return &Store{layout: l, lockPoll: 100 * time.Millisecond}
}

// ParseDigest accepts "sha256:<hex>" or a bare hex digest.
func ParseDigest(s string) (digest.Digest, error) {
	if !strings.Contains(s, ":") {
		s = string(digest.Canonical) + ":" + s
	}
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", errdefs.ErrInvalidDigest, s, err)
	}
	return d, nil
}

// Has reports whether the layer is unpacked and ready to be linked.
func (s *Store) Has(dgst digest.Digest) bool {
	fi, err := os.Stat(s.layout.LayerDir(dgst))
	return err == nil && fi.IsDir()
}

func (s *Store) UnpackedPath(dgst digest.Digest) string {
	return s.layout.LayerDir(dgst)
}

// Ensure makes the layer available unpacked, downloading it if needed. It is
// idempotent and safe to call from concurrent processes.
func (s *Store) Ensure(ctx context.Context, dgst digest.Digest, download DownloadFunc) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidDigest, err)
	}
	if s.Has(dgst) {
		return nil
	}

	unlock, err := s.lock(ctx, dgst)
	if err != nil {
		return err
	}
	defer unlock()

	// A peer may have finished while we waited for the lock.
	if s.Has(dgst) {
		return nil
	}
	s.removePartials(dgst)

	// A stored layer that fails verification is deleted by unpack and the
	// error returned, so the next call downloads it again.
	if _, err := os.Stat(s.layout.PackedLayer(dgst)); err == nil {
		return s.unpack(dgst)
	}

	rc, err := download(ctx)
	if err != nil {
		return fmt.Errorf("failed to download layer %s: %w", dgst, err)
	}
	defer rc.Close()

	if err := s.putPacked(ctx, dgst, rc); err != nil {
		return err
	}
	return s.unpack(dgst)
}

// PutPacked stores r as the packed layer dgst after verifying its digest.
func (s *Store) PutPacked(ctx context.Context, dgst digest.Digest, r io.Reader) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidDigest, err)
	}
	unlock, err := s.lock(ctx, dgst)
	if err != nil {
		return err
	}
	defer unlock()
	return s.putPacked(ctx, dgst, r)
}

func (s *Store) putPacked(ctx context.Context, dgst digest.Digest, r io.Reader) error {
	partial := s.layout.PartialPacked(dgst)
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(partial), err)
	}
	published := false
	defer func() {
		if !published {
			os.Remove(partial)
		}
	}()

	verifier := dgst.Verifier()
	var counter metrics.Counter
	timer := metrics.NewTimer("download " + dgst.Encoded()[:12])

	_, err = io.Copy(io.MultiWriter(f, verifier, &counter), &contextReader{ctx: ctx, r: r})
	if cerr := f.Sync(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: downloading layer %s: %v", errdefs.ErrRegistryUnreachable, dgst, err)
	}
	timer.Stop()

	if !verifier.Verified() {
		return fmt.Errorf("%w: layer %s", errdefs.ErrDigestMismatch, dgst)
	}
	if err := os.Rename(partial, s.layout.PackedLayer(dgst)); err != nil {
		return fmt.Errorf("failed to publish layer %s: %w", dgst, err)
	}
	published = true

	logrus.WithFields(logrus.Fields{
		"digest": dgst,
		"bytes":  counter.Bytes,
	}).Info("downloaded layer")
	return nil
}

// Unpack verifies the packed layer and extracts it.
func (s *Store) Unpack(ctx context.Context, dgst digest.Digest) error {
	unlock, err := s.lock(ctx, dgst)
	if err != nil {
		return err
	}
	defer unlock()

	if s.Has(dgst) {
		return nil
	}
	return s.unpack(dgst)
}

func (s *Store) unpack(dgst digest.Digest) error {
	packed := s.layout.PackedLayer(dgst)
	if err := verifyFile(packed, dgst); err != nil {
		if errors.Is(err, errdefs.ErrDigestMismatch) {
			os.Remove(packed)
		}
		return err
	}

	f, err := os.Open(packed)
	if err != nil {
		return fmt.Errorf("failed to open layer %s: %w", dgst, err)
	}
	defer f.Close()

	partial := s.layout.PartialLayerDir(dgst)
	if err := removeTree(partial); err != nil {
		return err
	}
	if err := os.Mkdir(partial, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(partial), err)
	}

	if err := Extract(f, partial); err != nil {
		removeTree(partial)
		return fmt.Errorf("failed to unpack layer %s: %w", dgst, err)
	}
	if err := os.Rename(partial, s.layout.LayerDir(dgst)); err != nil {
		removeTree(partial)
		return fmt.Errorf("failed to publish layer %s: %w", dgst, err)
	}
	logrus.WithField("digest", dgst).Debug("unpacked layer")
	return nil
}

func verifyFile(path string, dgst digest.Digest) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	verifier := dgst.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: stored layer %s", errdefs.ErrDigestMismatch, dgst)
	}
	return nil
}

// Refcount counts the container lower links pointing at the layer.
func (s *Store) Refcount(dgst digest.Digest) (int, error) {
	refs, err := s.refcounts()
	if err != nil {
		return 0, err
	}
	return refs[dgst.Encoded()], nil
}

// refcounts scans containers/*/layers/lower/* once and counts link targets
// by hex digest.
func (s *Store) refcounts() (map[string]int, error) {
	links, err := filepath.Glob(filepath.Join(s.layout.ContainersDir(), "*", "layers", "lower", "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan container layers: %w", err)
	}

	refs := make(map[string]int)
	for _, link := range links {
		target, err := os.Readlink(link)
		if err != nil {
			continue
		}
		refs[filepath.Base(target)]++
	}
	return refs, nil
}

// Remove deletes a layer that no container references.
func (s *Store) Remove(ctx context.Context, dgst digest.Digest) error {
	unlock, err := s.lock(ctx, dgst)
	if err != nil {
		return err
	}
	defer unlock()

	n, err := s.Refcount(dgst)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s is used by %d container(s)", errdefs.ErrLayerInUse, dgst, n)
	}

	packed, unpacked := s.layout.PackedLayer(dgst), s.layout.LayerDir(dgst)
	_, perr := os.Lstat(packed)
	_, uerr := os.Lstat(unpacked)
	if perr != nil && uerr != nil {
		return fmt.Errorf("%w: %s", errdefs.ErrNoSuchLayer, dgst)
	}

	if err := removeTree(unpacked); err != nil {
		return err
	}
	for _, file := range []string{packed, layout.WhiteoutRecord(unpacked)} {
		if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove layer %s: %w", dgst, err)
		}
	}
	s.removePartials(dgst)
	return nil
}

// Pin takes the locks of dgsts in digest order and checks that each layer
// is unpacked. Until release is called no layer can be removed, which lets
// a caller link them into a container without racing rmi.
func (s *Store) Pin(ctx context.Context, dgsts []digest.Digest) (release func(), err error) {
	sorted := append([]digest.Digest(nil), dgsts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var unlocks []func()
	release = func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for i, dgst := range sorted {
		// flock is per open file, so a repeated digest would wait on itself.
		if i > 0 && dgst == sorted[i-1] {
			continue
		}
		unlock, err := s.lock(ctx, dgst)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
		if !s.Has(dgst) {
			release()
			return nil, fmt.Errorf("%w: %s", errdefs.ErrNoSuchLayer, dgst)
		}
	}
	return release, nil
}

// List returns every stored layer in digest order.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.layout.LayersDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read layers directory: %w", err)
	}
	refs, err := s.refcounts()
	if err != nil {
		return nil, err
	}

	byHex := make(map[string]*Info)
	get := func(hex string) *Info {
		info, ok := byHex[hex]
		if !ok {
			info = &Info{Digest: digest.NewDigestFromEncoded(digest.Canonical, hex), Refcount: refs[hex]}
			byHex[hex] = info
		}
		return info
	}

	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir() && digest.Canonical.Validate(name) == nil:
			get(name).Unpacked = true
		case strings.HasSuffix(name, ".tar.gz"):
			hex := strings.TrimSuffix(name, ".tar.gz")
			if digest.Canonical.Validate(hex) != nil {
				continue
			}
			info := get(hex)
			info.Packed = true
			if fi, err := e.Info(); err == nil {
				info.Size = fi.Size()
			}
		}
	}

	infos := make([]Info, 0, len(byHex))
	for _, info := range byHex {
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Digest < infos[j].Digest })
	return infos, nil
}

// lock takes the per-digest advisory lock shared with other mydocker
// processes.
func (s *Store) lock(ctx context.Context, dgst digest.Digest) (func(), error) {
	if err := os.MkdirAll(s.layout.LayersDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create layers directory: %w", err)
	}
	path := s.layout.LayerLock(dgst)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open layer lock: %w", err)
	}

	waiting := false
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, errdefs.Kernel("flock "+filepath.Base(path), err)
		}
		if !waiting {
			logrus.WithField("digest", dgst).Info("waiting for another process working on layer")
			waiting = true
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(s.lockPoll):
		}
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// removePartials deletes leftovers of an interrupted download or unpack.
func (s *Store) removePartials(dgst digest.Digest) {
	os.Remove(s.layout.PartialPacked(dgst))
	if err := removeTree(s.layout.PartialLayerDir(dgst)); err != nil {
		logrus.Warnf("failed to remove partial layer %s: %v", dgst, err)
	}
}

// removeTree is os.RemoveAll that also copes with read-only directories
// extracted from a layer.
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

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
