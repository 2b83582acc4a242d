// Package layout is the on-disk directory scheme of mydocker.
//
// Everything lives under a single root:
//
//	layers/<hex>.tar.gz                     packed layer
//	layers/<hex>/                           unpacked layer
//	layers/<hex>.whiteouts                  markers converted for overlayfs
//	containers/<name>/rootfs/               overlay mount point
//	containers/<name>/layers/lower/<N>      symlink to layers/<hex>
//	containers/<name>/layers/writable/upper/
//	containers/<name>/layers/writable/work/
//	containers/<name>/pid                   ASCII decimal PID
//	containers/<name>/config.json           container record
//
// The layout is the only source of truth; there is no separate index.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/opencontainers/go-digest"

	"mydocker/pkg/errdefs"
)

const (
	containersDir = "containers"
	layersDir     = "layers"

	packedSuffix  = ".tar.gz"
	partialSuffix = ".partial"
	lockSuffix    = ".lock"

	whiteoutSuffix = ".whiteouts"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Layout resolves paths under Root.
type Layout struct {
	Root string
}

func New(root string) *Layout {
	return &Layout{Root: filepath.Clean(root)}
}

// EnsureBase creates the containers and layers directories.
func (l *Layout) EnsureBase() error {
	for _, dir := range []string{l.ContainersDir(), l.LayersDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (l *Layout) ContainersDir() string {
	return filepath.Join(l.Root, containersDir)
}

func (l *Layout) LayersDir() string {
	return filepath.Join(l.Root, layersDir)
}

func (l *Layout) ContainerDir(name string) string {
	return filepath.Join(l.ContainersDir(), name)
}

func (l *Layout) PIDFile(name string) string {
	return filepath.Join(l.ContainerDir(name), "pid")
}

func (l *Layout) ConfigFile(name string) string {
	return filepath.Join(l.ContainerDir(name), "config.json")
}

func (l *Layout) RootfsDir(name string) string {
	return filepath.Join(l.ContainerDir(name), "rootfs")
}

// ContainerLayersDir holds the lower links and the writable layer.
func (l *Layout) ContainerLayersDir(name string) string {
	return filepath.Join(l.ContainerDir(name), "layers")
}

func (l *Layout) LowerDir(name string) string {
	return filepath.Join(l.ContainerLayersDir(name), "lower")
}

// LowerLink is the symlink for the index-th layer, counted bottom-up.
func (l *Layout) LowerLink(name string, index int) string {
	return filepath.Join(l.LowerDir(name), strconv.Itoa(index))
}

func (l *Layout) WritableDir(name string) string {
	return filepath.Join(l.ContainerLayersDir(name), "writable")
}

func (l *Layout) UpperDir(name string) string {
	return filepath.Join(l.WritableDir(name), "upper")
}

func (l *Layout) WorkDir(name string) string {
	return filepath.Join(l.WritableDir(name), "work")
}

// LayerDir is the unpacked directory of a layer.
func (l *Layout) LayerDir(dgst digest.Digest) string {
	return filepath.Join(l.LayersDir(), dgst.Encoded())
}

// PackedLayer is the compressed tarball of a layer.
func (l *Layout) PackedLayer(dgst digest.Digest) string {
	return l.LayerDir(dgst) + packedSuffix
}

// PartialPacked is where a download streams before verification.
func (l *Layout) PartialPacked(dgst digest.Digest) string {
	return l.PackedLayer(dgst) + partialSuffix
}

// PartialLayerDir is where a layer is extracted before it is published.
func (l *Layout) PartialLayerDir(dgst digest.Digest) string {
	return l.LayerDir(dgst) + partialSuffix
}

// LayerLock serializes processes working on the same digest.
func (l *Layout) LayerLock(dgst digest.Digest) string {
	return l.LayerDir(dgst) + lockSuffix
}

// WhiteoutRecord lists the whiteout markers taken out of an unpacked layer
// directory when it was converted for overlayfs.
func WhiteoutRecord(layerDir string) string {
	return layerDir + whiteoutSuffix
}

// ValidateName rejects names that could escape the containers directory.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", errdefs.ErrInvalidName, name)
	}
	return nil
}
