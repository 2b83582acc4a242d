package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"mydocker/pkg/errdefs"
	"mydocker/pkg/layer"
	"mydocker/pkg/metrics"
	"mydocker/pkg/registry"
)

// layerDigestPattern matches the arguments of DeleteImage that name a layer
// rather than an image.
var layerDigestPattern = regexp.MustCompile(`^(sha256:)?[a-f0-9]{64}$`)

// Manager implements ImageService on top of a registry client and the
// local layer store.
type Manager struct {
	client *registry.Client
	layers *layer.Store
}

var _ ImageService = (*Manager)(nil)

// NewManager creates a new image manager.
func NewManager(client *registry.Client, layers *layer.Store) *Manager {
	return &Manager{client: client, layers: layers}
}

// image represents a resolved container image.
type image struct {
	ref    string
	digest string
	layers []string
	config *ocispec.Image
}

func (i *image) Ref() string {
	return i.ref
}

func (i *image) Digest() string {
	return i.digest
}

func (i *image) Layers() []string {
	return i.layers
}

func (i *image) Config() *ocispec.Image {
	return i.config
}

func newImage(refString string, m *registry.Manifest, config *ocispec.Image) *image {
	img := &image{ref: refString, digest: m.Digest.String(), config: config}
	for _, d := range m.LayerDigests() {
		img.layers = append(img.layers, d.String())
	}
	return img
}

// PullImage resolves refString and ensures each of its layers in order.
// Layers already present are not downloaded again.
func (m *Manager) PullImage(ctx context.Context, refString string) (Image, error) {
	timer := metrics.NewTimer("pull")
	defer timer.Stop()

	manifest, err := m.resolve(ctx, refString)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{
		"image":  manifest.Reference.String(),
		"digest": manifest.Digest,
	})

	for i, desc := range manifest.Layers {
		if m.layers.Has(desc.Digest) {
			log.Debugf("layer %d/%d %s already present", i+1, len(manifest.Layers), desc.Digest.Encoded()[:12])
			continue
		}
		log.Infof("pulling layer %d/%d %s (%d bytes)", i+1, len(manifest.Layers), desc.Digest.Encoded()[:12], desc.Size)
		if err := m.layers.Ensure(ctx, desc.Digest, m.download(manifest.Reference, desc.Digest)); err != nil {
			return nil, fmt.Errorf("failed to pull layer %s: %w", desc.Digest, err)
		}
	}

	config, err := m.client.FetchConfig(ctx, manifest)
	if err != nil {
		return nil, err
	}
	log.Infof("pulled %s", manifest.Reference)
	return newImage(refString, manifest, config), nil
}

// GetImage resolves refString without touching the layer store.
func (m *Manager) GetImage(ctx context.Context, refString string) (Image, error) {
	manifest, err := m.resolve(ctx, refString)
	if err != nil {
		return nil, err
	}
	return newImage(refString, manifest, nil), nil
}

// Unpack returns the unpacked directory of every layer of img, bottom-up.
func (m *Manager) Unpack(img Image) ([]string, error) {
	dirs := make([]string, 0, len(img.Layers()))
	for _, l := range img.Layers() {
		dgst, err := layer.ParseDigest(l)
		if err != nil {
			return nil, err
		}
		if !m.layers.Has(dgst) {
			return nil, fmt.Errorf("%w: %s of image %s", errdefs.ErrNoSuchLayer, dgst, img.Ref())
		}
		dirs = append(dirs, m.layers.UnpackedPath(dgst))
	}
	return dirs, nil
}

// DeleteImage removes the layer named by a digest, or all layers of the
// image named by a reference. For an image nothing is deleted unless every
// one of its layers is unreferenced.
func (m *Manager) DeleteImage(ctx context.Context, refString string) error {
	if layerDigestPattern.MatchString(refString) {
		dgst, err := layer.ParseDigest(refString)
		if err != nil {
			return err
		}
		return m.layers.Remove(ctx, dgst)
	}

	img, err := m.GetImage(ctx, refString)
	if err != nil {
		return err
	}

	digests := make([]digest.Digest, 0, len(img.Layers()))
	for _, l := range img.Layers() {
		dgst, err := layer.ParseDigest(l)
		if err != nil {
			return err
		}
		n, err := m.layers.Refcount(dgst)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s is used by %d container(s)", errdefs.ErrLayerInUse, dgst, n)
		}
		digests = append(digests, dgst)
	}

	var (
		result  *multierror.Error
		removed int
	)
	for _, dgst := range digests {
		err := m.layers.Remove(ctx, dgst)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, errdefs.ErrNoSuchLayer):
			logrus.Debugf("layer %s not present", dgst)
		default:
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: no layers of %s are stored", errdefs.ErrNoSuchLayer, refString)
	}
	logrus.Infof("removed %d layer(s) of %s", removed, refString)
	return nil
}

func (m *Manager) resolve(ctx context.Context, refString string) (*registry.Manifest, error) {
	ref, err := m.client.ParseReference(refString)
	if err != nil {
		return nil, err
	}
	manifest, err := m.client.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", refString, err)
	}
	return manifest, nil
}

func (m *Manager) download(ref *registry.Reference, dgst digest.Digest) layer.DownloadFunc {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return m.client.FetchBlob(ctx, ref, dgst)
	}
}
