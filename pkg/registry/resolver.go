package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/containerd/platforms"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"mydocker/pkg/errdefs"
)

const maxManifestSize = 4 << 20

var manifestMediaTypes = []string{
	string(types.DockerManifestSchema2),
	string(types.DockerManifestList),
	string(types.OCIManifestSchema1),
	string(types.OCIImageIndex),
}

var acceptHeader = strings.Join(manifestMediaTypes, ", ")

// Manifest is a resolved single-platform image manifest.
type Manifest struct {
	Reference *Reference
	Digest    digest.Digest
	MediaType string
	Config    ocispec.Descriptor
	// Layers are ordered bottom-up.
	Layers []ocispec.Descriptor
}

// LayerDigests returns the layer digests in manifest order.
func (m *Manifest) LayerDigests() []digest.Digest {
	out := make([]digest.Digest, len(m.Layers))
	for i, l := range m.Layers {
		out[i] = l.Digest
	}
	return out
}

// rawManifest decodes both manifests and indexes of either flavor.
type rawManifest struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType"`
	Config        ocispec.Descriptor   `json:"config"`
	Layers        []ocispec.Descriptor `json:"layers"`
	Manifests     []ocispec.Descriptor `json:"manifests"`
}

// Resolve fetches the manifest of ref. Manifest lists are narrowed to the
// first entry matching the client's platform.
func (c *Client) Resolve(ctx context.Context, ref *Reference) (*Manifest, error) {
	m, raw, err := c.fetchManifest(ctx, ref)
	if err != nil {
		return nil, err
	}

	if types.MediaType(m.MediaType).IsIndex() {
		desc, err := c.selectPlatform(raw.Manifests)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ref, err)
		}
		logrus.WithFields(logrus.Fields{
			"image":    ref.String(),
			"platform": platforms.Format(*desc.Platform),
			"digest":   desc.Digest,
		}).Debug("selected manifest from index")

		m, raw, err = c.fetchManifest(ctx, ref.WithIdentifier(desc.Digest.String()))
		if err != nil {
			return nil, err
		}
		if types.MediaType(m.MediaType).IsIndex() {
			return nil, fmt.Errorf("%w: nested index in %s", errdefs.ErrUnsupportedManifest, ref)
		}
	}

	if len(raw.Layers) == 0 {
		return nil, fmt.Errorf("%w: %s has no layers", errdefs.ErrUnsupportedManifest, ref)
	}
	m.Reference = ref
	m.Config = raw.Config
	m.Layers = raw.Layers
	return m, nil
}

func (c *Client) fetchManifest(ctx context.Context, ref *Reference) (*Manifest, *rawManifest, error) {
	resp, err := c.authorizedGet(ctx, ref, ref.manifestURL(), manifestMediaTypes)
	if err != nil {
		if statusOf(err) == 404 {
			return nil, nil, fmt.Errorf("%w: %s", errdefs.ErrManifestUnknown, ref)
		}
		return nil, nil, fmt.Errorf("failed to fetch manifest %s: %w", ref, err)
	}
	defer closeBody(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading manifest %s: %v", errdefs.ErrRegistryUnreachable, ref, err)
	}
	if len(body) > maxManifestSize {
		return nil, nil, fmt.Errorf("%w: manifest %s exceeds %d bytes", errdefs.ErrUnsupportedManifest, ref, maxManifestSize)
	}

	dgst := digest.FromBytes(body)
	if ref.IsDigest() && digest.Digest(ref.Identifier) != dgst {
		return nil, nil, fmt.Errorf("%w: manifest %s has digest %s", errdefs.ErrDigestMismatch, ref, dgst)
	}

	var raw rawManifest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding manifest %s: %v", errdefs.ErrUnsupportedManifest, ref, err)
	}

	mediaType := mediaTypeOf(resp.Header.Get("Content-Type"), &raw)
	switch mt := types.MediaType(mediaType); {
	case mt.IsIndex(), mt.IsImage():
	default:
		return nil, nil, fmt.Errorf("%w: media type %q", errdefs.ErrUnsupportedManifest, mediaType)
	}

	return &Manifest{Digest: dgst, MediaType: mediaType}, &raw, nil
}

// mediaTypeOf prefers the body's mediaType over the Content-Type header,
// falling back to the shape of the document.
func mediaTypeOf(contentType string, raw *rawManifest) string {
	if raw.MediaType != "" {
		return raw.MediaType
	}
	if mt, _, _ := strings.Cut(contentType, ";"); strings.TrimSpace(mt) != "" && strings.TrimSpace(mt) != "application/json" {
		return strings.TrimSpace(mt)
	}
	if raw.SchemaVersion == 2 {
		if len(raw.Manifests) > 0 {
			return ocispec.MediaTypeImageIndex
		}
		return ocispec.MediaTypeImageManifest
	}
	return ""
}

// selectPlatform returns the first entry matching the platform exactly,
// then the first compatible one.
func (c *Client) selectPlatform(manifests []ocispec.Descriptor) (*ocispec.Descriptor, error) {
	want := platforms.DefaultSpec()
	if c.platform != "" {
		p, err := platforms.Parse(c.platform)
		if err != nil {
			return nil, fmt.Errorf("invalid platform %q: %w", c.platform, err)
		}
		want = p
	}

	for _, matcher := range []platforms.Matcher{platforms.OnlyStrict(want), platforms.Only(want)} {
		for i := range manifests {
			desc := &manifests[i]
			if desc.Platform == nil {
				continue
			}
			if matcher.Match(*desc.Platform) {
				return desc, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", errdefs.ErrNoCompatibleManifest, platforms.Format(want))
}

// FetchConfig retrieves and decodes the image configuration of m.
func (c *Client) FetchConfig(ctx context.Context, m *Manifest) (*ocispec.Image, error) {
	rc, err := c.FetchBlob(ctx, m.Reference, m.Config.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image config: %w", err)
	}
	defer rc.Close()

	verifier := m.Config.Digest.Verifier()
	data, err := io.ReadAll(io.TeeReader(io.LimitReader(rc, maxManifestSize), verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: reading image config: %v", errdefs.ErrRegistryUnreachable, err)
	}
	if !verifier.Verified() {
		return nil, fmt.Errorf("%w: image config %s", errdefs.ErrDigestMismatch, m.Config.Digest)
	}

	var img ocispec.Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("failed to decode image config: %w", err)
	}
	return &img, nil
}

// FetchBlob opens the blob dgst of ref's repository. The caller verifies
// the content and closes the reader.
func (c *Client) FetchBlob(ctx context.Context, ref *Reference, dgst digest.Digest) (io.ReadCloser, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidDigest, err)
	}
	resp, err := c.authorizedGet(ctx, ref, ref.blobURL(dgst), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", dgst, err)
	}
	return resp.Body, nil
}
