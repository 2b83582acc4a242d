package image

import (
	"context"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ImageService defines the interface for managing container images.
type ImageService interface {
	// PullImage resolves an image reference and makes every layer available
	// unpacked in the local layer store.
	// refString is the image reference, e.g., "alpine:latest".
	PullImage(ctx context.Context, refString string) (Image, error)

	// GetImage resolves an image reference without downloading layers.
	GetImage(ctx context.Context, refString string) (Image, error)

	// Unpack returns the unpacked layer directories of a pulled image,
	// bottom-up.
	Unpack(img Image) ([]string, error)

	// DeleteImage removes a single layer given its digest, or every layer
	// of an image given a reference.
	DeleteImage(ctx context.Context, refString string) error
}

// Image represents a resolved container image.
type Image interface {
	// Ref returns the original reference string.
	Ref() string
	// Digest returns the manifest digest (sha256:...).
	Digest() string
	// Layers returns the digests of all layers in order.
	Layers() []string
	// Config returns the image configuration, or nil when it was not fetched.
	Config() *ocispec.Image
}
