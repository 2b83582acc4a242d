package registry

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"

	"mydocker/pkg/errdefs"
)

const (
	// DockerHubRegistry is the API host of Docker Hub.
	DockerHubRegistry = "registry-1.docker.io"

	defaultTag = "latest"
)

// Reference identifies an image in a registry.
type Reference struct {
	Registry   string
	Repository string
	// Identifier is a tag or a digest.
	Identifier string

	scheme string
}

// ParseReference parses s the way docker does. References without a host
// resolve against defaultRegistry; Docker Hub single-segment repositories
// get the "library/" prefix.
func ParseReference(s, defaultRegistry string) (*Reference, error) {
	var opts []name.Option
	if defaultRegistry != "" && defaultRegistry != DockerHubRegistry && defaultRegistry != name.DefaultRegistry {
		opts = append(opts, name.WithDefaultRegistry(defaultRegistry))
	}

	ref, err := name.ParseReference(s, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", errdefs.ErrInvalidReference, s, err)
	}

	repo := ref.Context()
	registry := repo.RegistryStr()
	if registry == name.DefaultRegistry {
		registry = DockerHubRegistry
	}

	return &Reference{
		Registry:   registry,
		Repository: repo.RepositoryStr(),
		Identifier: ref.Identifier(),
		scheme:     repo.Registry.Scheme(),
	}, nil
}

// IsDigest reports whether the reference pins a digest.
func (r *Reference) IsDigest() bool {
	_, err := digest.Parse(r.Identifier)
	return err == nil
}

func (r *Reference) String() string {
	if r.IsDigest() {
		return fmt.Sprintf("%s/%s@%s", r.Registry, r.Repository, r.Identifier)
	}
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Identifier)
}

// WithIdentifier returns a copy pointing at another tag or digest of the same
// repository.
func (r *Reference) WithIdentifier(identifier string) *Reference {
	c := *r
	c.Identifier = identifier
	return &c
}

func (r *Reference) baseURL() string {
	scheme := r.scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/v2/%s", scheme, r.Registry, r.Repository)
}

func (r *Reference) manifestURL() string {
	return r.baseURL() + "/manifests/" + r.Identifier
}

func (r *Reference) blobURL(dgst digest.Digest) string {
	return r.baseURL() + "/blobs/" + dgst.String()
}

// pullScope is the token scope requested when a challenge names none.
func (r *Reference) pullScope() string {
	return fmt.Sprintf("repository:%s:pull", r.Repository)
}
