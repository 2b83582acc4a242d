package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydocker/pkg/errdefs"
)

// fakeRegistry serves manifests and blobs for repository "test/app" behind
// a bearer token endpoint.
type fakeRegistry struct {
	*httptest.Server

	manifests map[string][]byte // by tag or digest
	types     map[string]string
	blobs     map[digest.Digest][]byte

	tokenRequests atomic.Int32
	headRequests  atomic.Int32
	failures      atomic.Int32 // remaining 503s to serve on manifest GETs
	anonymous     bool
	token         string
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	r := &fakeRegistry{
		manifests: make(map[string][]byte),
		types:     make(map[string]string),
		blobs:     make(map[digest.Digest][]byte),
		token:     "secret",
	}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Close)
	return r
}

func (r *fakeRegistry) host() string {
	return strings.TrimPrefix(r.URL, "http://")
}

func (r *fakeRegistry) ref(t *testing.T, identifier string) *Reference {
	t.Helper()
	sep := ":"
	if strings.HasPrefix(identifier, "sha256:") {
		sep = "@"
	}
	ref, err := ParseReference(r.host()+"/test/app"+sep+identifier, DockerHubRegistry)
	require.NoError(t, err)
	return ref
}

func (r *fakeRegistry) addManifest(mediaType string, v any, tags ...string) digest.Digest {
	data, _ := json.Marshal(v)
	dgst := digest.FromBytes(data)
	for _, key := range append(tags, dgst.String()) {
		r.manifests[key] = data
		r.types[key] = mediaType
	}
	return dgst
}

func (r *fakeRegistry) addBlob(data []byte) ocispec.Descriptor {
	dgst := digest.FromBytes(data)
	r.blobs[dgst] = data
	return ocispec.Descriptor{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: dgst, Size: int64(len(data))}
}

func (r *fakeRegistry) serve(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/token" {
		r.tokenRequests.Add(1)
		if req.URL.Query().Get("scope") != "repository:test/app:pull" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": r.token, "expires_in": 300})
		return
	}

	if req.Method == http.MethodHead {
		r.headRequests.Add(1)
	}
	if !r.anonymous && req.Header.Get("Authorization") != "Bearer "+r.token {
		w.Header().Set("WWW-Authenticate", (&BearerChallenge{
			Realm:   r.URL + "/token",
			Service: "fake",
			Scope:   "repository:test/app:pull",
		}).String())
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	const prefix = "/v2/test/app/"
	rest := strings.TrimPrefix(req.URL.Path, prefix)
	switch {
	case strings.HasPrefix(rest, "manifests/"):
		if r.failures.Load() > 0 && req.Method == http.MethodGet {
			r.failures.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		key := strings.TrimPrefix(rest, "manifests/")
		data, ok := r.manifests[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", r.types[key])
		w.Write(data)
	case strings.HasPrefix(rest, "blobs/"):
		data, ok := r.blobs[digest.Digest(strings.TrimPrefix(rest, "blobs/"))]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(platform string) *Client {
	c := NewClient(Options{Platform: platform, RetryBackoff: time.Millisecond})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func imageManifest(config ocispec.Descriptor, layers ...ocispec.Descriptor) ocispec.Manifest {
	m := ocispec.Manifest{MediaType: ocispec.MediaTypeImageManifest, Config: config, Layers: layers}
	m.SchemaVersion = 2
	return m
}

func TestResolve_SingleManifest(t *testing.T) {
	reg := newFakeRegistry(t)
	config := reg.addBlob([]byte(`{"architecture":"amd64","os":"linux","config":{"Cmd":["/bin/sh"]}}`))
	l1 := reg.addBlob([]byte("layer-1"))
	l2 := reg.addBlob([]byte("layer-2"))
	mdgst := reg.addManifest(ocispec.MediaTypeImageManifest, imageManifest(config, l1, l2), "latest")

	c := newTestClient("linux/amd64")
	m, err := c.Resolve(context.Background(), reg.ref(t, "latest"))
	require.NoError(t, err)

	assert.Equal(t, mdgst, m.Digest)
	assert.Equal(t, []digest.Digest{l1.Digest, l2.Digest}, m.LayerDigests())

	img, err := c.FetchConfig(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh"}, img.Config.Cmd)

	// One probe and one token fetch serve every request of the invocation.
	assert.EqualValues(t, 1, reg.tokenRequests.Load())
	assert.EqualValues(t, 1, reg.headRequests.Load())
}

func TestResolve_IndexSelectsPlatform(t *testing.T) {
	reg := newFakeRegistry(t)
	config := reg.addBlob([]byte(`{}`))
	amd := reg.addManifest(ocispec.MediaTypeImageManifest, imageManifest(config, reg.addBlob([]byte("amd64"))))
	arm := reg.addManifest(ocispec.MediaTypeImageManifest, imageManifest(config, reg.addBlob([]byte("arm64"))))

	index := map[string]any{
		"schemaVersion": 2,
		"mediaType":     string(types.DockerManifestList),
		"manifests": []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeImageManifest, Digest: digest.FromString("attestation")},
			{MediaType: ocispec.MediaTypeImageManifest, Digest: arm, Platform: &ocispec.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}},
			{MediaType: ocispec.MediaTypeImageManifest, Digest: amd, Platform: &ocispec.Platform{OS: "linux", Architecture: "amd64"}},
		},
	}
	reg.addManifest(string(types.DockerManifestList), index, "multi")

	c := newTestClient("linux/amd64")
	m, err := c.Resolve(context.Background(), reg.ref(t, "multi"))
	require.NoError(t, err)
	assert.Equal(t, amd, m.Digest)

	c = newTestClient("linux/arm64")
	m, err = c.Resolve(context.Background(), reg.ref(t, "multi"))
	require.NoError(t, err)
	assert.Equal(t, arm, m.Digest)

	c = newTestClient("linux/s390x")
	_, err = c.Resolve(context.Background(), reg.ref(t, "multi"))
	assert.ErrorIs(t, err, errdefs.ErrNoCompatibleManifest)
	assert.Equal(t, errdefs.ExitRegistry, errdefs.ExitCode(err))
}

func TestResolve_UnknownTag(t *testing.T) {
	reg := newFakeRegistry(t)

	_, err := newTestClient("").Resolve(context.Background(), reg.ref(t, "missing"))
	assert.ErrorIs(t, err, errdefs.ErrManifestUnknown)
}

func TestResolve_DigestMismatch(t *testing.T) {
	reg := newFakeRegistry(t)
	config := reg.addBlob([]byte(`{}`))
	reg.addManifest(ocispec.MediaTypeImageManifest, imageManifest(config, reg.addBlob([]byte("x"))), "latest")

	bogus := digest.FromString("other")
	reg.manifests[bogus.String()] = reg.manifests["latest"]
	reg.types[bogus.String()] = ocispec.MediaTypeImageManifest

	_, err := newTestClient("").Resolve(context.Background(), reg.ref(t, bogus.String()))
	assert.ErrorIs(t, err, errdefs.ErrDigestMismatch)
}

func TestResolve_RetriesServerErrors(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.anonymous = true
	config := reg.addBlob([]byte(`{}`))
	reg.addManifest(ocispec.MediaTypeImageManifest, imageManifest(config, reg.addBlob([]byte("x"))), "latest")

	reg.failures.Store(2)
	_, err := newTestClient("").Resolve(context.Background(), reg.ref(t, "latest"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, reg.tokenRequests.Load(), "anonymous registries need no token")

	reg.failures.Store(3)
	_, err = newTestClient("").Resolve(context.Background(), reg.ref(t, "latest"))
	var se *errdefs.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
}

func TestFetchBlob(t *testing.T) {
	reg := newFakeRegistry(t)
	desc := reg.addBlob([]byte("payload"))

	c := newTestClient("")
	rc, err := c.FetchBlob(context.Background(), reg.ref(t, "latest"), desc.Digest)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	_, err = c.FetchBlob(context.Background(), reg.ref(t, "latest"), digest.FromString("absent"))
	var se *errdefs.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)

	_, err = c.FetchBlob(context.Background(), reg.ref(t, "latest"), "sha256:bogus")
	assert.ErrorIs(t, err, errdefs.ErrInvalidDigest)
}

func TestAcquireToken_Refresh(t *testing.T) {
	reg := newFakeRegistry(t)
	c := newTestClient("")
	now := time.Now()
	c.now = func() time.Time { return now }

	ref := reg.ref(t, "latest")
	tok, err := c.AcquireToken(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "secret", tok.Value)

	_, err = c.AcquireToken(context.Background(), ref)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reg.tokenRequests.Load())

	now = now.Add(10 * time.Minute)
	_, err = c.AcquireToken(context.Background(), ref)
	require.NoError(t, err)
	assert.EqualValues(t, 2, reg.tokenRequests.Load(), "expired token is fetched again")
}

func TestAcquireToken_Rejected(t *testing.T) {
	reg := newFakeRegistry(t)
	c := newTestClient("")

	ref, err := ParseReference(reg.host()+"/other/repo:latest", DockerHubRegistry)
	require.NoError(t, err)

	// The fake challenge always names test/app, so force a foreign scope.
	_, err = c.fetchToken(context.Background(), &BearerChallenge{
		Realm: reg.URL + "/token",
		Scope: ref.pullScope(),
	})
	var rejected *errdefs.TokenRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusForbidden, rejected.Status)
}

func TestAcquireToken_EndpointUnreachable(t *testing.T) {
	c := newTestClient("")
	_, err := c.fetchToken(context.Background(), &BearerChallenge{Realm: "http://127.0.0.1:1/token", Scope: "s"})
	assert.ErrorIs(t, err, errdefs.ErrTokenEndpointUnreachable)
}

func TestDoWithRetry_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient("")
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.doWithRetry(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDoWithRetry_ConnectError(t *testing.T) {
	c := newTestClient("")
	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/v2/", nil)
	_, err := c.doWithRetry(req)
	assert.ErrorIs(t, err, errdefs.ErrRegistryUnreachable)
}

func TestDoWithRetry_Canceled(t *testing.T) {
	c := NewClient(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:1/v2/", nil)
	_, err := c.doWithRetry(req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	for attempt, want := range map[int]time.Duration{1: 100, 2: 200, 3: 400} {
		assert.Equal(t, want*time.Millisecond, calculateBackoff(attempt, 100*time.Millisecond), fmt.Sprint(attempt))
	}
}
