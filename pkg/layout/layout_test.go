package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydocker/pkg/errdefs"
)

func TestContainerPaths(t *testing.T) {
	l := New("/tmp/mydocker/")

	assert.Equal(t, "/tmp/mydocker/containers/c1", l.ContainerDir("c1"))
	assert.Equal(t, "/tmp/mydocker/containers/c1/pid", l.PIDFile("c1"))
	assert.Equal(t, "/tmp/mydocker/containers/c1/rootfs", l.RootfsDir("c1"))
	assert.Equal(t, "/tmp/mydocker/containers/c1/layers/lower/2", l.LowerLink("c1", 2))
	assert.Equal(t, "/tmp/mydocker/containers/c1/layers/writable/upper", l.UpperDir("c1"))
	assert.Equal(t, "/tmp/mydocker/containers/c1/layers/writable/work", l.WorkDir("c1"))
}

func TestLayerPaths(t *testing.T) {
	l := New("/tmp/mydocker")
	dgst := digest.FromString("layer")

	assert.Equal(t, filepath.Join("/tmp/mydocker/layers", dgst.Encoded()), l.LayerDir(dgst))
	assert.Equal(t, l.LayerDir(dgst)+".tar.gz", l.PackedLayer(dgst))
	assert.Equal(t, l.LayerDir(dgst)+".tar.gz.partial", l.PartialPacked(dgst))
	assert.Equal(t, l.LayerDir(dgst)+".partial", l.PartialLayerDir(dgst))
	assert.Equal(t, l.LayerDir(dgst)+".whiteouts", WhiteoutRecord(l.LayerDir(dgst)))
}

func TestEnsureBase(t *testing.T) {
	l := New(t.TempDir())
	require.NoError(t, l.EnsureBase())

	for _, dir := range []string{l.ContainersDir(), l.LayersDir()} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"c1", "web-1", "my_app.v2", "A"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "..", "../etc", "a/b", "-rf", ".hidden", "sp ace"} {
		assert.ErrorIs(t, ValidateName(name), errdefs.ErrInvalidName, name)
	}
}
