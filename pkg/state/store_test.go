package state

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydocker/pkg/errdefs"
	"mydocker/pkg/layout"
)

func newTestStore(t *testing.T) (*Store, *layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	require.NoError(t, l.EnsureBase())
	return NewStore(l), l
}

func TestWriteReadPID(t *testing.T) {
	path := t.TempDir() + "/pid"

	_, ok, err := ReadPID(path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, WritePID(path, 4242))
	pid, ok, err := ReadPID(path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4242, pid)

	assert.Error(t, WritePID(path, 0))
}

func TestReadPID_Corrupted(t *testing.T) {
	for _, content := range []string{"", "abc", "-5", "0", "12x"} {
		path := t.TempDir() + "/pid"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		_, _, err := ReadPID(path)
		assert.ErrorIs(t, err, errdefs.ErrCorrupted, "content %q", content)
	}
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.False(t, Alive(cmd.Process.Pid), "a reaped child is not alive")
}

// A pid file left behind by an exited container whose pid was recycled by an
// unrelated process reports running.
func TestStatus_ReusedPIDFalsePositive(t *testing.T) {
	s, l := newTestStore(t)
	require.NoError(t, s.Create("stale"))
	require.NoError(t, os.Mkdir(l.RootfsDir("stale"), 0755))
	require.NoError(t, WritePID(l.PIDFile("stale"), os.Getpid()))

	status, pid, err := s.Status("stale")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)
	assert.Equal(t, os.Getpid(), pid)
}

func TestStatus(t *testing.T) {
	s, l := newTestStore(t)
	require.NoError(t, s.Create("c1"))

	status, _, err := s.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, StatusCreating, status)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	require.NoError(t, os.Mkdir(l.RootfsDir("c1"), 0755))
	require.NoError(t, WritePID(l.PIDFile("c1"), cmd.Process.Pid))

	status, _, err = s.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, StatusExited, status)

	require.NoError(t, os.Remove(l.RootfsDir("c1")))
	status, _, err = s.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, StatusRemoving, status)
}

func TestStore_CreateTwice(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Create("c1"))
	assert.ErrorIs(t, s.Create("c1"), errdefs.ErrNameInUse)
	assert.ErrorIs(t, s.Create("../c1"), errdefs.ErrInvalidName)
}

func TestStore_SaveLoadList(t *testing.T) {
	s, _ := newTestStore(t)

	for _, name := range []string{"b", "a"} {
		require.NoError(t, s.Create(name))
	}

	c := NewContainer("a", "alpine:latest")
	c.Command = []string{"/bin/sh"}
	c.Layers = []string{"sha256:abc"}
	require.NoError(t, s.Save(c))

	loaded, err := s.Load("a")
	require.NoError(t, err)
	assert.Equal(t, c.ID, loaded.ID)
	assert.Equal(t, "alpine:latest", loaded.Image)
	assert.Equal(t, []string{"/bin/sh"}, loaded.Command)

	bare, err := s.Load("b")
	require.NoError(t, err)
	assert.Equal(t, "b", bare.Name)
	assert.Empty(t, bare.Image)

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	_, err = s.Load("missing")
	assert.ErrorIs(t, err, errdefs.ErrNoSuchContainer)
}

func TestStore_Remove(t *testing.T) {
	s, l := newTestStore(t)
	require.NoError(t, s.Create("c1"))

	require.NoError(t, s.Remove("c1"))
	assert.NoDirExists(t, l.ContainerDir("c1"))
	assert.ErrorIs(t, s.Remove("c1"), errdefs.ErrNoSuchContainer)
}
