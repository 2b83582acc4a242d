package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydocker/pkg/errdefs"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		rootDir, platform, debug = "", "", false
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLs(t *testing.T) {
	root := t.TempDir()

	out, err := execute(t, "--root", root, "ls")
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "containers", "web"), 0755))
	out, err = execute(t, "--root", root, "ls")
	require.NoError(t, err)
	assert.Equal(t, "web creating -\n", out)
}

func TestRm_Missing(t *testing.T) {
	_, err := execute(t, "--root", t.TempDir(), "rm", "ghost")
	assert.ErrorIs(t, err, errdefs.ErrNoSuchContainer)
	assert.Equal(t, errdefs.ExitUser, errdefs.ExitCode(err))
}

func TestRun_InvalidPlatform(t *testing.T) {
	_, err := execute(t, "--root", t.TempDir(), "--platform", "not/a/real/platform/x", "run", "alpine", "c1")
	assert.Error(t, err)
}

func TestExitStatus(t *testing.T) {
	assert.NoError(t, exitStatus(0))
	assert.Equal(t, 42, errdefs.ExitCode(exitStatus(42)))
}
