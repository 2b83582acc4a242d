package launcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moby/sys/mountinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydocker/pkg/state"
)

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("creating namespaces requires root")
	}
}

// waitForPID waits until the launcher has recorded the container pid.
func waitForPID(t *testing.T, pidFile string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		p, ok, err := state.ReadPID(pidFile)
		pid = p
		return err == nil && ok
	}, 10*time.Second, 10*time.Millisecond)
	return pid
}

// gone reports whether pid has exited. A zombie that nobody reaped counts
// as exited.
func gone(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(data[bytes.LastIndexByte(data, ')')+1:]))
	return len(fields) == 0 || fields[0] == "Z" || fields[0] == "X"
}

func TestLaunch_Namespaces(t *testing.T) {
	requireRoot(t)
	root, env := stageRootfs(t)
	pidFile := filepath.Join(t.TempDir(), "pid")

	var stdout bytes.Buffer
	code, err := Launch(context.Background(), &Spec{
		Rootfs:     root,
		PIDFile:    pidFile,
		Args:       []string{helperPath},
		Env:        append(env, roleEnv+"=report", exitEnv+"=42"),
		WorkingDir: "/srv/app",
		Stdout:     &stdout,
		Stderr:     os.Stderr,
	})
	require.NoError(t, err)
	assert.Equal(t, 42, code)
	assert.Equal(t, "pid=1 proc=true cwd=/srv/app\n", stdout.String())

	pid, ok, err := state.ReadPID(pidFile)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, 1, pid, "the pid file holds the host pid")

	mounted, err := mountinfo.Mounted(filepath.Join(root, "proc"))
	require.NoError(t, err)
	assert.False(t, mounted, "/proc is mounted in the container's namespace only")
	assert.DirExists(t, filepath.Join(root, "srv", "app"))
}

func TestLaunch_CommandNotRunnable(t *testing.T) {
	requireRoot(t)
	root, env := stageRootfs(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("plain text\n"), 0755))

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"missing path", []string{"/missing"}, exitNotFound},
		{"not in PATH", []string{"nothing-here"}, exitNotFound},
		{"not a program", []string{"/notes.txt"}, exitNotExecutable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := Launch(context.Background(), &Spec{
				Rootfs:  root,
				PIDFile: filepath.Join(t.TempDir(), "pid"),
				Args:    tt.args,
				Env:     env,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestExec_JoinsPIDNamespace(t *testing.T) {
	requireRoot(t)
	root, env := stageRootfs(t)
	pidFile := filepath.Join(t.TempDir(), "pid")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := Launch(ctx, &Spec{
			Rootfs:  root,
			PIDFile: pidFile,
			Args:    []string{helperPath},
			Env:     append(env, roleEnv+"=sleep"),
			Stderr:  os.Stderr,
		})
		done <- err
	}()

	pid := waitForPID(t, pidFile)
	procRoot := fmt.Sprintf("/proc/%d/root", pid)
	require.Eventually(t, func() bool {
		// The init stage has chrooted and mounted /proc.
		for _, name := range []string{helperPath, "/proc/1"} {
			if _, err := os.Stat(filepath.Join(procRoot, name)); err != nil {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	var stdout bytes.Buffer
	code, err := Exec(context.Background(), pid, &ExecSpec{
		Args:   []string{helperPath},
		Env:    append(env, roleEnv+"=report", exitEnv+"=7"),
		Stdout: &stdout,
		Stderr: os.Stderr,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Regexp(t, `^pid=\d+ proc=true cwd=/\n$`, stdout.String())
	assert.NotContains(t, stdout.String(), "pid=1 ", "exec does not replace the container init")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, gone(pid))
}

func TestLaunch_ChildDiesWithLauncher(t *testing.T) {
	requireRoot(t)
	root, env := stageRootfs(t)
	pidFile := filepath.Join(t.TempDir(), "pid")

	self, err := os.Executable()
	require.NoError(t, err)
	launcher := exec.Command(self)
	launcher.Env = append(os.Environ(), env...)
	launcher.Env = append(launcher.Env,
		roleEnv+"=launcher",
		rootfsEnv+"="+root,
		pidFileEnv+"="+pidFile,
	)
	launcher.Stderr = os.Stderr
	require.NoError(t, launcher.Start())

	pid := waitForPID(t, pidFile)
	require.False(t, gone(pid))

	require.NoError(t, launcher.Process.Kill())
	launcher.Wait()

	assert.Eventually(t, func() bool { return gone(pid) }, 5*time.Second, 20*time.Millisecond,
		"the container process outlived its launcher")
}
