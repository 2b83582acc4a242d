package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sys/unix"

	"mydocker/pkg/config"
	"mydocker/pkg/errdefs"
	"mydocker/pkg/image"
	"mydocker/pkg/launcher"
	"mydocker/pkg/layer"
	"mydocker/pkg/layout"
	mlog "mydocker/pkg/log"
	"mydocker/pkg/metrics"
	"mydocker/pkg/overlay"
	"mydocker/pkg/registry"
	"mydocker/pkg/state"
)

const (
	killTimeout = 10 * time.Second
	killPoll    = 50 * time.Millisecond
)

type Manager struct {
	config       *config.Config
	layout       *layout.Layout
	store        *state.Store
	imageService image.ImageService
	layers       *layer.Store
	overlay      *overlay.Manager

	launch func(ctx context.Context, spec *launcher.Spec) (int, error)
	exec   func(ctx context.Context, pid int, spec *launcher.ExecSpec) (int, error)
}

// RunOptions describes a container to create and start.
type RunOptions struct {
	Image string
	Name  string
	// Args replaces the image's entrypoint and command when non-empty.
	Args []string
	// Remove deletes the container once its process has exited.
	Remove bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ExecOptions describes a process to start in a running container.
type ExecOptions struct {
	Name string
	Args []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Entry is one line of the container listing.
type Entry struct {
	Name   string
	Status state.Status
	Image  string
	PID    int
}

func NewManager(cfg *config.Config) (*Manager, error) {
	if err := cfg.EnsureRootDir(); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	l := cfg.Layout()
	layers := layer.NewStore(l)
	client := registry.NewClient(registry.Options{
		DefaultRegistry: cfg.Registry,
		Platform:        cfg.Platform,
		MaxAttempts:     cfg.MaxAttempts,
		RetryBackoff:    cfg.RetryBackoff,
	})

	return &Manager{
		config:       cfg,
		layout:       l,
		store:        state.NewStore(l),
		imageService: image.NewManager(client, layers),
		layers:       layers,
		overlay:      overlay.NewManager(l),
		launch:       launcher.Launch,
		exec:         launcher.Exec,
	}, nil
}

// Run creates container opts.Name from opts.Image, runs its process to
// completion and returns the exit code.
//
// A container that fails before its process was started leaves nothing
// behind. Once started, the container is kept as exited with its overlay
// unmounted, unless opts.Remove is set.
func (m *Manager) Run(ctx context.Context, opts RunOptions) (int, error) {
	timer := metrics.NewTimer(fmt.Sprintf("Run(%s)", opts.Name))
	defer timer.Stop()

	log := mlog.WithContainer(opts.Name)
	if err := m.store.Create(opts.Name); err != nil {
		return -1, err
	}

	c, mnt, err := m.create(ctx, opts)
	if err != nil {
		m.discard(opts.Name)
		return -1, err
	}

	spec := &launcher.Spec{
		Rootfs:     mnt.Target,
		PIDFile:    m.layout.PIDFile(opts.Name),
		Args:       c.Command,
		Env:        c.Env,
		WorkingDir: c.WorkingDir,
		Stdin:      opts.Stdin,
		Stdout:     opts.Stdout,
		Stderr:     opts.Stderr,
	}
	log.WithField("image", c.Image).Debugf("starting %s", strings.Join(c.Command, " "))
	code, err := m.launch(ctx, spec)

	if _, started, _ := state.ReadPID(spec.PIDFile); !started {
		m.discard(opts.Name)
		return -1, err
	}

	if uerr := m.overlay.Unmount(opts.Name); uerr != nil {
		log.Warnf("failed to unmount rootfs: %v", uerr)
		if err == nil {
			err = uerr
		}
	}
	if err != nil {
		return -1, err
	}
	log.WithField("code", code).Debug("container exited")

	if opts.Remove {
		if err := m.remove(opts.Name); err != nil {
			return -1, err
		}
	}
	return code, nil
}

// create pulls the image, records the container and assembles its rootfs.
func (m *Manager) create(ctx context.Context, opts RunOptions) (*state.Container, *overlay.Mount, error) {
	img, err := m.imageService.PullImage(ctx, opts.Image)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to pull image %s: %w", opts.Image, err)
	}

	c := state.NewContainer(opts.Name, opts.Image)
	c.ManifestDigest = img.Digest()
	c.Layers = img.Layers()
	c.Command = command(opts.Args, img.Config())
	c.Env = environment(img.Config())
	if cfg := img.Config(); cfg != nil {
		c.WorkingDir = cfg.Config.WorkingDir
	}
	if len(c.Command) == 0 {
		return nil, nil, fmt.Errorf("%w: image %s has no default command", errdefs.ErrNoCommand, opts.Image)
	}
	if err := m.store.Save(c); err != nil {
		return nil, nil, err
	}

	dirs, err := m.imageService.Unpack(img)
	if err != nil {
		return nil, nil, err
	}
	release, err := m.layers.Pin(ctx, layerDigests(c.Layers))
	if err != nil {
		return nil, nil, err
	}
	defer release()

	mnt, err := m.overlay.Assemble(opts.Name, dirs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to assemble rootfs: %w", err)
	}
	return c, mnt, nil
}

// discard removes a container that never got to run.
func (m *Manager) discard(name string) {
	if err := m.remove(name); err != nil {
		mlog.WithContainer(name).Warnf("failed to clean up container: %v", err)
	}
}

// Exec runs a command inside running container opts.Name and returns its
// exit code.
func (m *Manager) Exec(ctx context.Context, opts ExecOptions) (int, error) {
	if err := layout.ValidateName(opts.Name); err != nil {
		return -1, err
	}
	if !m.store.Exists(opts.Name) {
		return -1, fmt.Errorf("%w: %s", errdefs.ErrNoSuchContainer, opts.Name)
	}

	status, pid, err := m.store.Status(opts.Name)
	if err != nil {
		return -1, err
	}
	if status != state.StatusRunning {
		return -1, fmt.Errorf("%w: %s is %s", errdefs.ErrNotRunning, opts.Name, status)
	}

	c, err := m.store.Load(opts.Name)
	if err != nil {
		return -1, err
	}
	env := c.Env
	if len(env) == 0 {
		env = []string{"PATH=" + launcher.DefaultPath}
	}

	mlog.WithContainer(opts.Name).Debugf("exec %s in pid %d", strings.Join(opts.Args, " "), pid)
	return m.exec(ctx, pid, &launcher.ExecSpec{
		Args:   opts.Args,
		Env:    env,
		Stdin:  opts.Stdin,
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
	})
}

// List returns every container with its current status.
func (m *Manager) List() ([]Entry, error) {
	names, err := m.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		entry := Entry{Name: name}
		status, pid, err := m.store.Status(name)
		if err != nil {
			mlog.WithContainer(name).Warnf("unreadable state: %v", err)
			status = state.StatusExited
		}
		entry.Status, entry.PID = status, pid

		if c, err := m.store.Load(name); err == nil {
			entry.Image = c.Image
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Remove tears down and deletes container name. A running container is
// refused unless force is set, in which case it is killed first.
func (m *Manager) Remove(ctx context.Context, name string, force bool) error {
	timer := metrics.NewTimer(fmt.Sprintf("Remove(%s)", name))
	defer timer.Stop()

	if err := layout.ValidateName(name); err != nil {
		return err
	}
	if !m.store.Exists(name) {
		return fmt.Errorf("%w: %s", errdefs.ErrNoSuchContainer, name)
	}

	status, pid, err := m.store.Status(name)
	if err != nil && !errors.Is(err, errdefs.ErrCorrupted) {
		return err
	}
	if status == state.StatusRunning {
		if !force {
			return fmt.Errorf("%w: %s (pid %d)", errdefs.ErrContainerRunning, name, pid)
		}
		if err := m.killProcess(ctx, pid); err != nil {
			return err
		}
	}

	if err := m.remove(name); err != nil {
		return err
	}
	mlog.WithContainer(name).Debug("container removed")
	return nil
}

// remove deletes the container directory once nothing is mounted in it.
func (m *Manager) remove(name string) error {
	if err := m.overlay.Teardown(name); err != nil {
		return fmt.Errorf("failed to tear down rootfs of %s: %w", name, err)
	}
	return m.store.Remove(name)
}

// killProcess kills pid and waits until it is gone. The process is not our
// child, so its disappearance is observed by polling.
func (m *Manager) killProcess(ctx context.Context, pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return errdefs.Kernel(fmt.Sprintf("kill pid %d", pid), err)
	}

	ctx, cancel := context.WithTimeout(ctx, killTimeout)
	defer cancel()
	ticker := time.NewTicker(killPoll)
	defer ticker.Stop()

	for state.Alive(pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pid %d did not exit: %w", pid, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Pull populates the layer store with the layers of ref.
func (m *Manager) Pull(ctx context.Context, ref string) (image.Image, error) {
	return m.imageService.PullImage(ctx, ref)
}

// Images lists the stored layers.
func (m *Manager) Images() ([]layer.Info, error) {
	return m.layers.List()
}

// RemoveImage deletes a layer by digest or all layers of an image by
// reference.
func (m *Manager) RemoveImage(ctx context.Context, ref string) error {
	return m.imageService.DeleteImage(ctx, ref)
}

func layerDigests(layers []string) []digest.Digest {
	dgsts := make([]digest.Digest, len(layers))
	for i, l := range layers {
		dgsts[i] = digest.Digest(l)
	}
	return dgsts
}

// command is args when given, else the image's entrypoint followed by its
// default arguments.
func command(args []string, cfg *ocispec.Image) []string {
	if len(args) > 0 {
		return args
	}
	if cfg == nil {
		return nil
	}
	cmd := append([]string{}, cfg.Config.Entrypoint...)
	return append(cmd, cfg.Config.Cmd...)
}

// environment is the image environment with PATH always set.
func environment(cfg *ocispec.Image) []string {
	var env []string
	if cfg != nil {
		env = append(env, cfg.Config.Env...)
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			return env
		}
	}
	return append(env, "PATH="+launcher.DefaultPath)
}
