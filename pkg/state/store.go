package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mydocker/pkg/errdefs"
	"mydocker/pkg/layout"
)

type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusRemoving Status = "removing"
)

// Container is the metadata record kept in containers/<name>/config.json.
type Container struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Image          string    `json:"image"`
	ManifestDigest string    `json:"manifestDigest,omitempty"`
	Layers         []string  `json:"layers"`
	Command        []string  `json:"command"`
	Env            []string  `json:"env,omitempty"`
	WorkingDir     string    `json:"workingDir,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewContainer returns a record with a fresh ID.
func NewContainer(name, image string) *Container {
	return &Container{
		ID:        uuid.NewString(),
		Name:      name,
		Image:     image,
		CreatedAt: time.Now().UTC(),
	}
}

// Store reads and writes container records. The container directories are
// the only index; nothing is kept outside them.
type Store struct {
	layout *layout.Layout
	mutex  sync.RWMutex
}

func NewStore(l *layout.Layout) *Store {
	return &Store{layout: l}
}

// Create allocates the container directory. The mkdir is atomic, so two
// invocations racing for the same name cannot both succeed.
func (s *Store) Create(name string) error {
	if err := layout.ValidateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.layout.ContainersDir(), 0755); err != nil {
		return fmt.Errorf("failed to create containers directory: %w", err)
	}
	if err := os.Mkdir(s.layout.ContainerDir(name), 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", errdefs.ErrNameInUse, name)
		}
		return fmt.Errorf("failed to create container directory: %w", err)
	}
	return nil
}

// Exists reports whether the container directory is present.
func (s *Store) Exists(name string) bool {
	fi, err := os.Stat(s.layout.ContainerDir(name))
	return err == nil && fi.IsDir()
}

func (s *Store) Save(c *Container) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal container: %w", err)
	}

	path := s.layout.ConfigFile(c.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write container config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write container config: %w", err)
	}
	return nil
}

// Load returns the record of name. A container without a record, e.g. one
// still being created, yields a record holding only the name.
func (s *Store) Load(name string) (*Container, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if !s.Exists(name) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNoSuchContainer, name)
	}

	data, err := os.ReadFile(s.layout.ConfigFile(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Container{Name: name}, nil
		}
		return nil, fmt.Errorf("failed to read container config: %w", err)
	}

	var c Container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: config of %s: %v", errdefs.ErrCorrupted, name, err)
	}
	return &c, nil
}

// List returns the names of all containers in lexical order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.layout.ContainersDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read containers directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Status derives the state of a container from its pid file. A started
// container whose rootfs directory is gone is being torn down.
func (s *Store) Status(name string) (Status, int, error) {
	pid, ok, err := ReadPID(s.layout.PIDFile(name))
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return StatusCreating, 0, nil
	}
	if _, err := os.Lstat(s.layout.RootfsDir(name)); errors.Is(err, os.ErrNotExist) {
		return StatusRemoving, pid, nil
	}
	if Alive(pid) {
		return StatusRunning, pid, nil
	}
	return StatusExited, pid, nil
}

// Remove deletes the container directory. Mounts under it must already be
// gone.
func (s *Store) Remove(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	dir := s.layout.ContainerDir(name)
	if _, err := os.Lstat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", errdefs.ErrNoSuchContainer, name)
		}
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove container directory %s: %w", filepath.Base(dir), err)
	}
	return nil
}
