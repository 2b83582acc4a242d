package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/containerd/platforms"
	"gopkg.in/yaml.v2"

	"mydocker/pkg/layout"
)

const (
	DefaultRoot         = "/tmp/mydocker"
	DefaultRegistry     = "registry-1.docker.io"
	DefaultConfigFile   = "/etc/mydocker/config.yaml"
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 500 * time.Millisecond
)

type Config struct {
	Root         string        `yaml:"root"`
	Registry     string        `yaml:"registry"`
	Platform     string        `yaml:"platform"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	RetryBackoff time.Duration `yaml:"retryBackoff"`
	Debug        bool          `yaml:"debug"`
}

// NewConfig builds the configuration from defaults, the optional YAML file
// and the environment, in that order of precedence.
func NewConfig() (*Config, error) {
	cfg := defaults()

	path, explicit := os.LookupEnv("MYDOCKER_CONFIG")
	if !explicit {
		path = DefaultConfigFile
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Root:         DefaultRoot,
		Registry:     DefaultRegistry,
		Platform:     platforms.DefaultString(),
		MaxAttempts:  DefaultMaxAttempts,
		RetryBackoff: DefaultRetryBackoff,
	}
}

func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if root := os.Getenv("MYDOCKER_ROOT"); root != "" {
		c.Root = root
	}
	if registry := os.Getenv("MYDOCKER_REGISTRY"); registry != "" {
		c.Registry = registry
	}
	if platform := os.Getenv("MYDOCKER_PLATFORM"); platform != "" {
		c.Platform = platform
	}
	if debug := os.Getenv("MYDOCKER_DEBUG"); debug != "" {
		v, err := strconv.ParseBool(debug)
		if err != nil {
			return fmt.Errorf("invalid MYDOCKER_DEBUG value %q: %w", debug, err)
		}
		c.Debug = v
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside an operation.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root directory must not be empty")
	}
	if _, err := platforms.Parse(c.Platform); err != nil {
		return fmt.Errorf("invalid platform %q: %w", c.Platform, err)
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	return nil
}

func (c *Config) Layout() *layout.Layout {
	return layout.New(c.Root)
}

// EnsureRootDir creates the base directory tree.
func (c *Config) EnsureRootDir() error {
	return c.Layout().EnsureBase()
}
