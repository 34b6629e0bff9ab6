// Package config loads and validates the YAML configuration file:
// remote connection details, local store paths, and optional pre/post
// pull hooks. Kept as thin structs plus validation, with no business
// logic of its own.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// VerifyPolicy is the remote.verify enum.
type VerifyPolicy string

const (
	VerifyInsecure VerifyPolicy = "insecure"
	VerifyKnown    VerifyPolicy = "known"
	VerifyDNSSEC   VerifyPolicy = "dnssec"
)

// RemoteScripts holds the optional pre/post-pull hooks.
type RemoteScripts struct {
	PrePull    string `yaml:"pre_pull,omitempty"`
	PostPull   string `yaml:"post_pull,omitempty"`
	NoPullLock bool   `yaml:"no_pull_lock,omitempty"`
}

// Remote holds the remote image descriptor.
type Remote struct {
	Server  string        `yaml:"server"`
	Port    uint16        `yaml:"port,omitempty"`
	User    string        `yaml:"user"`
	Key     string        `yaml:"key,omitempty"`
	Image   string        `yaml:"image"`
	Verify  VerifyPolicy  `yaml:"verify,omitempty"`
	Scripts RemoteScripts `yaml:"scripts,omitempty"`
}

// Local holds local store paths.
type Local struct {
	DB       string `yaml:"db"`
	PullLock string `yaml:"pull_lock,omitempty"`
}

// Config is the top-level configuration document.
type Config struct {
	Remote Remote `yaml:"remote"`
	Local  Local  `yaml:"local"`
}

// Load reads and parses the YAML file at path and validates it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Remote.Port == 0 {
		c.Remote.Port = 22
	}
	if c.Remote.Verify == "" {
		c.Remote.Verify = VerifyKnown
	}
}

// scriptsEnabled reports whether either pre- or post-pull script is
// configured.
func (c *Config) scriptsEnabled() bool {
	return c.Remote.Scripts.PrePull != "" || c.Remote.Scripts.PostPull != ""
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Remote.Server == "" {
		errs = append(errs, errors.New("remote.server is required"))
	}
	if c.Remote.User == "" {
		errs = append(errs, errors.New("remote.user is required"))
	}
	if c.Remote.Image == "" {
		errs = append(errs, errors.New("remote.image is required"))
	}
	switch c.Remote.Verify {
	case VerifyInsecure, VerifyKnown, VerifyDNSSEC:
	default:
		errs = append(errs, fmt.Errorf("remote.verify: unknown policy %q", c.Remote.Verify))
	}
	if c.Local.DB == "" {
		errs = append(errs, errors.New("local.db is required"))
	}
	if c.scriptsEnabled() && !c.Remote.Scripts.NoPullLock && c.Local.PullLock == "" {
		errs = append(errs, errors.New("local.pull_lock is required when scripts are enabled (set remote.scripts.no_pull_lock to skip)"))
	}
	return errors.Join(errs...)
}
