package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks every configuration load or validation failure.
var ErrConfig = errors.New("configuration error")

// Backend selects the repository implementation
type Backend string

const (
	BackendShell Backend = "shell"
	BackendGoGit Backend = "go-git"
)

// Config represents the complete gitmirrord configuration
type Config struct {
	Watch      WatchConfig      `yaml:"watch"`
	Repository RepositoryConfig `yaml:"repository"`
	Commit     CommitConfig     `yaml:"commit"`
	Sync       SyncConfig       `yaml:"sync"`
	Auth       AuthConfig       `yaml:"auth"`
	Serve      ServeConfig      `yaml:"serve"`
	Log        LogConfig        `yaml:"log"`
}

// WatchConfig lists the paths to mirror
type WatchConfig struct {
	Paths  []string `yaml:"paths"`
	Ignore []string `yaml:"ignore"`
}

// RepositoryConfig configures the destination working tree
type RepositoryConfig struct {
	Path    string  `yaml:"path"`
	Remote  string  `yaml:"remote"`
	RefSpec string  `yaml:"refspec"`
	Backend Backend `yaml:"backend"`
}

// CommitConfig configures the identity and message of autocommits
type CommitConfig struct {
	AuthorName    string `yaml:"author_name"`
	AuthorEmail   string `yaml:"author_email"`
	MessagePrefix string `yaml:"message_prefix"`
}

// SyncConfig configures the pipeline
type SyncConfig struct {
	Debounce    time.Duration `yaml:"debounce"`
	InitialSync *bool         `yaml:"initial_sync"`
}

// AuthConfig configures Git authentication for push
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the status/trigger HTTP server
type ServeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
}

// LogConfig configures optional file logging
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

const (
	DefaultRemote        = "origin"
	DefaultRefSpec       = "refs/heads/master:refs/heads/master"
	DefaultAuthorName    = "gitmirrord"
	DefaultAuthorEmail   = "gitmirrord@localhost"
	DefaultMessagePrefix = "Autocommit"
	DefaultDebounce      = 2 * time.Second
	DefaultListenAddr    = "127.0.0.1:8377"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfig, err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %w", ErrConfig, err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %w", ErrConfig, err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	for i, p := range c.Watch.Paths {
		c.Watch.Paths[i] = os.ExpandEnv(p)
	}
	c.Repository.Path = os.ExpandEnv(c.Repository.Path)
	c.Repository.Remote = os.ExpandEnv(c.Repository.Remote)
	c.Repository.RefSpec = os.ExpandEnv(c.Repository.RefSpec)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
	c.Log.File = os.ExpandEnv(c.Log.File)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repository.Remote == "" {
		c.Repository.Remote = DefaultRemote
	}
	if c.Repository.RefSpec == "" {
		c.Repository.RefSpec = DefaultRefSpec
	}
	if c.Repository.Backend == "" {
		c.Repository.Backend = BackendShell
	}
	if c.Commit.AuthorName == "" {
		c.Commit.AuthorName = DefaultAuthorName
	}
	if c.Commit.AuthorEmail == "" {
		c.Commit.AuthorEmail = DefaultAuthorEmail
	}
	if c.Commit.MessagePrefix == "" {
		c.Commit.MessagePrefix = DefaultMessagePrefix
	}
	if c.Sync.Debounce == 0 {
		c.Sync.Debounce = DefaultDebounce
	}
	if c.Sync.InitialSync == nil {
		enabled := true
		c.Sync.InitialSync = &enabled
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Watch.Paths) == 0 {
		return fmt.Errorf("watch.paths requires at least one path")
	}
	if c.Repository.Path == "" {
		return fmt.Errorf("repository.path is required")
	}
	if !filepath.IsAbs(c.Repository.Path) {
		return fmt.Errorf("repository.path must be an absolute path: %s", c.Repository.Path)
	}

	repoRoot := filepath.Clean(c.Repository.Path)
	seen := make(map[string]bool, len(c.Watch.Paths))
	for _, p := range c.Watch.Paths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("watch.paths entries must be absolute paths: %s", p)
		}
		clean := filepath.Clean(p)
		if seen[clean] {
			return fmt.Errorf("watch.paths contains duplicate entry: %s", p)
		}
		seen[clean] = true

		if clean == repoRoot || isWithin(repoRoot, clean) {
			return fmt.Errorf("watch path %s must not be inside repository.path", p)
		}
	}

	for _, pattern := range c.Watch.Ignore {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid watch.ignore pattern %q: %w", pattern, err)
		}
	}

	if strings.TrimSpace(c.Repository.Remote) == "" {
		return fmt.Errorf("repository.remote must not be blank")
	}
	if err := validateRefSpec(c.Repository.RefSpec); err != nil {
		return err
	}

	switch c.Repository.Backend {
	case BackendShell, BackendGoGit:
		// valid
	default:
		return fmt.Errorf("invalid repository.backend: %s (must be shell or go-git)", c.Repository.Backend)
	}

	if c.Sync.Debounce < 0 {
		return fmt.Errorf("sync.debounce must be positive: %s", c.Sync.Debounce)
	}

	// Only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	if c.Serve.Enabled && c.Serve.SecretFile == "" {
		return fmt.Errorf("serve.secret_file is required when serve is enabled")
	}

	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_size_mb and log.max_backups must not be negative")
	}

	return nil
}

// validateRefSpec accepts "src:dst" with an optional leading "+", or a bare ref
func validateRefSpec(spec string) error {
	s := strings.TrimPrefix(spec, "+")
	if s == "" {
		return fmt.Errorf("repository.refspec is required")
	}
	parts := strings.Split(s, ":")
	if len(parts) > 2 {
		return fmt.Errorf("invalid repository.refspec %q: too many ':' separators", spec)
	}
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("invalid repository.refspec %q: empty side", spec)
		}
		if strings.ContainsAny(part, " \t") {
			return fmt.Errorf("invalid repository.refspec %q: contains whitespace", spec)
		}
	}
	return nil
}

// InitialSyncEnabled reports whether the watch roots are snapshotted on start
func (c *Config) InitialSyncEnabled() bool {
	return c.Sync.InitialSync == nil || *c.Sync.InitialSync
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// Ignored reports whether the base name of path matches any watch.ignore pattern
func (c *Config) Ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range c.Watch.Ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// isWithin reports whether target lies strictly below dir
func isWithin(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
