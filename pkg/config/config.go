// Package config loads per-project settings from .streamd.toml (or
// .streamd.yaml) at the project root, applies environment overrides, and
// resolves state file paths.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"streamd/pkg/inspector"
	"streamd/pkg/protocol"

	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config file names, in lookup order.
const (
	TOMLFile = ".streamd.toml"
	YAMLFile = ".streamd.yaml"
	YMLFile  = ".streamd.yml"
)

// Duration is a time.Duration read from strings like "15s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler (used by go-toml).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config is the resolved project configuration.
type Config struct {
	ProjectRoot string `toml:"-" yaml:"-"`
	// Source is the config file that was read, empty when defaults only.
	Source string `toml:"-" yaml:"-"`

	ProjectName       string   `toml:"project_name" yaml:"project_name"`
	BaseBranch        string   `toml:"base_branch" yaml:"base_branch"`
	ScanInterval      Duration `toml:"scan_interval" yaml:"scan_interval"`
	GitTimeout        Duration `toml:"git_timeout" yaml:"git_timeout"`
	HeartbeatInterval Duration `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	PortBase          int      `toml:"port_base" yaml:"port_base"`
	PortSpan          int      `toml:"port_span" yaml:"port_span"`
	Port              int      `toml:"port,omitempty" yaml:"port,omitempty"`
	StateDir          string   `toml:"state_dir,omitempty" yaml:"state_dir,omitempty"`
	DBPath            string   `toml:"db_path,omitempty" yaml:"db_path,omitempty"`
	LockPath          string   `toml:"lock_path,omitempty" yaml:"lock_path,omitempty"`
	LogLevel          string   `toml:"log_level" yaml:"log_level"`
	Watch             bool     `toml:"watch" yaml:"watch"`
}

// Default returns the built-in configuration for a project root.
func Default(projectRoot string) *Config {
	return &Config{
		ProjectRoot:       projectRoot,
		ProjectName:       filepath.Base(projectRoot),
		BaseBranch:        protocol.DefaultBaseBranch,
		ScanInterval:      Duration{protocol.DefaultScanInterval},
		GitTimeout:        Duration{protocol.DefaultGitTimeout},
		HeartbeatInterval: Duration{protocol.DefaultHeartbeatInterval},
		PortBase:          protocol.DefaultPortBase,
		PortSpan:          protocol.DefaultPortSpan,
		LogLevel:          "info",
		Watch:             true,
	}
}

// Load reads the project's config file (if any) over the defaults, applies
// environment overrides, and resolves paths.
func Load(projectRoot string) (*Config, error) {
	cfg := Default(projectRoot)

	for _, name := range []string{TOMLFile, YAMLFile, YMLFile} {
		path := filepath.Join(projectRoot, name)
		data, err := os.ReadFile(path) //nolint:gosec // path is under the project root
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if name == TOMLFile {
			err = toml.Unmarshal(data, cfg)
		} else {
			err = yaml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.Source = path
		break
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies STREAMD_* overrides. Specific path variables win over
// STREAMD_HOME.
func (c *Config) applyEnv() error {
	if v := os.Getenv("STREAMD_HOME"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("STREAMD_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("STREAMD_LOCK_PATH"); v != "" {
		c.LockPath = v
	}
	if v := os.Getenv("STREAMD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STREAMD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STREAMD_PORT %q: %w", v, err)
		}
		c.Port = port
	}
	return nil
}

// resolvePaths fills unset paths from the state dir and anchors relative
// paths at the project root.
func (c *Config) resolvePaths() {
	if c.StateDir == "" {
		c.StateDir = protocol.StateDir
	}
	c.StateDir = c.abs(c.StateDir)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.StateDir, protocol.DBFile)
	}
	if c.LockPath == "" {
		c.LockPath = filepath.Join(c.StateDir, protocol.LockFile)
	}
	c.DBPath = c.abs(c.DBPath)
	c.LockPath = c.abs(c.LockPath)
}

func (c *Config) abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.ProjectRoot, p)
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ProjectName == "":
		return &protocol.ValidationError{Field: "project_name", Reason: "must not be empty"}
	case c.BaseBranch == "":
		return &protocol.ValidationError{Field: "base_branch", Reason: "must not be empty"}
	case c.ScanInterval.Duration <= 0:
		return &protocol.ValidationError{Field: "scan_interval", Reason: "must be positive"}
	case c.GitTimeout.Duration <= 0:
		return &protocol.ValidationError{Field: "git_timeout", Reason: "must be positive"}
	case c.HeartbeatInterval.Duration <= 0:
		return &protocol.ValidationError{Field: "heartbeat_interval", Reason: "must be positive"}
	case c.PortBase <= 0 || c.PortSpan <= 0 || c.PortBase+c.PortSpan > 65536:
		return &protocol.ValidationError{Field: "port_base", Reason: "port range must lie within 1-65535"}
	case c.Port < 0 || c.Port > 65535:
		return &protocol.ValidationError{Field: "port", Reason: "must be within 0-65535"}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return &protocol.ValidationError{Field: "log_level", Reason: err.Error()}
	}
	return nil
}

// Level returns the parsed log level (info when unparsable).
func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// RefsDir returns the directory holding local branch refs, watched for
// early scans.
func (c *Config) RefsDir() string {
	return filepath.Join(c.ProjectRoot, ".git", "refs", "heads")
}

// WriteDefault writes a TOML config with the current values to
// <root>/.streamd.toml. It refuses to overwrite an existing file.
func (c *Config) WriteDefault() (string, error) {
	path := filepath.Join(c.ProjectRoot, TOMLFile)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config %s already exists", path)
	}
	out := *c
	out.StateDir, out.DBPath, out.LockPath = "", "", ""
	data, err := toml.Marshal(&out)
	if err != nil {
		return path, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // config is not secret
		return path, fmt.Errorf("write config %s: %w", path, err)
	}
	return path, nil
}

// FindProjectRoot returns the main working tree of the git repository
// containing dir, or dir itself when it is not inside one. Run from a linked
// worktree, it resolves to the repository the worktree was added from, so
// every worktree of a project shares one store and one server.
func FindProjectRoot(ctx context.Context, runner inspector.CommandRunner, dir string) string {
	dir = filepath.Clean(dir)
	out, err := runner.Run(ctx, "git", "-C", dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return dir
	}
	common := strings.TrimSpace(string(out))
	if common == "" {
		return dir
	}
	// Relative output is relative to dir.
	if !filepath.IsAbs(common) {
		common = filepath.Join(dir, common)
	}
	common = filepath.Clean(common)
	if filepath.Base(common) == ".git" {
		return filepath.Dir(common)
	}

	// Bare or relocated git directory: use the enclosing working tree.
	out, err = runner.Run(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return dir
	}
	if root := strings.TrimSpace(string(out)); root != "" {
		return filepath.Clean(root)
	}
	return dir
}
