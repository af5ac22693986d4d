// ABOUTME: Configuration loading and parsing for coven-projects
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults, and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-projects/internal/agent"
	"github.com/2389/coven-projects/internal/project"
)

// State backends
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Config represents the complete coven-projects configuration
type Config struct {
	Matrix  MatrixConfig  `yaml:"matrix" toml:"matrix"`
	Bridge  BridgeConfig  `yaml:"bridge" toml:"bridge"`
	Agent   AgentConfig   `yaml:"agent" toml:"agent"`
	State   StateConfig   `yaml:"state" toml:"state"`
	Audit   AuditConfig   `yaml:"audit" toml:"audit"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// MatrixConfig holds the chat transport account.
// Either access_token (with user_id) or username/password is required.
type MatrixConfig struct {
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	UserID       string   `yaml:"user_id" toml:"user_id"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	Username     string   `yaml:"username" toml:"username"`
	Password     string   `yaml:"password" toml:"password"`
	RecoveryKey  string   `yaml:"recovery_key" toml:"recovery_key"` // enables E2EE
	AllowedRooms []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
}

// BridgeConfig holds routing and queueing behaviour
type BridgeConfig struct {
	ProjectPrefix string `yaml:"project_prefix" toml:"project_prefix"`
	ProjectsRoot  string `yaml:"projects_root" toml:"projects_root"`
	MaxQueue      int    `yaml:"max_queue" toml:"max_queue"`
	DedupeSize    int    `yaml:"dedupe_size" toml:"dedupe_size"`

	DedupeWindow    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DedupeWindowRaw    string `yaml:"dedupe_window" toml:"dedupe_window"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// AgentConfig holds the coding agent CLI settings
type AgentConfig struct {
	Binary         string   `yaml:"binary" toml:"binary"`
	AllowedTools   []string `yaml:"allowed_tools" toml:"allowed_tools"`
	PermissionMode string   `yaml:"permission_mode" toml:"permission_mode"`
	ExtraArgs      []string `yaml:"extra_args" toml:"extra_args"`
}

// StateConfig holds persisted state locations
type StateConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	Path     string `yaml:"path" toml:"path"`
	LockPath string `yaml:"lock_path" toml:"lock_path"`
	// ArtifactPath is checked at startup; if present a warning is logged.
	ArtifactPath string `yaml:"artifact_path" toml:"artifact_path"`
}

// AuditConfig holds the per-project message log settings
type AuditConfig struct {
	Disabled bool   `yaml:"disabled" toml:"disabled"`
	Dir      string `yaml:"dir" toml:"dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default values
const (
	DefaultMaxQueue        = 10
	DefaultDedupeSize      = 10_000
	DefaultDedupeWindow    = 10 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
	DefaultAgentBinary     = "claude"
)

var permissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"plan":              true,
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, unset
// locations default to paths under dataDir, and the result is validated.
func Load(path, dataDir string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), strings.HasSuffix(strings.ToLower(path), ".toml"))
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults(dataDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Parse decodes configuration text without defaults or validation.
func Parse(text string, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills unset fields. Unset locations go under dataDir.
func (c *Config) ApplyDefaults(dataDir string) {
	if c.Bridge.ProjectPrefix == "" {
		c.Bridge.ProjectPrefix = project.DefaultPrefix
	}
	if c.Bridge.ProjectsRoot == "" {
		c.Bridge.ProjectsRoot = filepath.Join(dataDir, "projects")
	}
	if c.Bridge.MaxQueue == 0 {
		c.Bridge.MaxQueue = DefaultMaxQueue
	}
	if c.Bridge.DedupeSize == 0 {
		c.Bridge.DedupeSize = DefaultDedupeSize
	}
	if c.Bridge.DedupeWindow == 0 {
		c.Bridge.DedupeWindow = DefaultDedupeWindow
	}
	if c.Bridge.ShutdownTimeout == 0 {
		c.Bridge.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Agent.Binary == "" {
		c.Agent.Binary = DefaultAgentBinary
	}
	if len(c.Agent.AllowedTools) == 0 {
		c.Agent.AllowedTools = append([]string(nil), agent.DefaultAllowedTools...)
	}
	if c.Agent.PermissionMode == "" {
		c.Agent.PermissionMode = agent.DefaultPermissionMode
	}

	if c.State.Backend == "" {
		c.State.Backend = BackendJSON
	}
	if c.State.Path == "" {
		name := "state.json"
		if c.State.Backend == BackendSQLite {
			name = "state.db"
		}
		c.State.Path = filepath.Join(dataDir, name)
	}
	if c.State.LockPath == "" {
		c.State.LockPath = filepath.Join(dataDir, "coven-projects.lock")
	}

	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(dataDir, "audit")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix.homeserver must use http or https scheme")
	}

	if c.Matrix.AccessToken != "" {
		if c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.user_id is required with matrix.access_token")
		}
	} else if c.Matrix.Username == "" || c.Matrix.Password == "" {
		return fmt.Errorf("matrix.username and matrix.password are required (or set matrix.access_token)")
	}

	if strings.TrimSpace(c.Bridge.ProjectPrefix) == "" {
		return fmt.Errorf("bridge.project_prefix must not be blank")
	}
	if c.Bridge.MaxQueue < 1 {
		return fmt.Errorf("bridge.max_queue must be at least 1, got %d", c.Bridge.MaxQueue)
	}
	if c.Bridge.DedupeSize < 1 {
		return fmt.Errorf("bridge.dedupe_size must be at least 1, got %d", c.Bridge.DedupeSize)
	}

	if !permissionModes[c.Agent.PermissionMode] {
		return fmt.Errorf("agent.permission_mode %q is not one of default, acceptEdits, bypassPermissions, plan", c.Agent.PermissionMode)
	}

	switch c.State.Backend {
	case BackendJSON, BackendSQLite:
	default:
		return fmt.Errorf("state.backend must be %q or %q, got %q", BackendJSON, BackendSQLite, c.State.Backend)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Bridge.DedupeWindowRaw != "" {
		cfg.Bridge.DedupeWindow, err = time.ParseDuration(cfg.Bridge.DedupeWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_window %q: %w", cfg.Bridge.DedupeWindowRaw, err)
		}
	}

	if cfg.Bridge.ShutdownTimeoutRaw != "" {
		cfg.Bridge.ShutdownTimeout, err = time.ParseDuration(cfg.Bridge.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout %q: %w", cfg.Bridge.ShutdownTimeoutRaw, err)
		}
	}

	return nil
}
