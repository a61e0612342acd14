package hive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// homeEnv overrides the home directory location.
const homeEnv = "HIVE_HOME"

// Home returns the hive home directory: $HIVE_HOME when set, otherwise
// ~/.hive. When the user's home cannot be resolved the current directory is
// used as the base.
func Home() string {
	if dir := os.Getenv(homeEnv); dir != "" {
		return dir
	}
	base, err := os.UserHomeDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, ".hive")
}

// DefaultDBPath is where the SQLite database lives by default.
func DefaultDBPath() string {
	return filepath.Join(Home(), "hive.db")
}

// WorkspacePath is the default base directory for agent workspaces.
func WorkspacePath() string {
	return filepath.Join(Home(), "workspaces")
}

// EnsureHome creates the home directory tree, workspace base included.
func EnsureHome() error {
	return os.MkdirAll(WorkspacePath(), 0o755)
}

// Config holds runtime settings, loadable from a YAML file.
type Config struct {
	// MaxConcurrent is the global cap for the Controller
	MaxConcurrent int `yaml:"max_concurrent"`

	// IdleThreshold is how long without activity before an agent is idle
	IdleThreshold Duration `yaml:"idle_threshold"`

	// DrainCap bounds the termination drain per agent
	DrainCap int `yaml:"drain_cap"`

	// IdleSweep is the cron spec for the idle sweeper
	IdleSweep string `yaml:"idle_sweep"`

	// DBPath is the SQLite database path
	DBPath string `yaml:"db_path"`

	// WorkspaceDir is the workspace base directory
	WorkspaceDir string `yaml:"workspace_dir"`

	// Telegram configures the optional operator notifier
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig configures the Telegram operator notifier.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: DefaultMaxConcurrent,
		IdleThreshold: Duration(DefaultIdleThreshold),
		DrainCap:      DefaultDrainCap,
		IdleSweep:     "@every 1m",
		DBPath:        DefaultDBPath(),
		WorkspaceDir:  WorkspacePath(),
	}
}

// LoadConfig reads a YAML config file, filling unset fields with defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DrainCap <= 0 {
		cfg.DrainCap = DefaultDrainCap
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = Duration(DefaultIdleThreshold)
	}
	return cfg, nil
}

// Duration wraps time.Duration so YAML can carry values like "10m".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
