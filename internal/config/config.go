package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all skillforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Forge pipeline configuration
	Forge ForgeConfig `yaml:"forge"`

	// Audit store configuration
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ExecutionMode selects how authorized skills are activated.
type ExecutionMode string

const (
	// ModeCompiled builds a c-shared artifact with the native toolchain
	// and loads it into the running process.
	ModeCompiled ExecutionMode = "compiled"

	// ModeInterpreted evaluates the skill source in-process under yaegi.
	// No toolchain or loader involved.
	ModeInterpreted ExecutionMode = "interpreted"
)

// ForgeConfig configures the self-modification pipeline.
type ForgeConfig struct {
	// Toolchain is the build binary invoked as a child process (default "go").
	Toolchain string `yaml:"toolchain"`

	// BuildDir is where candidate sources are materialized per identifier.
	BuildDir string `yaml:"build_dir"`

	// ArtifactDir is where compiled shared objects land.
	ArtifactDir string `yaml:"artifact_dir"`

	// CompileTimeout bounds a single toolchain invocation.
	CompileTimeout string `yaml:"compile_timeout"`

	// MaxSourceSize rejects oversized candidate sources (bytes).
	MaxSourceSize int64 `yaml:"max_source_size"`

	// DiffPreviewLines bounds the review excerpt.
	DiffPreviewLines int `yaml:"diff_preview_lines"`

	// Mode selects compiled or interpreted execution.
	Mode ExecutionMode `yaml:"mode"`

	// RequireAuthorization is the governor's boot state. The kill switch
	// and the auto-revert path mutate it at runtime; this is only the
	// starting posture.
	RequireAuthorization bool `yaml:"require_authorization"`

	// RestoreOnBoot re-registers artifacts found in ArtifactDir at startup.
	RestoreOnBoot bool `yaml:"restore_on_boot"`

	// WatchArtifacts enables the fsnotify watcher on ArtifactDir.
	WatchArtifacts bool `yaml:"watch_artifacts"`
}

// StoreConfig configures the SQLite audit sink.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "skillforge",
		Version: "0.3.0",

		Forge: ForgeConfig{
			Toolchain:            "go",
			BuildDir:             filepath.Join(".forge", "build"),
			ArtifactDir:          filepath.Join(".forge", "artifacts"),
			CompileTimeout:       "60s",
			MaxSourceSize:        100 * 1024,
			DiffPreviewLines:     24,
			Mode:                 ModeCompiled,
			RequireAuthorization: true,
			RestoreOnBoot:        true,
			WatchArtifacts:       false,
		},

		Store: StoreConfig{
			DatabasePath: filepath.Join(".forge", "forge.db"),
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides layers environment variables on top of file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORGE_TOOLCHAIN"); v != "" {
		c.Forge.Toolchain = v
	}
	if v := os.Getenv("FORGE_ARTIFACT_DIR"); v != "" {
		c.Forge.ArtifactDir = v
	}
	if v := os.Getenv("FORGE_BUILD_DIR"); v != "" {
		c.Forge.BuildDir = v
	}
	if v := os.Getenv("FORGE_MODE"); v != "" {
		c.Forge.Mode = ExecutionMode(v)
	}
	if v := os.Getenv("FORGE_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// GetCompileTimeout parses the compile timeout duration.
func (c *Config) GetCompileTimeout() time.Duration {
	d, err := time.ParseDuration(c.Forge.CompileTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Forge.Toolchain == "" {
		return fmt.Errorf("forge.toolchain cannot be empty")
	}
	if c.Forge.ArtifactDir == "" {
		return fmt.Errorf("forge.artifact_dir cannot be empty")
	}
	if c.Forge.BuildDir == "" {
		return fmt.Errorf("forge.build_dir cannot be empty")
	}
	switch c.Forge.Mode {
	case ModeCompiled, ModeInterpreted:
	default:
		return fmt.Errorf("forge.mode must be %q or %q, got %q", ModeCompiled, ModeInterpreted, c.Forge.Mode)
	}
	if c.Forge.MaxSourceSize <= 0 {
		return fmt.Errorf("forge.max_source_size must be positive")
	}
	if _, err := time.ParseDuration(c.Forge.CompileTimeout); err != nil {
		return fmt.Errorf("forge.compile_timeout is not a duration: %w", err)
	}
	return nil
}

// DefaultConfigPath returns the workspace-relative config location.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, ".forge", "config.yaml")
}
