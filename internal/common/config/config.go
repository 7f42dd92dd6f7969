// Package config provides configuration management for forgeboard.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for forgeboard.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	GitSync  GitSyncConfig  `mapstructure:"gitsync"`
	Board    BoardConfig    `mapstructure:"board"`
	Profiles ProfilesConfig `mapstructure:"profiles"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds SQLite database configuration.
type DatabaseConfig struct {
	Path            string `mapstructure:"path"`            // database file path, :memory: for in-memory
	MaxReadConns    int    `mapstructure:"maxReadConns"`    // read pool size
	BusyTimeoutMS   int    `mapstructure:"busyTimeoutMs"`   // sqlite busy_timeout pragma
	MigrateOnStart  bool   `mapstructure:"migrateOnStart"`  // apply schema on startup
	WALCheckpointMB int    `mapstructure:"walCheckpointMb"` // wal_autocheckpoint threshold
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorktreeConfig holds Git worktree configuration for concurrent agent execution.
type WorktreeConfig struct {
	BasePath        string `mapstructure:"basePath"`        // Base directory for worktrees
	BranchPrefix    string `mapstructure:"branchPrefix"`    // Prefix for attempt branches
	CleanupOnRemove bool   `mapstructure:"cleanupOnRemove"` // Remove worktree directory on task deletion
}

// GitSyncConfig holds remote synchronization configuration.
type GitSyncConfig struct {
	DefaultRemote string `mapstructure:"defaultRemote"` // remote name, default: origin
	FetchTimeout  int    `mapstructure:"fetchTimeout"`  // in seconds
}

// BoardConfig holds kanban board streaming configuration.
type BoardConfig struct {
	HiddenRefreshInterval int `mapstructure:"hiddenRefreshInterval"` // hidden-task cache refresh, in seconds
}

// ProfilesConfig holds executor profile loading configuration.
type ProfilesConfig struct {
	Dir            string `mapstructure:"dir"`            // profile directory relative to workspace root
	DebounceMillis int    `mapstructure:"debounceMillis"` // reload debounce window
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// FetchTimeoutDuration returns the fetch timeout as a time.Duration.
func (g *GitSyncConfig) FetchTimeoutDuration() time.Duration {
	return time.Duration(g.FetchTimeout) * time.Second
}

// HiddenRefreshDuration returns the hidden-task refresh interval as a time.Duration.
func (b *BoardConfig) HiddenRefreshDuration() time.Duration {
	return time.Duration(b.HiddenRefreshInterval) * time.Second
}

// Debounce returns the profile reload debounce window as a time.Duration.
func (p *ProfilesConfig) Debounce() time.Duration {
	return time.Duration(p.DebounceMillis) * time.Millisecond
}

// ExpandedDatabasePath returns the database path with ~ expanded.
func (d *DatabaseConfig) ExpandedDatabasePath() (string, error) {
	path := d.Path
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FORGEBOARD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "~/.forgeboard/forgeboard.db")
	v.SetDefault("database.maxReadConns", 8)
	v.SetDefault("database.busyTimeoutMs", 5000)
	v.SetDefault("database.migrateOnStart", true)
	v.SetDefault("database.walCheckpointMb", 16)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "forgeboard")
	v.SetDefault("nats.maxReconnects", 10)

	// Worktree defaults
	v.SetDefault("worktree.basePath", "~/.forgeboard/worktrees")
	v.SetDefault("worktree.branchPrefix", "forge/")
	v.SetDefault("worktree.cleanupOnRemove", true)

	// Git sync defaults
	v.SetDefault("gitsync.defaultRemote", "origin")
	v.SetDefault("gitsync.fetchTimeout", 60)

	// Board defaults
	v.SetDefault("board.hiddenRefreshInterval", 5)

	// Profiles defaults
	v.SetDefault("profiles.dir", ".forgeboard/profiles")
	v.SetDefault("profiles.debounceMillis", 500)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FORGEBOARD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/forgeboard/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FORGEBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/forgeboard/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Database.MaxReadConns <= 0 {
		errs = append(errs, "database.maxReadConns must be positive")
	}

	if cfg.GitSync.DefaultRemote == "" {
		errs = append(errs, "gitsync.defaultRemote is required")
	}
	if cfg.GitSync.FetchTimeout <= 0 {
		errs = append(errs, "gitsync.fetchTimeout must be positive")
	}

	if cfg.Board.HiddenRefreshInterval <= 0 {
		errs = append(errs, "board.hiddenRefreshInterval must be positive")
	}

	if cfg.Profiles.DebounceMillis <= 0 {
		errs = append(errs, "profiles.debounceMillis must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
