package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// State backends
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Pipeline engines
const (
	EngineFSM    = "fsm"
	EngineInline = "inline"
)

// Config holds all application configuration
type Config struct {
	// Listener
	ListenAddr    string `mapstructure:"listen-addr"`
	WebhookSecret string `mapstructure:"webhook-secret"`

	// Targets and state
	TargetsPath  string `mapstructure:"targets-path"`
	StateBackend string `mapstructure:"state-backend"`
	StatePath    string `mapstructure:"state-path"`
	SQLitePath   string `mapstructure:"sqlite-path"`

	// Pipeline engine
	Engine        string `mapstructure:"engine"`
	FSMDBPath     string `mapstructure:"fsm-db-path"`
	FSMMaxRetries int    `mapstructure:"fsm-max-retries"`

	// GitHub
	GitHubAPIURL    string `mapstructure:"github-api-url"`
	GitHubToken     string `mapstructure:"github-token"`
	StatusNamespace string `mapstructure:"status-namespace"`

	// S3 artifact locators
	S3Region    string `mapstructure:"s3-region"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// Working directory
	WorkDir       string        `mapstructure:"work-dir"`
	ScratchMaxAge time.Duration `mapstructure:"scratch-max-age"`

	// Runs
	CallTimeout       time.Duration `mapstructure:"call-timeout"`
	MaxConcurrentRuns int64         `mapstructure:"max-concurrent-runs"`
	SyncParallelism   int           `mapstructure:"sync-parallelism"`
	RsyncBin          string        `mapstructure:"rsync-bin"`
	SSHBin            string        `mapstructure:"ssh-bin"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	LogLevel string `mapstructure:"log-level"`
}

// Defaults shared by Load and the CLI flag definitions.
var (
	DefaultTargetsPath = filepath.Join(configHome(), "footron", "build-config.toml")
	DefaultStatePath   = filepath.Join(dataHome(), "footron", "build.json")
	DefaultSQLitePath  = filepath.Join(dataHome(), "footron", "build.db")
	DefaultFSMDBPath   = filepath.Join(dataHome(), "footron", "fsm")
)

// legacyEnv lists environment names accepted besides the FT_ prefixed
// ones, for deployments configured before the prefix existed.
var legacyEnv = map[string][]string{
	"webhook-secret": {"FT_WEBHOOK_SECRET", "GITHUB_WEBHOOK_SECRET"},
	"github-token":   {"FT_GITHUB_TOKEN", "GITHUB_ACCESS_TOKEN"},
	"targets-path":   {"FT_TARGETS_PATH", "FT_CONFIG_PATH"},
	"state-path":     {"FT_STATE_PATH", "FT_DATA_PATH"},
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("listen-addr", ":8000")
	viper.SetDefault("targets-path", DefaultTargetsPath)
	viper.SetDefault("state-backend", BackendJSON)
	viper.SetDefault("state-path", DefaultStatePath)
	viper.SetDefault("sqlite-path", DefaultSQLitePath)
	viper.SetDefault("engine", EngineFSM)
	viper.SetDefault("fsm-db-path", DefaultFSMDBPath)
	viper.SetDefault("fsm-max-retries", 3)
	viper.SetDefault("github-api-url", "https://api.github.com")
	viper.SetDefault("status-namespace", "footron-ci")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-anonymous", false)
	viper.SetDefault("work-dir", filepath.Join(os.TempDir(), "footron-build-manager"))
	viper.SetDefault("scratch-max-age", 24*time.Hour)
	viper.SetDefault("call-timeout", 10*time.Minute)
	viper.SetDefault("max-concurrent-runs", 4)
	viper.SetDefault("sync-parallelism", 4)
	viper.SetDefault("rsync-bin", "rsync")
	viper.SetDefault("ssh-bin", "ssh")
	viper.SetDefault("max-file-size", 2*1024*1024*1024)
	viper.SetDefault("max-total-size", 20*1024*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("log-level", "info")

	// Environment variables (will be FT_LISTEN_ADDR, etc.)
	viper.SetEnvPrefix("FT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for key, names := range legacyEnv {
		if err := viper.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	// Config file (optional)
	viper.SetConfigName("build-manager")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath(filepath.Join(configHome(), "footron"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		slog.Info("config_file_loaded", "path", viper.ConfigFileUsed())
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.TargetsPath == "" {
		return fmt.Errorf("targets-path cannot be empty")
	}
	switch c.StateBackend {
	case BackendJSON:
		if c.StatePath == "" {
			return fmt.Errorf("state-path cannot be empty")
		}
	case BackendSQLite:
	default:
		return fmt.Errorf("state-backend must be %q or %q, got %q", BackendJSON, BackendSQLite, c.StateBackend)
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	switch c.Engine {
	case EngineFSM:
		if c.FSMDBPath == "" {
			return fmt.Errorf("fsm-db-path cannot be empty")
		}
	case EngineInline:
	default:
		return fmt.Errorf("engine must be %q or %q, got %q", EngineFSM, EngineInline, c.Engine)
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.GitHubAPIURL == "" {
		return fmt.Errorf("github-api-url cannot be empty")
	}
	if c.StatusNamespace == "" {
		return fmt.Errorf("status-namespace cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call-timeout must be non-negative")
	}
	if c.MaxConcurrentRuns < 0 {
		return fmt.Errorf("max-concurrent-runs must be non-negative")
	}
	if c.SyncParallelism <= 0 {
		return fmt.Errorf("sync-parallelism must be positive")
	}
	if c.RsyncBin == "" || c.SSHBin == "" {
		return fmt.Errorf("rsync-bin and ssh-bin cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return level, nil
}

func configHome() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
