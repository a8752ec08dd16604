package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func load(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := load(t)

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.StateBackend != BackendJSON {
		t.Errorf("state-backend = %q, want %q", cfg.StateBackend, BackendJSON)
	}
	if cfg.Engine != EngineFSM {
		t.Errorf("engine = %q, want %q", cfg.Engine, EngineFSM)
	}
	if cfg.StatusNamespace != "footron-ci" {
		t.Errorf("status-namespace = %q", cfg.StatusNamespace)
	}
	if !strings.HasSuffix(cfg.TargetsPath, "build-config.toml") {
		t.Errorf("targets-path = %q", cfg.TargetsPath)
	}
	if cfg.CallTimeout != 10*time.Minute {
		t.Errorf("call-timeout = %v", cfg.CallTimeout)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("FT_LISTEN_ADDR", ":9090")
	t.Setenv("FT_CALL_TIMEOUT", "30s")
	t.Setenv("FT_STATE_BACKEND", "sqlite")
	t.Setenv("FT_MAX_CONCURRENT_RUNS", "8")

	cfg := load(t)

	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen-addr = %q", cfg.ListenAddr)
	}
	if cfg.CallTimeout != 30*time.Second {
		t.Errorf("call-timeout = %v", cfg.CallTimeout)
	}
	if cfg.StateBackend != BackendSQLite {
		t.Errorf("state-backend = %q", cfg.StateBackend)
	}
	if cfg.MaxConcurrentRuns != 8 {
		t.Errorf("max-concurrent-runs = %d", cfg.MaxConcurrentRuns)
	}
}

func TestLoad_LegacyEnvironment(t *testing.T) {
	t.Setenv("GITHUB_WEBHOOK_SECRET", "legacy-secret")
	t.Setenv("GITHUB_ACCESS_TOKEN", "legacy-token")
	t.Setenv("FT_CONFIG_PATH", "/etc/footron/build-config.toml")
	t.Setenv("FT_DATA_PATH", "/var/lib/footron/build.json")

	cfg := load(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"webhook-secret", cfg.WebhookSecret, "legacy-secret"},
		{"github-token", cfg.GitHubToken, "legacy-token"},
		{"targets-path", cfg.TargetsPath, "/etc/footron/build-config.toml"},
		{"state-path", cfg.StatePath, "/var/lib/footron/build.json"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_PrefixedEnvironmentWins(t *testing.T) {
	t.Setenv("FT_WEBHOOK_SECRET", "new-secret")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "legacy-secret")

	cfg := load(t)
	if cfg.WebhookSecret != "new-secret" {
		t.Errorf("webhook-secret = %q, want new-secret", cfg.WebhookSecret)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.StateBackend = "redis" }, "state-backend"},
		{"json without path", func(c *Config) { c.StatePath = "" }, "state-path"},
		{"sqlite ignores state path", func(c *Config) { c.StateBackend = BackendSQLite; c.StatePath = "" }, ""},
		{"unknown engine", func(c *Config) { c.Engine = "temporal" }, "engine"},
		{"inline ignores fsm path", func(c *Config) { c.Engine = EngineInline; c.FSMDBPath = "" }, ""},
		{"zero parallelism", func(c *Config) { c.SyncParallelism = 0 }, "sync-parallelism"},
		{"negative runs", func(c *Config) { c.MaxConcurrentRuns = -1 }, "max-concurrent-runs"},
		{"zero ratio", func(c *Config) { c.MaxCompressionRatio = 0 }, "max-compression-ratio"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log-level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := load(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	level, err := cfg.SlogLevel()
	if err != nil {
		t.Fatal(err)
	}
	if level != slog.LevelDebug {
		t.Errorf("level = %v", level)
	}
}
