package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/footron/build-manager/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LogLevel is the level of the default logger; commands raise or lower
// it from the log-level setting.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "build-manager",
	Short: "Footron build manager - incremental deployments from GitHub Actions",
	Long: `Receives GitHub Actions webhooks, downloads build artifacts and deploys
them to Footron controllers, transferring only experiences whose content
fingerprint changed.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("targets-path", config.DefaultTargetsPath, "Targets TOML file")
	flags.String("state-backend", config.BackendJSON, "Fingerprint state backend (json|sqlite)")
	flags.String("state-path", config.DefaultStatePath, "JSON state file")
	flags.String("sqlite-path", config.DefaultSQLitePath, "SQLite database path (state and deployment history)")
	flags.String("engine", config.EngineFSM, "Pipeline engine (fsm|inline)")
	flags.String("fsm-db-path", config.DefaultFSMDBPath, "FSM BoltDB path")
	flags.String("github-api-url", "https://api.github.com", "GitHub REST API base URL")
	flags.String("status-namespace", "footron-ci", "Commit status context namespace")
	flags.String("s3-region", "us-east-1", "S3 region for s3:// artifact locators")
	flags.String("work-dir", "", "Scratch directory root")
	flags.Duration("call-timeout", 0, "Timeout for each external call")
	flags.Int64("max-concurrent-runs", 4, "Maximum deployments running at once (0 = unbounded)")
	flags.Int("sync-parallelism", 4, "Concurrent experience transfers per run")
	flags.Int64("max-file-size", 2*1024*1024*1024, "Max file size in bytes")
	flags.Int64("max-total-size", 20*1024*1024*1024, "Max total extraction size")
	flags.Float64("max-compression-ratio", 100.0, "Max compression ratio")
	flags.String("log-level", "info", "Log level (debug|info|warn|error)")

	bindFlags(flags,
		"targets-path", "state-backend", "state-path", "sqlite-path",
		"engine", "fsm-db-path", "github-api-url", "status-namespace",
		"s3-region", "work-dir", "call-timeout", "max-concurrent-runs",
		"sync-parallelism", "max-file-size", "max-total-size",
		"max-compression-ratio", "log-level")
}

// bindFlags makes viper read each named flag under the same key.
func bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
