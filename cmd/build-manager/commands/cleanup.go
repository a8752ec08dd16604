package commands

import (
	"fmt"
	"time"

	"github.com/footron/build-manager/pkg/storage"
	"github.com/spf13/cobra"
)

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove scratch directories left behind by interrupted runs",
	Long: `Remove per-run scratch directories under the work dir:
  --older-than <duration>   Only remove directories older than this (default: scratch-max-age)

Directories of runs still in progress, in this or a serving process, are
always kept.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Minimum age of removed directories")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	age := cfg.ScratchMaxAge
	if cmd.Flags().Changed("older-than") {
		age = cleanupOlderThan
	}
	if age < 0 {
		return fmt.Errorf("--older-than must not be negative, got %s", age)
	}

	removed, err := storage.CleanupOrphans(cfg.WorkDir, time.Now().Add(-age))
	for _, dir := range removed {
		fmt.Printf("Removed %s\n", dir)
	}
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Println("Nothing to clean up")
	}
	return nil
}
