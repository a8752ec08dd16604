package commands

import (
	"context"
	"fmt"

	"github.com/footron/build-manager/internal/config"
	"github.com/footron/build-manager/pkg/db"
	"github.com/footron/build-manager/pkg/errors"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [key]",
	Short: "List recent deployments, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of deployments to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var key string
	if len(args) == 1 {
		key = args[0]
	}

	// Ensure database directory exists
	cfg.Engine = config.EngineInline
	if err := ensureDirectories(cfg); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	deployments, err := repo.ListDeployments(context.Background(), key, historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(deployments) == 0 {
		fmt.Println("No deployments found")
		return nil
	}

	fmt.Printf("%-20s %-12s %-10s %-12s %-8s %-10s %-18s %s\n",
		"CREATED", "KEY", "REVISION", "KIND", "STATUS", "DURATION", "+/~/-", "ERROR")
	fmt.Println("--------------------------------------------------------------------------------------------------------")

	for _, d := range deployments {
		revision := d.Revision
		if len(revision) > 8 {
			revision = revision[:8]
		}
		errMsg := d.ErrorMessage
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Printf("%-20s %-12s %-10s %-12s %-8s %-10s %-18s %s\n",
			d.CreatedAt, d.DeployKey, revision, d.Kind, d.Status,
			fmt.Sprintf("%.1fs", float64(d.DurationMS)/1000),
			fmt.Sprintf("%d/%d/%d", d.Added, d.Changed, d.Deleted),
			errMsg)
	}

	return nil
}
