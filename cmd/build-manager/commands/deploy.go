package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/footron/build-manager/pkg/dispatch"
	"github.com/footron/build-manager/pkg/errors"
	"github.com/spf13/cobra"
)

var deployEvent string

var deployCmd = &cobra.Command{
	Use:   "deploy <payload.json>",
	Short: "Replay a saved webhook payload and wait for its deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().StringVar(&deployEvent, "event", dispatch.EventWorkflowRun, "GitHub event type of the payload")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	body, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to read payload")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	dispatcher := dispatch.NewDispatcher(a.registry, a.notifier, a.github)
	result, err := dispatcher.Handle(ctx, deployEvent, body)
	if err != nil {
		return err
	}
	if result.Job == nil {
		fmt.Printf("Event %s: %s, nothing to deploy\n", deployEvent, result.Disposition)
		return nil
	}

	outcome, err := a.pipeline.Deploy(ctx, result.Job)
	if outcome != nil {
		fmt.Printf("%-10s %s\n", "RUN", outcome.RunID)
		fmt.Printf("%-10s %s\n", "KEY", outcome.Key)
		fmt.Printf("%-10s %s\n", "REVISION", outcome.Revision)
		fmt.Printf("%-10s %s\n", "KIND", outcome.Kind)
		fmt.Printf("%-10s %s\n", "STATUS", outcome.Status)
		fmt.Printf("%-10s %s\n", "ELAPSED", outcome.Elapsed.Round(time.Millisecond))
		fmt.Printf("%-10s %s\n", "DIFF", outcome.Diff.String())
	}
	return err
}
