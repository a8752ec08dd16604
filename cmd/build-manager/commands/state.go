package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/footron/build-manager/internal/config"
	"github.com/footron/build-manager/pkg/errors"
	"github.com/footron/build-manager/pkg/state"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or reset deployed fingerprints",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployment keys with committed state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *state.Store) error {
			keys := store.Keys()
			if len(keys) == 0 {
				fmt.Println("No state committed")
				return nil
			}

			fmt.Printf("%-30s %-12s\n", "KEY", "EXPERIENCES")
			fmt.Println("------------------------------------------")
			for _, key := range keys {
				fmt.Printf("%-30s %-12d\n", key, len(store.Fingerprints(key)))
			}
			return nil
		})
	},
}

var stateShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show the fingerprints deployed for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *state.Store) error {
			fingerprints := store.Fingerprints(args[0])
			if len(fingerprints) == 0 {
				fmt.Printf("No fingerprints for %s\n", args[0])
				return nil
			}

			keys := make([]string, 0, len(fingerprints))
			for k := range fingerprints {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			fmt.Printf("%-30s %s\n", "EXPERIENCE", "FINGERPRINT")
			for _, k := range keys {
				fmt.Printf("%-30s %s\n", k, fingerprints[k])
			}
			return nil
		})
	},
}

var stateForgetCmd = &cobra.Command{
	Use:   "forget <key>",
	Short: "Drop a key's state so its next deployment transfers everything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *state.Store) error {
			unlock := store.Lock(args[0])
			defer unlock()

			if err := store.Forget(ctx, args[0]); err != nil {
				return errors.Wrap(err, "forget failed")
			}
			fmt.Printf("Forgot state for %s\n", args[0])
			return nil
		})
	},
}

func init() {
	stateCmd.AddCommand(stateListCmd, stateShowCmd, stateForgetCmd)
	rootCmd.AddCommand(stateCmd)
}

// withStore opens only the state store, without the rest of the pipeline.
func withStore(fn func(ctx context.Context, store *state.Store) error) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The engine's directories are not needed here.
	cfg.Engine = config.EngineInline
	if err := ensureDirectories(cfg); err != nil {
		return err
	}

	store, repo, err := openState(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	return fn(ctx, store)
}
