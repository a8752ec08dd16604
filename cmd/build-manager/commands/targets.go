package commands

import (
	"fmt"

	"github.com/footron/build-manager/pkg/registry"
	"github.com/spf13/cobra"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List configured deployment targets",
	Args:  cobra.NoArgs,
	RunE:  runTargets,
}

func init() {
	rootCmd.AddCommand(targetsCmd)
}

func runTargets(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg, err := registry.Load(cfg.TargetsPath)
	if err != nil {
		return err
	}
	if reg.Len() == 0 {
		fmt.Println("No targets configured")
		return nil
	}

	fmt.Printf("%-20s %-40s %-40s %-30s\n", "KEY", "CONTROLLER", "WEB", "API")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------------")
	for _, key := range reg.Keys() {
		t, _ := reg.Resolve(key)
		fmt.Printf("%-20s %-40s %-40s %-30s\n", key, t.Controller(), t.Web(), t.ControllerAPIURL)
	}
	return nil
}
