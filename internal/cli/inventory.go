package cli

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/nvwatch/nvwatch-agent/internal/config"
	"github.com/nvwatch/nvwatch-agent/internal/monitor"
	"github.com/nvwatch/nvwatch-agent/internal/nvml"
	"github.com/nvwatch/nvwatch-agent/internal/nvsmi"
)

// inventoryCmd resolves the GPU inventory once and prints it as JSON.
var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Print the GPU inventory as JSON",
	Long: `Resolve the static GPU metadata (device indexes, product names, total
memory, driver version) and print it as JSON.

Uses the same resolution path as the monitor: the one-shot nvidia-smi
query by default, or NVML with --use-nvml.

Examples:
  nvwatch-agent inventory
  nvwatch-agent inventory --use-nvml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyConfigFile(configFileFlag); err != nil {
			return err
		}
		cfg := config.Load()

		useNVML, _ := cmd.Flags().GetBool("use-nvml")
		var resolver monitor.InventorySource
		if useNVML || cfg.UseNVML {
			resolver = nvml.NewResolver()
		} else {
			resolver = nvsmi.NewResolver(cfg.NvidiaSMIPath, cfg.ResolveTimeout)
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ResolveTimeout)
		defer cancel()

		inv, err := resolver.Resolve(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(inv)
	},
}

func init() {
	inventoryCmd.Flags().Bool("use-nvml", false, "resolve inventory through NVML instead of nvidia-smi")
	rootCmd.AddCommand(inventoryCmd)
}
