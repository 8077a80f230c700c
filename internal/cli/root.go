// Package cli implements the nvwatch-agent command-line interface.
//
// The package is organized around Cobra commands. The root command runs the
// monitor until interrupted; subcommands cover one-shot inventory queries
// and version output. Configuration comes from the environment, optionally
// seeded from a YAML file, with flags taking final precedence.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configFileFlag string

var rootCmd = &cobra.Command{
	Use:   "nvwatch-agent",
	Short: "GPU overload monitor for NVIDIA devices",
	Long: `nvwatch-agent supervises nvidia-smi in streaming mode, smooths the
per-device utilization it reports, and decides when the GPU fleet counts
as overloaded.

It exposes health and Prometheus metrics endpoints and keeps the child
process alive across crashes. Configuration is read from NVWATCH_*
environment variables; a YAML config file and command-line flags can
override individual values.

Examples:
  nvwatch-agent
  nvwatch-agent --interval 2s --sma-period 8
  nvwatch-agent --config /etc/nvwatch/config.yaml
  nvwatch-agent inventory`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFileFlag, "config", "", "path to a YAML config file")

	rootCmd.Flags().String("nvidia-smi", "", "path to the nvidia-smi executable")
	rootCmd.Flags().Duration("interval", 0, "dmon sampling interval (e.g. 1s, 2s)")
	rootCmd.Flags().Int("sma-period", 0, "utilization smoothing window size")
	rootCmd.Flags().Int("health-port", 0, "port for health and metrics endpoints")
	rootCmd.Flags().Bool("use-nvml", false, "resolve inventory through NVML instead of nvidia-smi")
	rootCmd.Flags().Bool("debug", false, "enable pprof and debug endpoints")
}

// Execute runs the root command. It is the single entry point from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// applyConfigFile reads the YAML file at path and exports its values as
// NVWATCH_ environment variables for any key not already set. Environment
// precedence: flags > env > file > defaults.
func applyConfigFile(path string) error {
	if path == "" {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	for _, key := range v.AllKeys() {
		env := "NVWATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(env) == "" {
			os.Setenv(env, v.GetString(key))
		}
	}
	return nil
}
