// Command agent runs the telemetry channel: it accepts logs over HTTP and from
// tailed files, queues them durably and ships them in batches.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Chichichkin/telemetry-agent/internal/device"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agent",
		Short:        "Telemetry log shipping agent",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to YAML config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), device.SDKVersion)
		},
	}

	rootCmd.AddCommand(newRunCmd(), newQueueCmd(), versionCmd)
	return rootCmd
}
