// Command ci-runner is the control-plane CLI: it scaffolds config,
// drives a single local run, starts the scheduler+HTTP daemon, serves
// the status dashboard, and triggers runs against a running daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

// version is stamped at release build time; "dev" for local builds.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ci-runner",
		Short: "Self-hosted CI runner: microVM pipeline scheduler and control plane",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (optional, defaults applied otherwise)")

	rootCmd.AddCommand(
		initCmd(),
		runCmd(),
		serverCmd(),
		uiCmd(),
		triggerCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ci-runner version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
