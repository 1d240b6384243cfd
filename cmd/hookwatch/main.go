package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	outputFormat string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hookwatch",
		Short: "Lifecycle hook watcher for container cluster nodes",
		Long: `hookwatch holds Auto Scaling lifecycle hooks open until a launching node
has joined its cluster or a terminating node has drained, then completes them.`,
		SilenceUsage: true,
	}

	defaultConfig := os.Getenv("HOOKWATCH_CONFIG")
	cmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Path to configuration file (env: HOOKWATCH_CONFIG)")
	cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")

	cmd.AddCommand(activateCmd())
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(lambdaCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}
