package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kguard",
	Short: "KGuard - screen-time session and enforcement engine",
	Long: `KGuard watches who is in front of a device, tracks a screen-time session
per detected child age group, and raises a lock signal when the daily limit
is exhausted or bedtime is reached. Lock rules can be evaluated by Open
Policy Agent (OPA).`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to monitor command when no subcommand is provided
		return runMonitor(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/kguard/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
