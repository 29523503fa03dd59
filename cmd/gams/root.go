package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./gams.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gams",
	Short: "Autonomous marketing background services",
	Long: `gams runs the background execution framework of the autonomous marketing
system: scheduled tasks, the event bus, recovery, website updates, the
improvement cycle and the revenue optimizer.

The config file may be JSON, YAML or TOML; the format follows the extension.`,
	SilenceUsage: true,
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(versionCmd)
}
