package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gams/internal/app"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := app.Validate(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
		for _, line := range sum {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", line)
		}
		return nil
	},
}
