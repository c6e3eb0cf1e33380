package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corfr/ha-api-limiter/internal/allowlist"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the allowlist configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an empty allowlist file",
	Long: `Write a new, empty allowlist YAML file at the given path (or the
--config default if no path is given). Refuses to overwrite an existing
file — remove it first if you want to start over.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfigPath
		if len(args) == 1 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists — remove it first if you want to start fresh", path)
		}

		a := allowlist.New(path)
		if err := a.Save(); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}

		fmt.Printf("Wrote empty allowlist to %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}
