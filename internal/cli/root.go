// Package cli implements the budgenator commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "budgenator",
	Short: "Conversational budgeting assistant",
	Long:  "A chat bot that keeps a per-chat budget: chats configure replenishment, annulment and reminder events through an inline-keyboard dialogue, and the bot writes the crontab rows a periodic-task runner fires them from.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "Path to the config file (YAML or JSON)")
}

func defaultConfigPath() string {
	if env := os.Getenv("BUDGENATOR_CONFIG"); env != "" {
		return env
	}
	return "./config.yaml"
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
