package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"budgenator/internal/app"
)

var runtaskChatID int64

func init() {
	cmd := &cobra.Command{
		Use:   "runtask <name>",
		Short: "Invoke a registered task by name",
		Long:  "Runs one registered task, e.g. tasks.refill_balance or tasks.send_reminder. Chat-bound tasks take --chat; sends go through the configured transport, so the telegram driver needs its token.",
		Args:  cobra.ExactArgs(1),
		Run:   runRunTask,
	}
	cmd.Flags().Int64Var(&runtaskChatID, "chat", 0, "Chat id for chat-bound tasks")
	RootCmd.AddCommand(cmd)
}

func runRunTask(cmd *cobra.Command, args []string) {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		exitErr("runtask", err)
	}
	defer a.Close()

	name := args[0]
	if !a.Registry().Has(name) {
		exitErr("runtask", fmt.Errorf("unknown task %q (known: %s)", name, strings.Join(a.Registry().Names(), ", ")))
	}
	if err := a.Registry().Run(cmd.Context(), name, runtaskChatID); err != nil {
		exitErr(name, err)
	}
}
