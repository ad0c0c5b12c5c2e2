package cli

import (
	"github.com/spf13/cobra"

	"budgenator/internal/app"
	"budgenator/internal/domain"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Terminate chats idle past the configured limit",
		Long:  "Runs one idle sweep: chats whose last contact is older than reaper.max_idle_days lose their schedule rows and are marked terminated. Meant to be fired periodically from cron or a systemd timer.",
		Run:   runSweep,
	}
	RootCmd.AddCommand(cmd)
}

func runSweep(cmd *cobra.Command, args []string) {
	a, err := app.NewHeadless(cfgPath)
	if err != nil {
		exitErr("sweep", err)
	}
	defer a.Close()

	if err := a.Registry().Run(cmd.Context(), domain.TaskTerminateIdle, 0); err != nil {
		exitErr("sweep", err)
	}
}
