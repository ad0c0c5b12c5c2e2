package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"budgenator/internal/app"
	"budgenator/pkg/logx"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		Long:  "Polls the chat transport and serves the configuration dialogue until SIGINT or SIGTERM. Under systemd the command reports readiness and stopping, and feeds the watchdog when one is armed.",
		Run:   runServe,
	}
	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		exitErr("serve", err)
	}
	if err := a.Start(ctx); err != nil {
		a.Close()
		exitErr("serve", err)
	}
	log := a.Logger()

	sdNotify(log, daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go feedWatchdog(ctx, interval)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	sdNotify(log, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		log.Warn("shutdown", logx.Err(err))
	}
	if err := a.Err(); err != nil {
		exitErr("serve", err)
	}
}

// sdNotify is best effort: outside systemd there is no socket and the
// call reports (false, nil).
func sdNotify(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify", logx.Err(err))
	}
}

func feedWatchdog(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
