package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cardsync/cardsync/internal/logging"
	"github.com/cardsync/cardsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon will:
  1. Apply database migrations
  2. Provision accounts and run an inbound then an outbound pass
  3. Run provisioning and an outbound pass every sync.interval
  4. Watch every contact directory and run an inbound pass once changes
     have been quiet for watch.debounce

With --health-addr, /health reports readiness (200 when ready, 503 while
starting or after a startup error) and /events streams a summary of each
pass over WebSocket.

SIGINT and SIGTERM stop the daemon. SIGHUP reopens the log file.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := logging.NewOutput(cfg.Log)
		e, err := openEngineWith(out)
		if err != nil {
			fatalf("%v", err)
		}
		defer e.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go rotateOnHangup(ctx, out)

		fmt.Printf("%s Starting cardsync daemon...\n", ui.RenderAccent("▶"))
		fmt.Print(ui.RenderTable([]ui.Row{
			{Label: "Storage", Value: cfg.Storage.Root},
			{Label: "Credentials", Value: cfg.Credentials.File},
			{Label: "Database", Value: cfg.Database.Driver + " " + cfg.Database.DSN},
			{Label: "Interval", Value: cfg.Sync.Interval.String()},
			{Label: "Watch", Value: watchLabel()},
			{Label: "Status", Value: healthLabel()},
		}))
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := e.Run(ctx); err != nil {
			fatalf("daemon stopped: %v", err)
		}
		fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
	},
}

func rotateOnHangup(ctx context.Context, out *logging.Output) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := out.Rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "%s failed to rotate log: %v\n", ui.RenderWarn("Warning:"), err)
			}
		}
	}
}

func watchLabel() string {
	if !cfg.Watch.Enabled {
		return ui.RenderMuted("disabled")
	}
	return "debounce " + cfg.Watch.Debounce.String()
}

func healthLabel() string {
	if cfg.Health.Addr == "" {
		return ui.RenderMuted("disabled")
	}
	return "http://" + cfg.Health.Addr + "/health"
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
