package cli

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: HTTP API, gardener, proactive delivery and channels",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("mneme stopped")
	return nil
}

