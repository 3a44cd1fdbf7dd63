package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tickwatch/internal/monitor"
	"tickwatch/internal/security"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(app *App) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and its HTTP API",
		Long: `Connect the configured exchange feeds, poll social accounts, evaluate
alerts and dispatch notifications. The HTTP API serves /health, /metrics,
the /stream SSE endpoint, /monitor/events and the provider status webhook.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				app.Config.Server.Addr = addr
			}
			output := NewOutput(cmd)

			st, err := app.openStore()
			if err != nil {
				return err
			}

			var opts []monitor.Option
			audit, err := security.NewAuditLogger(security.DefaultAuditConfig())
			if err != nil {
				app.Logger.Warn().Err(err).Msg("Audit log unavailable")
			} else {
				defer audit.Close()
				opts = append(opts, monitor.WithAudit(audit))
			}

			svc, err := monitor.New(app.Config, st, app.Logger, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := svc.Start(ctx); err != nil {
				return err
			}

			serveErr := make(chan error, 1)
			go func() { serveErr <- svc.Serve() }()
			if !output.IsJSON() {
				output.Success("✓ tickwatch listening on %s", app.Config.Server.Addr)
			}

			select {
			case <-ctx.Done():
				app.Logger.Info().Msg("Shutdown requested")
			case err = <-serveErr:
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if stopErr := svc.Stop(shutdownCtx); stopErr != nil && err == nil {
				err = stopErr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
