package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API:

  POST /api/story/run        run a story ({story, issueId, images, context})
  GET  /api/runs             list runs (?status=)
  GET  /api/runs/:id         run record and result
  GET  /api/runs/:id/events  event log entries (needs the database)
  GET  /api/stats            per-stage statistics (?since=24h, needs the database)
  GET  /metrics              Prometheus metrics
  GET  /health               liveness`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		templates, _ := cmd.Flags().GetString("templates")
		a, err := newApp(ctx, cfg, appOpts{templateDir: templates, withDB: true})
		if err != nil {
			return err
		}
		defer a.close()

		deps := web.Deps{Runner: a.orch, Store: a.store, Gatherer: a.registry, Logger: a.logger}
		if a.db != nil {
			deps.History = a.db
		}
		srv, err := web.NewServer(deps, cfg.Server.Addr)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.logger.Warn("shutdown", zap.Error(err))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().String("templates", "", "directory of prompt template overrides")
}
