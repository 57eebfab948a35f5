package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/pgdump-relay/internal/services/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the backup relay",
	Long: `Serve the backup relay over HTTP:
  GET /healthz          authenticated probe, lists the allowed databases
  GET /backup?db=NAME   streams a pg_dump of NAME as an attachment

Metrics are served on METRICS_ADDR when it is set. On SIGINT or SIGTERM the
listeners stop accepting connections and running dumps get SHUTDOWN_TIMEOUT
to finish before they are cut off.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("metrics_addr", cfg.Server.MetricsAddr).
		Str("pghost", cfg.Postgres.Host).
		Int("pgport", cfg.Postgres.Port).
		Strs("allowed_dbs", cfg.AllowedDatabases).
		Str("format", cfg.Postgres.Format).
		Msg("configuration loaded")

	if !cfg.Access.TokenConfigured() && !cfg.Access.BasicConfigured() {
		log.Warn().Msg("no auth method configured, every request will be denied (set BACKUP_TOKEN or BACKUP_USER and BACKUP_PASS)")
	}
	if len(cfg.AllowedDatabases) == 0 {
		log.Warn().Msg("ALLOWED_DBS is empty, every backup request will be rejected")
	}
	if len(cfg.Access.AllowIPs) == 0 {
		log.Warn().Msg("ALLOW_IPS is empty, requests are accepted from any address")
	}

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	srv, err := server.New(log.Logger, *cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to create server")
		return err
	}

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server failed")
		return err
	}

	log.Info().Msg("server stopped")
	return nil
}
