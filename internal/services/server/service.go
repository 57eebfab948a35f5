// Package server exposes the health probe and the backup trigger over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/fgeck/pgdump-relay/internal/services/auth"
	"github.com/fgeck/pgdump-relay/internal/services/catalog"
	"github.com/fgeck/pgdump-relay/internal/services/guard"
	"github.com/fgeck/pgdump-relay/internal/services/metrics"
	"github.com/fgeck/pgdump-relay/internal/services/postgres"
	"github.com/fgeck/pgdump-relay/internal/services/telegram"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	routeHealth = "healthz"
	routeBackup = "backup"

	notifyTimeout = 30 * time.Second
)

// Impl serves the relay routes.
type Impl struct {
	cfg      models.RelayConfig
	gate     auth.Authorizer
	catalog  *catalog.Catalog
	dumps    postgres.Service
	guards   guard.Service
	metrics  metrics.Recorder
	notifier telegram.Service // nil if notifications are disabled
	logger   zerolog.Logger
	now      func() time.Time

	metricsHandler http.Handler // nil if the recorder cannot be scraped
	notifications  sync.WaitGroup
}

// New creates a new server from cfg using the default services.
func New(logger zerolog.Logger, cfg models.RelayConfig) (*Impl, error) {
	gate, err := auth.NewGate(cfg.Access)
	if err != nil {
		return nil, fmt.Errorf("building access gate: %w", err)
	}

	var notifier telegram.Service
	if cfg.Telegram != nil {
		notifier = telegram.New(logger)
	}

	return NewWithServices(
		logger,
		cfg,
		gate,
		catalog.New(cfg.AllowedDatabases),
		postgres.New(logger),
		guard.New(logger, cfg.Guards),
		metrics.New(),
		notifier,
	), nil
}

// NewWithServices creates a new server with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	cfg models.RelayConfig,
	gate auth.Authorizer,
	cat *catalog.Catalog,
	dumps postgres.Service,
	guards guard.Service,
	recorder metrics.Recorder,
	notifier telegram.Service,
) *Impl {
	s := &Impl{
		cfg:      cfg,
		gate:     gate,
		catalog:  cat,
		dumps:    dumps,
		guards:   guards,
		metrics:  recorder,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	if h, ok := recorder.(interface{ Handler() http.Handler }); ok {
		s.metricsHandler = h.Handler()
	}
	return s
}

// Handler returns the relay routes wrapped in the middleware chain.
func (s *Impl) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /backup", s.handleBackup)
	// GET patterns also match HEAD, which would run a dump nobody reads.
	mux.HandleFunc("HEAD /backup", s.handleBackupHead)
	return s.middleware(mux)
}

// Run serves until ctx is done, then shuts the listeners down gracefully.
// Streams still running when the shutdown timeout expires are cut off,
// which cancels their request contexts and kills their dump processes.
func (s *Impl) Run(ctx context.Context) error {
	servers := []*http.Server{{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}

	if s.cfg.Server.MetricsAddr != "" && s.metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", s.metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              s.cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			s.logger.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info().Dur("timeout", s.cfg.Server.ShutdownTimeout).Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn().Err(err).Str("addr", srv.Addr).Msg("graceful shutdown incomplete, closing")
				_ = srv.Close()
			}
		}
		return nil
	})

	err := g.Wait()
	s.Drain()
	return err
}

// Drain waits for pending failure notifications.
func (s *Impl) Drain() {
	s.notifications.Wait()
}

func (s *Impl) notify(msg models.TelegramMessage) {
	if s.notifier == nil || s.cfg.Telegram == nil {
		return
	}
	cfg := *s.cfg.Telegram

	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		result, err := s.notifier.SendNotification(ctx, cfg, msg)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to send Telegram notification")
			return
		}
		if result.Error != nil {
			s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		}
	}()
}
