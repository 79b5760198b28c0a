package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vilaca/gitlabfleet/internal/bulk"
	"github.com/vilaca/gitlabfleet/internal/bus"
	"github.com/vilaca/gitlabfleet/internal/config"
	"github.com/vilaca/gitlabfleet/internal/gateway"
	"github.com/vilaca/gitlabfleet/internal/gitlabhttp"
	"github.com/vilaca/gitlabfleet/internal/jobs"
	"github.com/vilaca/gitlabfleet/internal/migration"
	"github.com/vilaca/gitlabfleet/internal/ratelimit"
	"github.com/vilaca/gitlabfleet/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	server, cleanup := buildServer(cfg, logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info().
		Str("addr", addr).
		Str("gitlabDefaultBaseURL", cfg.GitLabDefaultBaseURL).
		Str("corsOrigin", cfg.CORSOrigin).
		Int("bulkPoolSize", cfg.BulkPoolSize).
		Int("migrationPoolSize", cfg.MigrationPoolSize).
		Msg("starting fleetd")

	httpServer := &http.Server{
		Addr:    addr,
		Handler: server,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	cleanup()
	logger.Info().Msg("server stopped")
}

// buildServer is the composition root: every long-lived component is
// constructed once here and wired into the gateway's router.
func buildServer(cfg *config.Config, logger zerolog.Logger) (http.Handler, func()) {
	limiter := ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitRefillRate)

	httpCfg := gitlabhttp.Config{
		MaxRetries:     cfg.HTTPMaxRetries,
		BackoffInitial: cfg.HTTPBackoffInitial,
		BackoffMax:     cfg.HTTPBackoffMax,
		CallTimeout:    cfg.HTTPCallTimeout,
		ArchiveTimeout: cfg.HTTPArchiveTimeout,
	}

	sessions := session.New(cfg.SessionIdleTTL, cfg.SessionSweepInterval,
		session.DefaultClientFactory(limiter, httpCfg))

	progressBus := bus.New(cfg.BusRingSize, cfg.BusSubscriberQueueSize, cfg.TopicGrace)
	registry := jobs.New(progressBus, cfg.JobGrace)

	bulkEngine := bulk.New(registry, cfg.BulkPoolSize, cfg.BulkAPIDelay, bulk.DefaultMaxRetries, cfg.BulkJobSoftDeadline)
	migrationWorker := migration.New(registry, progressBus, nil, cfg.WorkspaceTempRoot,
		cfg.MigrationPoolSize, cfg.MigrationJobSoftDeadline)

	gw := gateway.New(gateway.Config{
		CORSOrigin:              cfg.CORSOrigin,
		RequestSizeLimitBytes:   cfg.RequestSizeLimitBytes,
		MultipartSizeLimitBytes: cfg.MultipartSizeLimitBytes,
		RateLimitRequests:       cfg.GatewayRateLimitRequests,
		RateLimitWindow:         cfg.GatewayRateLimitWindow,
		GitLabDefaultBaseURL:    cfg.GitLabDefaultBaseURL,
	}, logger, sessions, limiter, httpCfg, progressBus, registry, bulkEngine, migrationWorker)

	cleanup := func() {
		sessions.Close()
		registry.Shutdown()
		progressBus.Shutdown()
	}

	return gw.Router(), cleanup
}
