package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"slowquery-agent/internal/api"
	"slowquery-agent/internal/app"
	"slowquery-agent/internal/config"
	"slowquery-agent/internal/scheduler"
)

var version = "dev"

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := loadConfig(ctx)

	a, err := app.New(ctx, cfg, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close(ctx)

	server := api.NewServer(cfg, a.Store, a.Guard, a.Merger, a.Hub, a.Metrics)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(a.Guard)
		sched.Start(ctx)
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Cancels an in-flight automatic run; its record is still finalized.
		cancel()
		if sched != nil {
			sched.Stop()
		}
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("db_driver", a.Store.Driver()).
		Str("registrar", cfg.Registrar.Mode).
		Str("agent", cfg.Agent.Mode).
		Bool("scheduler", cfg.Scheduler.Enabled).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server failed")
		return
	}
	<-stopped

	log.Info().Msg("server stopped")
}

func loadConfig(ctx context.Context) *config.Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err := config.Load(ctx, configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
		return cfg
	}

	log.Info().Msg("no config file found, using defaults")
	cfg := config.DefaultConfig()
	if err := cfg.LoadSecrets(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to read environment")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid default config")
	}
	return cfg
}
