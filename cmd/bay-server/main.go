// Package main is the entry point for the Bay Control Plane server.
//
// Bay provisions, manages, and brokers capability calls against
// ephemeral sandboxes for AI agents.
//
// Usage:
//
//	bay-server [flags]
//
// Environment:
//
//	PORT, BAY_DRIVER, BAY_DB_DSN, BAY_API_KEY, BAY_DEV_OWNER, BAY_ENV,
//	BAY_READINESS_DEADLINE, BAY_CAP_TIMEOUT, BAY_CAP_TIMEOUT_MAX,
//	BAY_IDEMPOTENCY_TTL
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baysh/bay/internal/api"
	"github.com/baysh/bay/internal/auth"
	"github.com/baysh/bay/internal/cargo"
	"github.com/baysh/bay/internal/config"
	"github.com/baysh/bay/internal/driver"

	// Register the docker driver.
	_ "github.com/baysh/bay/internal/driver/docker"

	"github.com/baysh/bay/internal/gc"
	"github.com/baysh/bay/internal/history"
	"github.com/baysh/bay/internal/idempotency"
	"github.com/baysh/bay/internal/lock"
	"github.com/baysh/bay/internal/profile"
	"github.com/baysh/bay/internal/router"
	"github.com/baysh/bay/internal/runtime"
	"github.com/baysh/bay/internal/sandbox"
	"github.com/baysh/bay/internal/session"
	"github.com/baysh/bay/internal/skills"
	"github.com/baysh/bay/internal/store"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version information (set via ldflags at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	cfg := config.FromEnv()

	if !cfg.Production {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	log.Info().Str("version", Version).Str("commit", GitCommit).Str("built", BuildDate).Msg("bay control plane starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	d, err := driver.New(cfg.DriverName, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize driver")
	}
	defer d.Close()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := d.Healthy(healthCtx); err != nil {
		log.Fatal().Err(err).Msg("driver health check failed")
	}
	healthCancel()

	instanceID := uuid.NewString()
	locks := lock.NewTable()
	pool := runtime.NewPool()
	profiles := profile.NewRegistry()

	sessions := session.New(st, d, pool, instanceID, cfg.ReadinessDeadline)
	cargoMgr := cargo.New(st, d)
	sandboxes := sandbox.New(st, locks, cargoMgr, sessions, profiles, 0)
	hist := history.New(st)
	skillsMgr := skills.New(st)
	idem := idempotency.New(st, cfg.IdempotencyTTL)
	rtr := router.New(sandboxes, sessions, hist)

	gcCoord := gc.New(st, d, sessions, cargoMgr, locks, instanceID)
	if err := gcCoord.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start gc coordinator")
	}
	defer gcCoord.Stop()

	authenticator := buildAuthenticator(cfg)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := api.NewHandler(sandboxes, rtr, cargoMgr, profiles, hist, skillsMgr, idem, gcCoord, authenticator)
	h.RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("server listening")
		serverErr <- e.Start(":" + cfg.Port)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("server startup failed")
	}
}

func buildAuthenticator(cfg *config.Config) auth.Authenticator {
	var chain auth.Chain
	if cfg.APIKey != "" {
		chain = append(chain, auth.StaticToken{Token: cfg.APIKey, Owner: "default"})
	}
	if !cfg.Production {
		chain = append(chain, auth.DevHeaderFallback{HeaderName: "X-Bay-Owner", DefaultOwner: cfg.DevOwner})
	}
	return chain
}
