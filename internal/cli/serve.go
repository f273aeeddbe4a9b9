package cli

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
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	port       string
	driverName string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Bay Control Plane server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&port, "port", "p", "8080", "HTTP server port")
	serveCmd.Flags().StringVarP(&driverName, "driver", "d", "docker", "Backend driver: docker")
	serveCmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("BAY_API_KEY"), "API key for authentication")
	RootCmd.AddCommand(serveCmd)
}

func runServer() {
	log.Info().Str("driver", driverName).Str("port", port).Msg("starting bay server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	cfg := config.FromEnv()
	cfg.Port = port
	cfg.DriverName = driverName
	if apiKey != "" {
		cfg.APIKey = apiKey
	}

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	d, err := driver.New(cfg.DriverName, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize driver")
	}
	defer d.Close()

	ctxTimeout, cancelTimeout := context.WithTimeout(ctx, 5*time.Second)
	if err := d.Healthy(ctxTimeout); err != nil {
		log.Fatal().Err(err).Msg("driver health check failed")
	}
	cancelTimeout()

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

	var chain auth.Chain
	if cfg.APIKey != "" {
		chain = append(chain, auth.StaticToken{Token: cfg.APIKey, Owner: "default"})
	}
	if !cfg.Production {
		chain = append(chain, auth.DevHeaderFallback{HeaderName: "X-Bay-Owner", DefaultOwner: cfg.DevOwner})
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := api.NewHandler(sandboxes, rtr, cargoMgr, profiles, hist, skillsMgr, idem, gcCoord, chain)
	h.RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", port).Msg("server listening")
		serverErr <- e.Start(":" + port)
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
