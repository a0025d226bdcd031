package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/timeline/internal/config"
	"github.com/ehr/timeline/internal/domain/consolidation"
	"github.com/ehr/timeline/internal/platform/auth"
	"github.com/ehr/timeline/internal/platform/db"
	"github.com/ehr/timeline/internal/platform/fanout"
	"github.com/ehr/timeline/internal/platform/middleware"
	"github.com/ehr/timeline/internal/platform/telemetry"
	"github.com/ehr/timeline/internal/timeline"
)

// engine builds the fan-out runner and the default options from config.
func engine(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.FanoutMetrics) (*fanout.Runner, timeline.Options, error) {
	defaults, err := cfg.EngineDefaults(timeline.AxisTime)
	if err != nil {
		return nil, timeline.Options{}, err
	}
	runner := fanout.New(fanout.Config{Workers: cfg.Workers, ChunkSize: cfg.ChunkSize}, logger, metrics)
	return runner, defaults, nil
}

func newService(cfg *config.Config, logger zerolog.Logger, repo consolidation.Repository, metrics *telemetry.FanoutMetrics) (*consolidation.Service, error) {
	runner, defaults, err := engine(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	return consolidation.NewService(repo, runner, defaults, logger), nil
}

// newServer wires middleware and routes. pool may be nil, in which case the
// database health endpoint is not registered.
func newServer(cfg *config.Config, logger zerolog.Logger, repo consolidation.Repository, pool *pgxpool.Pool, tel *telemetry.Provider) (*echo.Echo, error) {
	svc, err := newService(cfg, logger, repo, tel.Fanout())
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tel.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, tel))
	}
	e.GET("/metrics", tel.PrometheusHandler())

	var authn echo.MiddlewareFunc
	if cfg.IsDev() {
		authn = auth.DevAuthMiddleware()
	} else {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			JWKSURL:    cfg.AuthJWKSURL,
		})
	}
	apiV1 := e.Group("/api/v1", authn, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	consolidation.NewHandler(svc).RegisterRoutes(apiV1)

	return e, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	ctx := context.Background()
	pool, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	tel := telemetry.NewProvider(telemetry.Config{ServiceName: "timeline-server"})
	e, err := newServer(cfg, logger, consolidation.NewRepo(pool), pool, tel)
	if err != nil {
		return err
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
