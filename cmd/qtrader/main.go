package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nathanyu/qtrader/internal/app"
	"github.com/nathanyu/qtrader/internal/config"
	"github.com/nathanyu/qtrader/internal/handler"
	"github.com/nathanyu/qtrader/internal/middleware"
	"github.com/nathanyu/qtrader/internal/session"
	"github.com/nathanyu/qtrader/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	mode := flag.String("mode", "", "run option: train_learner, test_learner, test_random, optimize_k, optimize_gamma")
	flag.Parse()

	if err := run(*configPath, *mode); err != nil {
		slog.Error("qtrader failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, mode string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if mode != "" {
		if err := config.ValidateMode(mode); err != nil {
			return err
		}
		cfg.Mode = mode
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.Telemetry.ServiceName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	board := session.NewStatusBoard()

	a, err := app.New(ctx, cfg, app.Deps{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
		Board:   board,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	// --- Monitor API ---
	var srv *http.Server
	if cfg.Server.Enabled {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		r.Use(middleware.PrometheusMiddleware(metrics))
		r.Use(middleware.TracingMiddleware(tracer, logger))

		h := handler.NewHandler(board, a.CurrentTable, metrics)
		h.RegisterRoutes(r)

		srv = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("monitor listening", "addr", cfg.Server.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("monitor server error", "error", err)
			}
		}()
	}

	runErr := a.Run(ctx)

	// --- Graceful shutdown ---
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("monitor shutdown error", "error", err)
		}
	}
	return runErr
}
