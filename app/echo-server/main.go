package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"experimenter/app/bootstrap"
	httpmetrics "experimenter/app/echo-server/metrics"
	"experimenter/app/echo-server/router"
	"experimenter/internal/middleware"
	"experimenter/internal/rest"
	"experimenter/pkg/config"
	"experimenter/pkg/logger"
	"experimenter/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.App.Environment)
	defer logger.Sync()
	logger.Info("Starting Experimenter", "version", cfg.App.Version)

	metrics.Init()
	httpmetrics.Init()

	app, err := bootstrap.New(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", "error", err)
	}
	defer app.Close()

	// Init handler
	experimentHandler := rest.NewExperimentHandler(app.Lifecycle, app.Dialect)

	// Init echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// HTTP error handler
	e.HTTPErrorHandler = middleware.ErrorHandler

	// Global middleware
	e.Use(echomiddleware.Recover())
	e.Use(middleware.TraceID())
	e.Use(httpmetrics.Middleware())
	e.Use(middleware.Actor(cfg.JWT.SecretKey))

	// Setup routes
	router.SetupOpsRoutes(e)
	api := e.Group("/api/v1")
	router.SetupExperimentRoutes(api, experimentHandler)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Background publication worker
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := app.Worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Publication worker stopped", "error", err)
		}
	}()

	// Goroutine server
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		logger.Info("Server starting", "address", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown server
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Publication worker did not stop in time")
	}

	logger.Info("Server stopped")
}
