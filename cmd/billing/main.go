package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai_billing/internal/app"
	"ai_billing/internal/config"
	"ai_billing/internal/telemetry"
	"ai_billing/internal/utils"
)

func main() {
	logger := utils.NewLogger("main")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	utils.ConfigureLogging(cfg.LogLevel, cfg.LogFormat)
	logger = utils.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Build stores, pricing, ledger and the report worker
	billingApp, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to build billing service", "error", err)
		os.Exit(1)
	}
	if err := billingApp.DB.Migrate(ctx); err != nil {
		logger.Error("Failed to apply schema", "error", err)
		os.Exit(1)
	}
	if err := billingApp.Start(ctx); err != nil {
		logger.Error("Failed to start background workers", "error", err)
		os.Exit(1)
	}
	go billingApp.CleanupLoop(ctx, time.Minute)

	// Create HTTP server
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      billingApp.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("AI billing service listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Finish in-flight reports and flush the audit trail
	if err := billingApp.Close(shutdownCtx); err != nil {
		logger.Error("Failed to close billing service", "error", err)
	}

	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("Failed to flush traces", "error", err)
	}

	logger.Info("Server exited")
}
