// Command api serves the shipment search HTTP API and runs the indexing workers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cargohub/hub/internal/bootstrap"
	"github.com/cargohub/hub/internal/config"
	"github.com/cargohub/hub/internal/observability"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)

		return 1
	}

	slog.SetDefault(observability.NewLogger(os.Stdout, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, bootstrap.StartupTimeout)
	defer cancelStart()

	db, err := bootstrap.OpenPool(startCtx, cfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)

		return 1
	}
	defer db.Close()

	applied, err := bootstrap.Migrate(startCtx, db)
	if err != nil {
		slog.Error("Failed to apply migrations", "error", err)

		return 1
	}

	slog.Info("migrations applied", "count", applied)

	app, err := NewApp(startCtx, cfg, db)
	if err != nil {
		slog.Error("Failed to build app", "error", err)

		return 1
	}

	exitCode := 0

	if err := app.Run(ctx); err != nil {
		slog.Error("App stopped with error", "error", err)

		exitCode = 1
	}

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown failed", "error", err)

		exitCode = 1
	}

	slog.Info("Server exited")

	return exitCode
}
