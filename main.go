package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evoting-tally/app"
	"evoting-tally/config"
	"evoting-tally/routes"
)

func main() {
	cfg := config.Load()
	app.NewLogger(cfg.Environment)

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialise", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		slog.Error("failed to start tally consumer", "error", err)
		a.Close()
		os.Exit(1)
	}

	router := routes.SetupRouter(a)
	srv := routes.StartServer(router, cfg.ServerPort)
	slog.Info("tally backend started", "queue", a.Queue.Stats(ctx))

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	a.Close()
	slog.Info("server stopped")
}
