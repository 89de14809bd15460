package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"polymaker/internal/app"

	_ "net/http/pprof" // profiling endpoint
)

func main() {
	// Pprof on localhost only.
	go func() {
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("pprof server failed", slog.Any("error", err))
		}
	}()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Engine.Run(ctx); err != nil {
		slog.Error("engine stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
