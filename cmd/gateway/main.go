// Command gateway runs the AI gateway: a queueing, routing, and reliability
// layer in front of multiple LLM providers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/ai-gateway/internal/app"
	"github.com/nulpointcorp/ai-gateway/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}

	log := buildLogger(cfg.LogLevel)
	slog.SetDefault(log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}

	if err := a.Run(ctx); err != nil {
		log.Error("gateway exited with error", slog.String("error", err.Error()))
		return 1
	}

	log.Info("gateway stopped")
	return 0
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}))
}
