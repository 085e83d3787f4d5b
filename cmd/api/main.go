package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sitewise/internal/app"
	"github.com/markdave123-py/Sitewise/internal/config"
	"github.com/markdave123-py/Sitewise/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg := logger.New(cfg)
	defer func() { _ = lg.Sync() }()

	application, err := app.NewApp(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("startup failed", zap.Error(err))
	}
	defer application.Close()

	lg.Info("sitewise is running", zap.String("port", cfg.Port), zap.String("llm", cfg.LLMProvider))
	if err := application.Run(ctx); err != nil {
		lg.Error("server stopped", zap.Error(err))
		return
	}
	lg.Info("shut down cleanly")
}
