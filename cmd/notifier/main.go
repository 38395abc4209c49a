// Command notifier consumes reallocation notifications from RabbitMQ and
// appends them to an audit log.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/config"
	"github.com/iliyamo/reservation-reallocation/internal/logger"
	"github.com/iliyamo/reservation-reallocation/internal/queue"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadNotifier()
	if err := logger.Init(cfg.IsDev(), cfg.LogLevel); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cons := &queue.AuditConsumer{URL: cfg.RabbitURL, Exchange: cfg.Exchange, Dir: cfg.AuditDir, Log: log}
	log.Info("audit consumer starting", zap.String("exchange", cfg.Exchange), zap.String("dir", cfg.AuditDir))
	if err := cons.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer stopped", zap.Error(err))
	}
	log.Info("audit consumer stopped")
}
