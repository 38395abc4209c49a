// Command migrate applies the schema to the configured SQL store and exits.
package main

import (
	"context"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/app"
	"github.com/iliyamo/reservation-reallocation/internal/config"
	"github.com/iliyamo/reservation-reallocation/internal/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if err := logger.Init(cfg.IsDev(), cfg.LogLevel); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.L()

	if cfg.StoreDriver == config.DriverMemory {
		log.Info("memory store has no schema, nothing to do")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	// OpenStores migrates as part of opening.
	st, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal("migration failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	_ = st.Close()
	log.Info("schema up to date", zap.String("driver", cfg.StoreDriver))
}
