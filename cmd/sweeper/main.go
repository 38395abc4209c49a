// Command sweeper runs the periodic offer-expiry and compensation recovery
// sweeps through asynq.  It needs a store shared with the API, i.e. mysql.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/app"
	"github.com/iliyamo/reservation-reallocation/internal/config"
	"github.com/iliyamo/reservation-reallocation/internal/logger"
	"github.com/iliyamo/reservation-reallocation/internal/tasks"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if err := logger.Init(cfg.IsDev(), cfg.LogLevel); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	if !st.Shared {
		log.Fatal("sweeper needs a shared store", zap.String("driver", cfg.StoreDriver))
	}
	svc := app.NewService(cfg, st, log)

	rc := config.LoadRedisConfig()
	redisOpt := asynq.RedisClientOpt{Addr: rc.Addr, Password: rc.Password, DB: rc.DB, TLSConfig: rc.TLSConfig}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		// one sweep at a time, the sweeps are batch jobs
		Concurrency: 1,
		Logger:      log.Sugar(),
	})
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: log.Sugar()})
	if err := tasks.RegisterSchedules(scheduler, cfg.SweepSchedule, cfg.RecoverySchedule); err != nil {
		log.Fatal("failed to register sweeps", zap.Error(err))
	}

	if err := scheduler.Start(); err != nil {
		log.Fatal("scheduler failed to start", zap.Error(err))
	}
	if err := srv.Start(tasks.NewServeMux(tasks.NewHandlers(svc, log))); err != nil {
		log.Fatal("asynq server failed to start", zap.Error(err))
	}
	log.Info("sweeper running", zap.String("sweep", cfg.SweepSchedule), zap.String("recovery", cfg.RecoverySchedule))

	<-ctx.Done()
	log.Info("shutting down sweeper")
	scheduler.Shutdown()
	srv.Shutdown()
}
