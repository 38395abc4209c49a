package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/app"
	"github.com/iliyamo/reservation-reallocation/internal/config"
	"github.com/iliyamo/reservation-reallocation/internal/handler"
	"github.com/iliyamo/reservation-reallocation/internal/logger"
	"github.com/iliyamo/reservation-reallocation/internal/middleware"
	"github.com/iliyamo/reservation-reallocation/internal/router"
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
		log.Fatal("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.Close()
	svc := app.NewService(cfg, st, log)

	// A process-local store cannot be reached by cmd/sweeper.
	if !st.Shared {
		sched, err := tasks.NewLocalScheduler(tasks.NewHandlers(svc, log), cfg.SweepSchedule, cfg.RecoverySchedule, log)
		if err != nil {
			log.Fatal("invalid sweep schedule", zap.Error(err))
		}
		if err := sched.Start(ctx); err != nil {
			log.Fatal("local sweep scheduler not started", zap.Error(err))
		}
	}

	checks := map[string]handler.Check{"store": st.Ping}
	rdb := config.NewRedisClient(config.LoadRedisConfig())
	if rdb == nil {
		log.Warn("redis unreachable, rate limiting disabled")
	} else {
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))

	router.RegisterRoutes(e, handler.Ready(checks))
	rh := handler.NewReservationHandler(svc, log)
	api := router.RegisterReservations(e, rh, cfg.JWTSecret, limiter)
	router.RegisterAdmin(api, rh, handler.NewAdminHandler(svc, log))

	addr := ":" + cfg.Port
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env), zap.String("store", cfg.StoreDriver))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
