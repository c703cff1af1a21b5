package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/config"
	"github.com/askmesh/askmesh/internal/metrics"
	"github.com/askmesh/askmesh/internal/scheduler"
	"github.com/askmesh/askmesh/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Scheduler ─────────────────────────────────────────────────────────────
	sched, err := scheduler.New(scheduler.Config{
		PollEvery:      time.Duration(cfg.Scheduler.PollSec) * time.Second,
		StartTimeout:   time.Duration(cfg.Scheduler.StartTimeoutSec) * time.Second,
		StopTimeout:    time.Duration(cfg.Scheduler.StopTimeoutSec) * time.Second,
		ReconnectGrace: time.Duration(cfg.Scheduler.ReconnectGraceSec) * time.Second,
	}, scheduler.Deps{
		Registry: store.New(rdb),
		Log:      log,
	})
	if err != nil {
		log.Fatal("scheduler init failed", zap.Error(err))
	}

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal("scheduler stopped", zap.Error(err))
		}
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	sched.Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Scheduler.Port),
		Handler: r,
	}

	go func() {
		log.Info("scheduler listening", zap.Int("port", cfg.Scheduler.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	sched.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
