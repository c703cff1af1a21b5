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
	"github.com/askmesh/askmesh/internal/docstore"
	"github.com/askmesh/askmesh/internal/lightning"
	"github.com/askmesh/askmesh/internal/llm"
	"github.com/askmesh/askmesh/internal/metrics"
	"github.com/askmesh/askmesh/internal/relaypool"
	"github.com/askmesh/askmesh/internal/worker"
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

	// ── Redis (conversation history) ──────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Relay pool and wallets ────────────────────────────────────────────────
	pool := relaypool.NewPool(log)
	defer pool.Close()
	wallets := lightning.NewManager(pool, log)
	defer wallets.Close()

	// ── Expert factory ────────────────────────────────────────────────────────
	builder := &worker.Builder{
		Pool:            pool,
		Wallets:         wallets,
		Relays:          cfg.Relays.SessionURLs(),
		DiscoveryRelays: cfg.Relays.DiscoveryURLs(),
		LLM: llm.Config{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		},
		Contexts: docstore.NewRedisContext(rdb, 0),
		Log:      log,
	}

	w, err := worker.New(worker.Config{
		SchedulerURL: cfg.Worker.SchedulerURL,
		Capacity:     cfg.Worker.Capacity,
		AskEvery:     time.Duration(cfg.Worker.AskSec) * time.Second,
	}, worker.Deps{
		Factory: builder.Build,
		Log:     log,
	})
	if err != nil {
		log.Fatal("worker init failed", zap.Error(err))
	}

	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal("worker stopped", zap.Error(err))
		}
	}()

	// ── HTTP server (health and metrics only) ─────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Worker.Port),
		Handler: r,
	}

	go func() {
		log.Info("worker listening",
			zap.String("id", w.ID()),
			zap.Int("port", cfg.Worker.Port),
			zap.String("scheduler", cfg.Worker.SchedulerURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	w.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
