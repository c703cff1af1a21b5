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

	"github.com/askmesh/askmesh/internal/client"
	"github.com/askmesh/askmesh/internal/config"
	"github.com/askmesh/askmesh/internal/lightning"
	"github.com/askmesh/askmesh/internal/metrics"
	"github.com/askmesh/askmesh/internal/proxy"
	"github.com/askmesh/askmesh/internal/relaypool"
	"github.com/askmesh/askmesh/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if cfg.Proxy.NWC == "" {
		log.Fatal("required config missing: PROXY_NWC")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (expert registry for /v1/models) ────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Relay pool and wallet ─────────────────────────────────────────────────
	pool := relaypool.NewPool(log)
	defer pool.Close()
	wallet, err := lightning.NewNWCClient(pool, cfg.Proxy.NWC, log)
	if err != nil {
		log.Fatal("wallet init failed", zap.Error(err))
	}
	defer wallet.Close()

	// ── Client engine ─────────────────────────────────────────────────────────
	engine, err := client.New(client.Config{
		DiscoveryRelays: cfg.Relays.DiscoveryURLs(),
		MaxAmountSats:   cfg.Proxy.MaxAmountSats,
	}, client.Deps{
		Pool:    pool,
		Wallet:  wallet,
		Decoder: lightning.Bolt11Decoder{},
		Log:     log,
	})
	if err != nil {
		log.Fatal("client engine init failed", zap.Error(err))
	}
	defer engine.Close()

	// ── HTTP server ───────────────────────────────────────────────────────────
	h, err := proxy.New(proxy.Config{
		Token:         cfg.Proxy.Token,
		DefaultExpert: cfg.Proxy.DefaultExpert,
		MaxAmountSats: cfg.Proxy.MaxAmountSats,
	}, proxy.Deps{
		Asker:    proxy.EngineAsker(engine),
		Registry: store.New(rdb),
		Log:      log,
	})
	if err != nil {
		log.Fatal("proxy init failed", zap.Error(err))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	h.Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Proxy.Port),
		Handler: r,
	}

	go func() {
		log.Info("proxy listening", zap.Int("port", cfg.Proxy.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
