package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"live-bidding/internal/config"
	"live-bidding/internal/infrastructure/redis"
	"live-bidding/internal/metrics"
	"live-bidding/internal/services"
	"live-bidding/pkg/logger"
	"live-bidding/pkg/utils"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := logger.New()
	log.Info("Starting Bid Worker")

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log = logger.NewWithLevel(cfg.Log.Level).With("service", "bid-worker", "instance_id", cfg.Instance.ID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rdb, err := utils.InitializeRedis(startCtx, cfg)
	if err != nil {
		log.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store, closeStore, err := utils.OpenStore(startCtx, cfg, log)
	if err != nil {
		log.Error("Failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error("Failed to close store", "error", err)
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	queue := redis.NewBidQueue(rdb, cfg.Queue.StatusTTL, m)
	cache := redis.NewRedisAuctionCache(rdb, store, redis.CacheTTLs{
		Auction:    cfg.Cache.AuctionTTL,
		Bid:        cfg.Cache.BidTTL,
		RecentBids: cfg.Cache.RecentBidsTTL,
	}, m, log)
	lock := redis.NewAuctionLock(rdb, redis.LockOptions{
		TTL:        cfg.Lock.TTL,
		MaxRetries: cfg.Lock.MaxRetries,
		RetryDelay: cfg.Lock.RetryDelay,
	}, m, log)
	bus := redis.NewFanoutBus(rdb, m, log)
	defer bus.Close()

	worker := services.NewBidWorker(queue, lock, store, cache, bus, services.WorkerOptionsFrom(cfg.Worker), m, log)
	pool := services.NewWorkerPool(worker, queue, log)

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, pool.Stats())
	}).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Worker.MetricsPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting metrics server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("Starting worker pool", "concurrency", cfg.Worker.Concurrency)
		return pool.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Bid worker failed", "error", err)
		os.Exit(1)
	}

	stats := pool.Stats()
	log.Info("Bid worker stopped",
		"processed", stats.Processed,
		"succeeded", stats.Succeeded,
		"rejected", stats.Rejected,
		"failed", stats.Failed)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
