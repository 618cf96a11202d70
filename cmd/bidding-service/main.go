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

	"live-bidding/internal/api/handlers"
	"live-bidding/internal/api/middleware"
	"live-bidding/internal/config"
	"live-bidding/internal/infrastructure/redis"
	"live-bidding/internal/infrastructure/websocket"
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

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log = logger.NewWithLevel(cfg.Log.Level).With("service", "bidding-service", "instance_id", cfg.Instance.ID)

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
	bus := redis.NewFanoutBus(rdb, m, log)

	bidService := services.NewBidService(queue, cache, log)
	connManager := websocket.NewConnectionManager(bus, log)
	wsHandler := websocket.NewWebSocketHandler(bidService, cache, connManager, cfg.Server.AllowedOrigins, log)

	router := mux.NewRouter()
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins, log))
	handlers.NewWebSocketHandlers(wsHandler).Register(router)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting bidding service", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := bus.Run(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrBusClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down bidding service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		// Hijacked sockets are not tracked by Shutdown.
		connManager.CloseAll()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", "error", err)
		}
		if err := bus.Close(); err != nil {
			log.Warn("Failed to close fanout bus", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Bidding service failed", "error", err)
		os.Exit(1)
	}
	log.Info("Bidding service stopped")
}
