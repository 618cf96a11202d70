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
	"live-bidding/internal/config"
	"live-bidding/internal/infrastructure/leader"
	"live-bidding/internal/infrastructure/redis"
	"live-bidding/internal/metrics"
	"live-bidding/internal/services"
	"live-bidding/pkg/logger"
	"live-bidding/pkg/utils"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := logger.New()
	log.Info("Starting Auction Service")

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log = logger.NewWithLevel(cfg.Log.Level).With("service", "auction-service", "instance_id", cfg.Instance.ID)
	log.Info("Configuration loaded", "config", cfg.GetConfigString())

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
	log.Info("Connected to Redis", "address", cfg.Redis.Address)

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

	rules := services.NewRedisBiddingRules(rdb)
	if err := rules.LoadRules(startCtx); err != nil {
		log.Error("Failed to load bidding rules", "error", err)
		os.Exit(1)
	}

	leaderElection := leader.NewRedisLeaderElection(rdb, cfg.Leader.TTL, log)
	auctionManager := services.NewAuctionManager(store, cache, lock, bus, rules, log)
	bidService := services.NewBidService(queue, cache, log)

	if n, err := auctionManager.WarmCache(startCtx); err != nil {
		log.Warn("Initial cache warm failed", "error", err)
	} else {
		log.Info("Cache warmed", "auctions", n)
	}

	scheduler := services.NewCronAuctionScheduler(auctionManager, leaderElection, cfg.Instance.ID, services.ScheduleSpecs{
		Expiry: cfg.Schedule.ExpirySpec,
		Warm:   cfg.Schedule.WarmSpec,
	}, log)
	if err := scheduler.Start(ctx); err != nil {
		log.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
		MaxAge: 86400,
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Debug("Request handled",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"latency", time.Since(start))
			return err
		}
	})

	handlers.NewAuctionHandler(auctionManager, bidService, log).Register(e)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"service":   "auction-service",
			"instance":  cfg.Instance.ID,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	g, gctx := errgroup.WithContext(ctx)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	g.Go(func() error {
		log.Info("Starting HTTP server", "address", serverAddr)
		if err := e.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Worker.Embedded {
		worker := services.NewBidWorker(queue, lock, store, cache, bus, services.WorkerOptionsFrom(cfg.Worker), m, log)
		pool := services.NewWorkerPool(worker, queue, log)
		g.Go(func() error { return pool.Run(gctx) })
		log.Info("Running embedded bid workers", "concurrency", cfg.Worker.Concurrency)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down auction service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := scheduler.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop scheduler", "error", err)
		}
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Auction service failed", "error", err)
		os.Exit(1)
	}
	log.Info("Auction service stopped")
}
