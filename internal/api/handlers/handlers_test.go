package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/infrastructure/memory"
	redisinfra "live-bidding/internal/infrastructure/redis"
	"live-bidding/internal/services"
	"live-bidding/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

type stack struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	store   *memory.Store
	bus     *redisinfra.FanoutBus
	manager *services.AuctionManager
	bids    *services.BidService
	log     logger.Logger
}

func newStack(t *testing.T) *stack {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logger.NewNop()
	store := memory.NewStore()

	queue := redisinfra.NewBidQueue(client, 10*time.Minute, nil)
	cache := redisinfra.NewRedisAuctionCache(client, store,
		redisinfra.CacheTTLs{Auction: time.Minute, Bid: 5 * time.Minute, RecentBids: time.Minute}, nil, log)
	lock := redisinfra.NewAuctionLock(client, redisinfra.LockOptions{TTL: 3 * time.Second, MaxRetries: 10, RetryDelay: 5 * time.Millisecond}, nil, log)

	bus := redisinfra.NewFanoutBus(client, nil, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = bus.Close()
		_ = client.Close()
	})

	rules := services.NewRedisBiddingRules(client)
	require.NoError(t, rules.LoadRules(context.Background()))

	return &stack{
		mr:      mr,
		client:  client,
		store:   store,
		bus:     bus,
		manager: services.NewAuctionManager(store, cache, lock, bus, rules, log),
		bids:    services.NewBidService(queue, cache, log),
		log:     log,
	}
}

func (s *stack) createAuction(t *testing.T, price float64) *domain.Auction {
	t.Helper()
	a, err := s.manager.CreateAuction(context.Background(), services.CreateAuctionInput{
		Title:         "Lot",
		StartingPrice: price,
		EndTime:       time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return a
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(v))
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}
