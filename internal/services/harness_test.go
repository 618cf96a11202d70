package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/infrastructure/memory"
	redisinfra "live-bidding/internal/infrastructure/redis"
	"live-bidding/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event domain.Event) error {
	// Round-trip through the wire format so tests see what observers see.
	payload, err := domain.EncodeEvent(event)
	if err != nil {
		return err
	}
	decoded, err := domain.DecodeEvent(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, decoded)
	return nil
}

func (p *recordingPublisher) all() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

type harness struct {
	mr        *miniredis.Miniredis
	client    *redis.Client
	store     *memory.Store
	queue     *redisinfra.BidQueue
	cache     *redisinfra.RedisAuctionCache
	publisher *recordingPublisher
	log       logger.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.NewStore()
	log := logger.NewNop()
	return &harness{
		mr:        mr,
		client:    client,
		store:     store,
		queue:     redisinfra.NewBidQueue(client, 10*time.Minute, nil),
		cache:     redisinfra.NewRedisAuctionCache(client, store, redisinfra.CacheTTLs{Auction: time.Minute, Bid: 5 * time.Minute, RecentBids: time.Minute}, nil, log),
		publisher: &recordingPublisher{},
		log:       log,
	}
}

func (h *harness) lock(opts redisinfra.LockOptions) *redisinfra.AuctionLock {
	if opts.TTL == 0 {
		opts.TTL = 3 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 10
		opts.RetryDelay = 5 * time.Millisecond
	}
	return redisinfra.NewAuctionLock(h.client, opts, nil, h.log)
}

func (h *harness) worker(lock domain.AuctionLocker, opts WorkerOptions) *BidWorker {
	if opts.DequeueTimeout == 0 {
		opts.DequeueTimeout = time.Second
	}
	if opts.MaxRedeliveries == 0 {
		opts.MaxRedeliveries = 3
	}
	return NewBidWorker(h.queue, lock, h.store, h.cache, h.publisher, opts, nil, h.log)
}

func (h *harness) seedAuction(t *testing.T, id string, price, increment float64, end time.Time) {
	t.Helper()
	now := time.Now()
	require.NoError(t, h.store.CreateAuction(context.Background(), &domain.Auction{
		ID: id, Title: "Lot " + id, StartingPrice: price, CurrentPrice: price, MinIncrement: increment,
		Status: domain.AuctionActive, StartTime: now.Add(-time.Hour), EndTime: end,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func (h *harness) status(t *testing.T, requestID string) *domain.QueuedRequest {
	t.Helper()
	req, err := h.queue.GetStatus(context.Background(), requestID)
	require.NoError(t, err)
	return req
}

func noSleep(context.Context, time.Duration) error { return nil }

var errInjected = errors.New("injected redis failure")

// failHook fails the next `times` single commands named cmd whose key starts
// with prefix. Pipelines and transactions go through untouched.
type failHook struct {
	cmd    string
	prefix string

	mu    sync.Mutex
	times int
	hits  int
}

func (h *failHook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	args := cmd.Args()
	if cmd.Name() != h.cmd || len(args) < 2 {
		return ctx, nil
	}
	if key, _ := args[1].(string); !strings.HasPrefix(key, h.prefix) {
		return ctx, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.times == 0 {
		return ctx, nil
	}
	h.times--
	h.hits++
	return ctx, errInjected
}

func (h *failHook) AfterProcess(context.Context, redis.Cmder) error { return nil }

func (h *failHook) BeforeProcessPipeline(ctx context.Context, _ []redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (h *failHook) AfterProcessPipeline(context.Context, []redis.Cmder) error { return nil }

func (h *failHook) failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits
}
