package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/metrics"
	"live-bidding/internal/retry"
	"live-bidding/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

const releaseTimeout = 2 * time.Second

type LockOptions struct {
	TTL        time.Duration
	MaxRetries int
	RetryDelay time.Duration
	// Sleep overrides the wait between attempts; nil uses a real timer.
	Sleep retry.SleepFunc
}

// AuctionLock is a per-auction mutual exclusion lease held in Redis.
type AuctionLock struct {
	client  *redis.Client
	ttl     time.Duration
	policy  retry.Policy
	metrics *metrics.Metrics
	log     logger.Logger
}

func NewAuctionLock(client *redis.Client, opts LockOptions, m *metrics.Metrics, log logger.Logger) *AuctionLock {
	return &AuctionLock{
		client: client,
		ttl:    opts.TTL,
		policy: retry.Policy{
			MaxAttempts: opts.MaxRetries,
			Delay:       retry.Constant(opts.RetryDelay),
			Sleep:       opts.Sleep,
		},
		metrics: m,
		log:     log,
	}
}

// Acquire tries SET NX PX until it wins or runs out of attempts.
// Lease.Retries is the number of failed attempts before the winning one.
func (l *AuctionLock) Acquire(ctx context.Context, auctionID string) (*domain.Lease, error) {
	key := lockKey(auctionID)
	token := uuid.NewString()

	attempt, err := l.policy.Do(ctx, func(int) (bool, error) {
		return l.client.SetNX(ctx, key, token, l.ttl).Result()
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			l.metrics.LockResult(l.policy.MaxAttempts, false)
			return nil, &domain.LockTimeoutError{AuctionID: auctionID, Attempts: l.policy.MaxAttempts}
		}
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}

	l.metrics.LockResult(attempt, true)
	return &domain.Lease{Key: key, Token: token, Retries: attempt}, nil
}

// Release deletes the lock only if it still carries the lease's token. It
// reports whether anything was deleted.
func (l *AuctionLock) Release(ctx context.Context, lease *domain.Lease) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{lease.Key}, lease.Token).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", lease.Key, err)
	}
	return n == 1, nil
}

// WithLock runs fn while holding the auction's lock. The lock is released on
// every exit path, including a panic in fn.
func (l *AuctionLock) WithLock(ctx context.Context, auctionID string, fn func(lease *domain.Lease) error) error {
	lease, err := l.Acquire(ctx, auctionID)
	if err != nil {
		return err
	}

	defer func() {
		// ctx may already be cancelled; the release must still go out.
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		released, err := l.Release(rctx, lease)
		if err != nil {
			l.log.Error("Failed to release auction lock", "auction_id", auctionID, "error", err)
			return
		}
		if !released {
			l.log.Warn("Auction lock expired before release", "auction_id", auctionID, "ttl", l.ttl)
		}
	}()

	return fn(lease)
}
