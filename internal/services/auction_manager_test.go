package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/infrastructure/leader"
	"live-bidding/internal/infrastructure/memory"
	redisinfra "live-bidding/internal/infrastructure/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, h *harness) *AuctionManager {
	t.Helper()
	rules := NewRedisBiddingRules(h.client)
	require.NoError(t, rules.LoadRules(context.Background()))
	return NewAuctionManager(h.store, h.cache, h.lock(redisinfra.LockOptions{}), h.publisher, rules, h.log)
}

func TestCreateAuctionUsesTieredIncrement(t *testing.T) {
	h := newHarness(t)
	am := newManager(t, h)
	ctx := context.Background()
	end := time.Now().Add(time.Hour)

	a, err := am.CreateAuction(ctx, CreateAuctionInput{Title: " Clock ", StartingPrice: 250, EndTime: end})
	require.NoError(t, err)
	assert.Equal(t, 10.0, a.MinIncrement)
	assert.Equal(t, "Clock", a.Title)
	assert.Equal(t, domain.AuctionActive, a.Status)
	assert.Equal(t, 250.0, a.CurrentPrice)
	assert.True(t, h.mr.Exists("cache:auction:"+a.ID), "new auctions are warmed")

	b, err := am.CreateAuction(ctx, CreateAuctionInput{StartingPrice: 250, MinIncrement: 1, EndTime: end})
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.MinIncrement, "explicit increment wins")

	_, err = am.CreateAuction(ctx, CreateAuctionInput{StartingPrice: 0, EndTime: end})
	assert.True(t, domain.IsValidation(err))
	_, err = am.CreateAuction(ctx, CreateAuctionInput{StartingPrice: 10, EndTime: time.Now().Add(-time.Minute)})
	assert.True(t, domain.IsValidation(err))
}

func TestEndAuctionBroadcastsOnce(t *testing.T) {
	h := newHarness(t)
	am := newManager(t, h)
	ctx := context.Background()
	h.seedAuction(t, "a1", 100, 10, time.Now().Add(time.Hour))

	_, err := am.GetAuction(ctx, "a1")
	require.NoError(t, err)

	ended, err := am.EndAuction(ctx, "a1", "closed by admin")
	require.NoError(t, err)
	assert.Equal(t, domain.AuctionEnded, ended.Status)

	cached, err := am.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AuctionEnded, cached.Status)

	_, err = am.EndAuction(ctx, "a1", "again")
	assert.True(t, domain.IsValidation(err))

	events := h.publisher.all()
	require.Len(t, events, 1)
	ev, ok := events[0].(domain.AuctionEndedEvent)
	require.True(t, ok)
	assert.Equal(t, "closed by admin", ev.Reason)
}

func TestExpireAuctions(t *testing.T) {
	h := newHarness(t)
	am := newManager(t, h)
	ctx := context.Background()
	h.seedAuction(t, "past", 100, 10, time.Now().Add(-time.Minute))
	h.seedAuction(t, "future", 100, 10, time.Now().Add(time.Hour))

	n, err := am.ExpireAuctions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	past, err := h.store.GetAuction(ctx, "past")
	require.NoError(t, err)
	assert.Equal(t, domain.AuctionEnded, past.Status)

	future, err := h.store.GetAuction(ctx, "future")
	require.NoError(t, err)
	assert.Equal(t, domain.AuctionActive, future.Status)

	n, err = am.ExpireAuctions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWarmCacheLoadsActiveAuctions(t *testing.T) {
	h := newHarness(t)
	am := newManager(t, h)
	h.seedAuction(t, "a1", 100, 10, time.Now().Add(time.Hour))
	h.seedAuction(t, "a2", 100, 10, time.Now().Add(time.Hour))

	n, err := am.WarmCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, h.mr.Exists("cache:auction:a1"))
	assert.True(t, h.mr.Exists("cache:auction:a2"))
}

// racingStore runs onRead once, right after a batch read has taken its
// snapshot.
type racingStore struct {
	*memory.Store
	once   sync.Once
	onRead func()
}

func (s *racingStore) GetAuctions(ctx context.Context, ids []string) ([]*domain.Auction, error) {
	out, err := s.Store.GetAuctions(ctx, ids)
	s.once.Do(s.onRead)
	return out, err
}

func TestWarmCacheKeepsBidCommittedDuringWarm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAuction(t, "a1", 100, 10, time.Now().Add(time.Hour))
	w := h.worker(h.lock(redisinfra.LockOptions{}), WorkerOptions{})

	id, err := h.queue.Enqueue(ctx, "a1", "u1", 110)
	require.NoError(t, err)

	racing := &racingStore{Store: h.store, onRead: func() {
		ok, err := w.ProcessNext(ctx, "a1")
		require.NoError(t, err)
		require.True(t, ok)
	}}
	cache := redisinfra.NewRedisAuctionCache(h.client, racing,
		redisinfra.CacheTTLs{Auction: time.Minute, Bid: time.Minute, RecentBids: time.Minute}, nil, h.log)
	rules := NewRedisBiddingRules(h.client)
	require.NoError(t, rules.LoadRules(ctx))
	am := NewAuctionManager(racing, cache, h.lock(redisinfra.LockOptions{}), h.publisher, rules, h.log)

	n, err := am.WarmCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, domain.RequestSuccess, h.status(t, id).Status)

	got, err := h.cache.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 110.0, got.CurrentPrice, "the pre-bid snapshot must not be cached")
	assert.Equal(t, "u1", got.CurrentWinnerID)
}

func TestSchedulerOnlyLeaderExpires(t *testing.T) {
	h := newHarness(t)
	am := newManager(t, h)
	ctx := context.Background()
	h.seedAuction(t, "past", 100, 10, time.Now().Add(-time.Minute))

	election := leader.NewRedisLeaderElection(h.client, 30*time.Second, h.log)
	follower := NewCronAuctionScheduler(am, election, "instance-b", ScheduleSpecs{Expiry: "@every 10s"}, h.log)
	require.NoError(t, h.client.Set(ctx, "bidding_leader", "instance-a", time.Minute).Err())

	follower.expire(ctx)
	past, err := h.store.GetAuction(ctx, "past")
	require.NoError(t, err)
	assert.Equal(t, domain.AuctionActive, past.Status, "followers do not sweep")

	require.NoError(t, h.client.Del(ctx, "bidding_leader").Err())
	follower.expire(ctx)
	past, err = h.store.GetAuction(ctx, "past")
	require.NoError(t, err)
	assert.Equal(t, domain.AuctionEnded, past.Status)

	require.NoError(t, follower.Stop(ctx))
	assert.False(t, h.mr.Exists("bidding_leader"))
}
