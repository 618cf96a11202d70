package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/domain/repositories"
	"live-bidding/internal/metrics"
	"live-bidding/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// recentBidsWindow is how many bid ids the recent-bids list keeps. Larger
// requests bypass the cache.
const recentBidsWindow = 20

type auctionSource struct {
	repo repositories.AuctionRepository
}

func (auctionSource) Prefix() string              { return "auction" }
func (auctionSource) ID(a *domain.Auction) string { return a.ID }
func (s auctionSource) Fetch(ctx context.Context, id string) (*domain.Auction, error) {
	return s.repo.GetAuction(ctx, id)
}

func (s auctionSource) FetchMany(ctx context.Context, ids []string) (map[string]*domain.Auction, error) {
	auctions, err := s.repo.GetAuctions(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Auction, len(auctions))
	for _, a := range auctions {
		out[a.ID] = a
	}
	return out, nil
}

type bidSource struct {
	repo repositories.BidRepository
}

func (bidSource) Prefix() string          { return "bid" }
func (bidSource) ID(b *domain.Bid) string { return b.ID }
func (s bidSource) Fetch(ctx context.Context, id string) (*domain.Bid, error) {
	return s.repo.GetBid(ctx, id)
}

func (s bidSource) FetchMany(ctx context.Context, ids []string) (map[string]*domain.Bid, error) {
	bids, err := s.repo.GetBids(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Bid, len(bids))
	for _, b := range bids {
		out[b.ID] = b
	}
	return out, nil
}

type CacheTTLs struct {
	Auction    time.Duration
	Bid        time.Duration
	RecentBids time.Duration
}

// RedisAuctionCache serves auction snapshots, bid records and each auction's
// recent-bids list. Invalidating an auction drops its snapshot and its list.
type RedisAuctionCache struct {
	client    *redis.Client
	auctions  *ReadThroughCache[domain.Auction]
	bids      *ReadThroughCache[domain.Bid]
	bidRepo   repositories.BidRepository
	recentTTL time.Duration
	log       logger.Logger
}

func NewRedisAuctionCache(client *redis.Client, store repositories.Store, ttls CacheTTLs,
	m *metrics.Metrics, log logger.Logger) *RedisAuctionCache {
	return &RedisAuctionCache{
		client:    client,
		auctions:  NewReadThroughCache[domain.Auction](client, auctionSource{repo: store}, ttls.Auction, m, log),
		bids:      NewReadThroughCache[domain.Bid](client, bidSource{repo: store}, ttls.Bid, m, log),
		bidRepo:   store,
		recentTTL: ttls.RecentBids,
		log:       log,
	}
}

func (r *RedisAuctionCache) GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	return r.auctions.Get(ctx, auctionID)
}

func (r *RedisAuctionCache) GetAuctions(ctx context.Context, auctionIDs []string) ([]*domain.Auction, error) {
	return r.auctions.GetMany(ctx, auctionIDs)
}

func (r *RedisAuctionCache) GetBid(ctx context.Context, bidID string) (*domain.Bid, error) {
	return r.bids.Get(ctx, bidID)
}

// GetRecentBids returns up to limit bids for the auction, newest first.
func (r *RedisAuctionCache) GetRecentBids(ctx context.Context, auctionID string, limit int) ([]*domain.Bid, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > recentBidsWindow {
		return r.bidRepo.GetRecentBids(ctx, auctionID, limit)
	}

	key := recentBidsKey(auctionID)
	data, err := r.client.Get(ctx, key).Bytes()
	if err == nil {
		var ids []string
		if json.Unmarshal(data, &ids) == nil {
			if len(ids) > limit {
				ids = ids[:limit]
			}
			return r.bids.GetMany(ctx, ids)
		}
	} else if !errors.Is(err, redis.Nil) {
		r.log.Warn("Recent bids read failed, falling back to store", "auction_id", auctionID, "error", err)
	}

	// The list is fenced by the auction's generation, which InvalidateAuction bumps.
	gen, err := r.auctions.generation(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	bids, err := r.bidRepo.GetRecentBids(ctx, auctionID, recentBidsWindow)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(bids))
	for i, b := range bids {
		ids[i] = b.ID
	}
	if encoded, err := json.Marshal(ids); err == nil {
		err = fillScript.Run(ctx, r.client, []string{key, r.auctions.genKey(auctionID)},
			gen, encoded, r.recentTTL.Milliseconds()).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			r.log.Warn("Failed to cache recent bids", "auction_id", auctionID, "error", err)
		}
	}
	if err := r.bids.Warm(ctx, bids); err != nil {
		r.log.Warn("Failed to cache bids", "auction_id", auctionID, "error", err)
	}

	if len(bids) > limit {
		bids = bids[:limit]
	}
	return bids, nil
}

func (r *RedisAuctionCache) InvalidateAuction(ctx context.Context, auctionID string) error {
	return r.InvalidateAuctions(ctx, []string{auctionID})
}

func (r *RedisAuctionCache) InvalidateAuctions(ctx context.Context, auctionIDs []string) error {
	if len(auctionIDs) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range auctionIDs {
			r.auctions.invalidateIn(ctx, pipe, id)
			pipe.Del(ctx, recentBidsKey(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate auctions: %w", err)
	}
	return nil
}

// WarmAuctions caches snapshots as given. It is meant for auctions that were
// just created.
func (r *RedisAuctionCache) WarmAuctions(ctx context.Context, auctions []*domain.Auction) error {
	return r.auctions.Warm(ctx, auctions)
}

// RefreshAuctions re-reads auctions from the store into the cache. A bid
// committed during the refresh keeps its invalidation.
func (r *RedisAuctionCache) RefreshAuctions(ctx context.Context, auctionIDs []string) (int, error) {
	return r.auctions.Reload(ctx, auctionIDs)
}

func (r *RedisAuctionCache) AuctionStats() CacheStats { return r.auctions.Stats() }

func (r *RedisAuctionCache) BidStats() CacheStats { return r.bids.Stats() }
