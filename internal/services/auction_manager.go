package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/domain/repositories"
	"live-bidding/pkg/logger"
	"live-bidding/pkg/utils"
)

const maxRecentBids = 50

type CreateAuctionInput struct {
	Title         string    `json:"title"`
	StartingPrice float64   `json:"starting_price"`
	MinIncrement  float64   `json:"min_increment"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

// AuctionManager owns auction lifecycle outside of bidding: creation, reads
// through the cache, administrative and scheduled ends, and cache warm-up.
type AuctionManager struct {
	store     repositories.Store
	cache     domain.AuctionCache
	locker    domain.AuctionLocker
	publisher domain.EventPublisher
	rules     domain.BiddingRule
	log       logger.Logger
	now       func() time.Time
}

func NewAuctionManager(
	store repositories.Store,
	cache domain.AuctionCache,
	locker domain.AuctionLocker,
	publisher domain.EventPublisher,
	rules domain.BiddingRule,
	log logger.Logger,
) *AuctionManager {
	return &AuctionManager{
		store:     store,
		cache:     cache,
		locker:    locker,
		publisher: publisher,
		rules:     rules,
		log:       log,
		now:       time.Now,
	}
}

func (am *AuctionManager) CreateAuction(ctx context.Context, in CreateAuctionInput) (*domain.Auction, error) {
	now := am.now()
	if in.StartTime.IsZero() {
		in.StartTime = now
	}
	switch {
	case in.StartingPrice <= 0:
		return nil, domain.NewValidationError(domain.CodeInvalidAmount, "starting price must be positive")
	case in.MinIncrement < 0:
		return nil, domain.NewValidationError(domain.CodeInvalidAmount, "minimum increment cannot be negative")
	case !in.EndTime.After(in.StartTime) || !in.EndTime.After(now):
		return nil, domain.NewValidationError(domain.CodeAuctionEnded, "end time must be in the future and after the start time")
	}

	increment := in.MinIncrement
	if increment == 0 {
		increment = am.rules.GetIncrementRule(in.StartingPrice)
	}

	auction := &domain.Auction{
		ID:            utils.GenerateID("auction"),
		Title:         strings.TrimSpace(in.Title),
		StartingPrice: in.StartingPrice,
		CurrentPrice:  in.StartingPrice,
		MinIncrement:  increment,
		Status:        domain.AuctionActive,
		StartTime:     in.StartTime,
		EndTime:       in.EndTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := am.store.CreateAuction(ctx, auction); err != nil {
		return nil, err
	}
	if err := am.cache.WarmAuctions(ctx, []*domain.Auction{auction}); err != nil {
		am.log.Warn("Failed to warm new auction", "auction_id", auction.ID, "error", err)
	}

	am.log.Info("Auction created", "auction_id", auction.ID, "starting_price", auction.StartingPrice, "min_increment", increment)
	return auction, nil
}

func (am *AuctionManager) GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	return am.cache.GetAuction(ctx, auctionID)
}

// GetAuctions returns the auctions that exist, in the order asked for.
func (am *AuctionManager) GetAuctions(ctx context.Context, auctionIDs []string) ([]*domain.Auction, error) {
	return am.cache.GetAuctions(ctx, auctionIDs)
}

func (am *AuctionManager) GetRecentBids(ctx context.Context, auctionID string, limit int) ([]*domain.Bid, error) {
	if limit <= 0 {
		limit = recentBidsInEvent
	}
	if limit > maxRecentBids {
		limit = maxRecentBids
	}
	return am.cache.GetRecentBids(ctx, auctionID, limit)
}

// EndAuction closes an active auction under its lock so no bid can commit
// concurrently, then announces the result.
func (am *AuctionManager) EndAuction(ctx context.Context, auctionID, reason string) (*domain.Auction, error) {
	var ended *domain.Auction
	err := am.locker.WithLock(ctx, auctionID, func(*domain.Lease) error {
		auction, err := am.store.GetAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		if auction.Status != domain.AuctionActive {
			return domain.NewValidationError(domain.CodeAuctionNotActive, "auction is %s", strings.ToLower(auction.Status.String()))
		}

		if err := am.store.UpdateAuctionStatus(ctx, auctionID, domain.AuctionEnded); err != nil {
			return err
		}
		auction.Status = domain.AuctionEnded
		auction.UpdatedAt = am.now()
		ended = auction
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := am.cache.InvalidateAuction(ctx, auctionID); err != nil {
		am.log.Error("Failed to invalidate ended auction", "auction_id", auctionID, "error", err)
	}
	event := domain.AuctionEndedEvent{
		AuctionID:  auctionID,
		Auction:    ended,
		WinnerID:   ended.CurrentWinnerID,
		FinalPrice: ended.CurrentPrice,
		Reason:     reason,
	}
	if err := am.publisher.Publish(ctx, auctionID, event); err != nil {
		am.log.Error("Failed to publish auction end", "auction_id", auctionID, "error", err)
	}

	am.log.Info("Auction ended", "auction_id", auctionID, "reason", reason,
		"winner_id", ended.CurrentWinnerID, "final_price", ended.CurrentPrice)
	return ended, nil
}

// ExpireAuctions ends every active auction whose end time has passed. It
// returns how many it ended.
func (am *AuctionManager) ExpireAuctions(ctx context.Context) (int, error) {
	expired, err := am.store.GetExpiredAuctions(ctx, am.now())
	if err != nil {
		return 0, fmt.Errorf("list expired auctions: %w", err)
	}

	ended := 0
	var errs []error
	for _, a := range expired {
		_, err := am.EndAuction(ctx, a.ID, "expired")
		switch {
		case err == nil:
			ended++
		case domain.IsValidation(err):
			// a worker got there first
		default:
			errs = append(errs, fmt.Errorf("end auction %s: %w", a.ID, err))
		}
	}
	return ended, errors.Join(errs...)
}

// WarmCache loads every active auction into the cache. Snapshots are re-read
// through the cache so a bid committed meanwhile is not overwritten.
func (am *AuctionManager) WarmCache(ctx context.Context) (int, error) {
	active, err := am.store.GetActiveAuctions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active auctions: %w", err)
	}
	ids := make([]string, len(active))
	for i, a := range active {
		ids[i] = a.ID
	}
	return am.cache.RefreshAuctions(ctx, ids)
}
