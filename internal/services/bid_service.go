package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/pkg/logger"
)

// BidService is the producer side of the pipeline. It never mutates an
// auction; it screens bids against the cached snapshot and queues them for
// the workers.
type BidService struct {
	queue domain.BidEnqueuer
	cache domain.AuctionCache
	log   logger.Logger
	now   func() time.Time
}

func NewBidService(queue domain.BidEnqueuer, cache domain.AuctionCache, log logger.Logger) *BidService {
	return &BidService{
		queue: queue,
		cache: cache,
		log:   log,
		now:   time.Now,
	}
}

// PlaceBid rejects bids that cannot win against the cached auction and queues
// the rest. Passing this check does not mean the bid will be accepted: the
// worker validates again against the store.
func (s *BidService) PlaceBid(ctx context.Context, auctionID, userID string, amount float64) (*domain.BidReceipt, error) {
	s.log.Info("Placing bid", "auction_id", auctionID, "user_id", userID, "amount", amount)

	auction, err := s.cache.GetAuction(ctx, auctionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewValidationError(domain.CodeAuctionNotFound, "auction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load auction %s: %w", auctionID, err)
	}

	if err := domain.ValidateBid(auction, userID, amount, s.now()); err != nil {
		s.log.Debug("Bid screened out", "auction_id", auctionID, "user_id", userID, "reason", err)
		return nil, err
	}

	receipt, err := s.queue.Submit(ctx, auctionID, userID, amount)
	if err != nil {
		s.log.Error("Failed to enqueue bid", "auction_id", auctionID, "error", err)
		return nil, err
	}
	return receipt, nil
}

// GetStatus reports a request's progress. Requests without metadata read as
// UNKNOWN, never as rejected.
func (s *BidService) GetStatus(ctx context.Context, requestID string) (domain.StatusResponse, error) {
	req, err := s.queue.GetStatus(ctx, requestID)
	if errors.Is(err, domain.ErrRequestNotFound) {
		return domain.StatusResponse{RequestID: requestID, Status: domain.RequestUnknown}, nil
	}
	if err != nil {
		return domain.StatusResponse{}, err
	}
	return req.StatusResponse(), nil
}

func (s *BidService) QueueLength(ctx context.Context, auctionID string) (int64, error) {
	return s.queue.Length(ctx, auctionID)
}
