package repositories

import (
	"context"

	"live-bidding/internal/domain"
)

type BidRepository interface {
	GetBid(ctx context.Context, bidID string) (*domain.Bid, error)
	GetBids(ctx context.Context, bidIDs []string) ([]*domain.Bid, error)
	// GetRecentBids returns up to limit bids, newest first.
	GetRecentBids(ctx context.Context, auctionID string, limit int) ([]*domain.Bid, error)
}

type Store interface {
	AuctionRepository
	BidRepository
}
