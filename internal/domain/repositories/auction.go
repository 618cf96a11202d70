package repositories

import (
	"context"
	"time"

	"live-bidding/internal/domain"
)

// BidApplier mutates a locked auction row and returns the bid record to insert.
// Returning an error aborts the transaction.
type BidApplier func(auction *domain.Auction) (*domain.Bid, error)

type AuctionRepository interface {
	CreateAuction(ctx context.Context, auction *domain.Auction) error
	GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error)
	GetAuctions(ctx context.Context, auctionIDs []string) ([]*domain.Auction, error)
	GetActiveAuctions(ctx context.Context) ([]*domain.Auction, error)
	GetExpiredAuctions(ctx context.Context, now time.Time) ([]*domain.Auction, error)
	UpdateAuctionStatus(ctx context.Context, auctionID string, status domain.AuctionStatus) error
	// ApplyBid runs apply against the current row and persists the updated
	// auction together with the returned bid in one transaction.
	ApplyBid(ctx context.Context, auctionID string, apply BidApplier) (*domain.Auction, *domain.Bid, error)
}
