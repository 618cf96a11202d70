package domain

import (
	"context"
	"time"
)

// Queue interfaces
type BidEnqueuer interface {
	Enqueue(ctx context.Context, auctionID, userID string, amount float64) (string, error)
	Submit(ctx context.Context, auctionID, userID string, amount float64) (*BidReceipt, error)
	GetStatus(ctx context.Context, requestID string) (*QueuedRequest, error)
	Length(ctx context.Context, auctionID string) (int64, error)
}

type BidDequeuer interface {
	Dequeue(ctx context.Context, auctionID string, timeout time.Duration) (*QueuedRequest, error)
	SetStatus(ctx context.Context, requestID string, status RequestStatus, result *BidResult, errMsg string) error
	Requeue(ctx context.Context, req *QueuedRequest) error
	DeadLetter(ctx context.Context, req *QueuedRequest, reason string) error
	ActiveAuctions(ctx context.Context) ([]string, error)
	Prune(ctx context.Context, auctionID string) (bool, error)
}

// Lock interface
type AuctionLocker interface {
	WithLock(ctx context.Context, auctionID string, fn func(lease *Lease) error) error
}

// Cache interface
type AuctionCache interface {
	GetAuction(ctx context.Context, auctionID string) (*Auction, error)
	GetAuctions(ctx context.Context, auctionIDs []string) ([]*Auction, error)
	GetRecentBids(ctx context.Context, auctionID string, limit int) ([]*Bid, error)
	InvalidateAuction(ctx context.Context, auctionID string) error
	WarmAuctions(ctx context.Context, auctions []*Auction) error
	RefreshAuctions(ctx context.Context, auctionIDs []string) (int, error)
}

// Event interfaces
type EventPublisher interface {
	Publish(ctx context.Context, auctionID string, event Event) error
}

// Observer receives encoded events for the auctions it watches.
type Observer interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
}

type ObserverRegistry interface {
	AddLocalObserver(ctx context.Context, obs Observer, auctionID string) error
	RemoveLocalObserver(ctx context.Context, obs Observer, auctionID string) error
}

// Validation interface
type BiddingRule interface {
	GetMinimumBid(currentAmount float64) float64
	GetIncrementRule(amount float64) float64
	LoadRules(ctx context.Context) error
}

// Leader election interface
type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}
