// Package memory is a process-local authoritative store. It backs the
// "memory" store driver for single-node runs and the service tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/domain/repositories"
)

var ErrDuplicate = errors.New("already exists")

type Store struct {
	mu        sync.Mutex
	auctions  map[string]*domain.Auction
	bids      map[string]*domain.Bid
	byAuction map[string][]string
	now       func() time.Time
}

var _ repositories.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		auctions:  make(map[string]*domain.Auction),
		bids:      make(map[string]*domain.Bid),
		byAuction: make(map[string][]string),
		now:       time.Now,
	}
}

func (s *Store) CreateAuction(ctx context.Context, auction *domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auctions[auction.ID]; exists {
		return fmt.Errorf("auction %s: %w", auction.ID, ErrDuplicate)
	}
	s.auctions[auction.ID] = auction.Clone()
	return nil
}

func (s *Store) GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *Store) GetAuctions(ctx context.Context, auctionIDs []string) ([]*domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Auction, 0, len(auctionIDs))
	for _, id := range auctionIDs {
		if a, ok := s.auctions[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *Store) GetActiveAuctions(ctx context.Context) ([]*domain.Auction, error) {
	return s.filter(func(a *domain.Auction) bool { return a.Status == domain.AuctionActive }), nil
}

func (s *Store) GetExpiredAuctions(ctx context.Context, now time.Time) ([]*domain.Auction, error) {
	return s.filter(func(a *domain.Auction) bool { return a.Expired(now) }), nil
}

func (s *Store) filter(keep func(a *domain.Auction) bool) []*domain.Auction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Auction
	for _, a := range s.auctions {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out
}

func (s *Store) UpdateAuctionStatus(ctx context.Context, auctionID string, status domain.AuctionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return fmt.Errorf("auction %s: %w", auctionID, domain.ErrNotFound)
	}
	a.Status = status
	a.UpdatedAt = s.now()
	return nil
}

// ApplyBid holds the store mutex for the whole read-modify-write, which gives
// the same isolation as a row lock.
func (s *Store) ApplyBid(ctx context.Context, auctionID string, apply repositories.BidApplier) (*domain.Auction, *domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.auctions[auctionID]
	if !ok {
		return nil, nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrNotFound)
	}

	working := current.Clone()
	bid, err := apply(working)
	if err != nil {
		return nil, nil, err
	}
	if _, exists := s.bids[bid.ID]; exists {
		return nil, nil, fmt.Errorf("bid %s: %w", bid.ID, ErrDuplicate)
	}

	stored := *bid
	s.auctions[auctionID] = working
	s.bids[bid.ID] = &stored
	s.byAuction[auctionID] = append(s.byAuction[auctionID], bid.ID)

	out := *bid
	return working.Clone(), &out, nil
}

func (s *Store) GetBid(ctx context.Context, bidID string) (*domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bids[bidID]
	if !ok {
		return nil, fmt.Errorf("bid %s: %w", bidID, domain.ErrNotFound)
	}
	out := *b
	return &out, nil
}

func (s *Store) GetBids(ctx context.Context, bidIDs []string) ([]*domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Bid, 0, len(bidIDs))
	for _, id := range bidIDs {
		if b, ok := s.bids[id]; ok {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) GetRecentBids(ctx context.Context, auctionID string, limit int) ([]*domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byAuction[auctionID]
	out := make([]*domain.Bid, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.bids[ids[i]]
		out = append(out, &cp)
	}
	return out, nil
}

// BidHistory returns every bid for the auction in commit order.
func (s *Store) BidHistory(auctionID string) []*domain.Bid {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byAuction[auctionID]
	out := make([]*domain.Bid, 0, len(ids))
	for _, id := range ids {
		cp := *s.bids[id]
		out = append(out, &cp)
	}
	return out
}
