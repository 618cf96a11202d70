package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"live-bidding/internal/domain"
	"live-bidding/internal/domain/repositories"
)

const bidColumns = `id, auction_id, user_id, amount, previous_price, bid_time`

type MySQLBidRepository struct {
	db *sql.DB
}

var _ repositories.BidRepository = (*MySQLBidRepository)(nil)

func NewMySQLBidRepository(db *sql.DB) *MySQLBidRepository {
	return &MySQLBidRepository{db: db}
}

func (r *MySQLBidRepository) GetBid(ctx context.Context, bidID string) (*domain.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE id = ?`

	bid, err := scanBid(r.db.QueryRowContext(ctx, query, bidID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bid %s: %w", bidID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %s: %w", bidID, err)
	}
	return bid, nil
}

func (r *MySQLBidRepository) GetBids(ctx context.Context, bidIDs []string) ([]*domain.Bid, error) {
	if len(bidIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + bidColumns + ` FROM bids WHERE id IN (` + placeholders(len(bidIDs)) + `)`
	return r.queryBids(ctx, query, stringArgs(bidIDs)...)
}

func (r *MySQLBidRepository) GetRecentBids(ctx context.Context, auctionID string, limit int) ([]*domain.Bid, error) {
	query := `
        SELECT ` + bidColumns + `
        FROM bids
        WHERE auction_id = ?
        ORDER BY bid_time DESC, amount DESC
        LIMIT ?
    `
	return r.queryBids(ctx, query, auctionID, limit)
}

func (r *MySQLBidRepository) queryBids(ctx context.Context, query string, args ...any) ([]*domain.Bid, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bids: %w", err)
	}
	defer rows.Close()

	var bids []*domain.Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

func scanBid(row rowScanner) (*domain.Bid, error) {
	var bid domain.Bid
	err := row.Scan(&bid.ID, &bid.AuctionID, &bid.UserID, &bid.Amount, &bid.PreviousPrice, &bid.BidTime)
	if err != nil {
		return nil, err
	}
	return &bid, nil
}
