package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/domain/repositories"

	_ "github.com/go-sql-driver/mysql"
)

const auctionColumns = `id, title, starting_price, current_price, min_increment, status,
        current_winner_id, total_bids, start_time, end_time, created_at, updated_at`

type MySQLAuctionRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ repositories.AuctionRepository = (*MySQLAuctionRepository)(nil)

func NewMySQLAuctionRepository(db *sql.DB) *MySQLAuctionRepository {
	return &MySQLAuctionRepository{db: db, now: time.Now}
}

func (r *MySQLAuctionRepository) CreateAuction(ctx context.Context, auction *domain.Auction) error {
	query := `
        INSERT INTO auctions (` + auctionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err := r.db.ExecContext(ctx, query,
		auction.ID, auction.Title, auction.StartingPrice, auction.CurrentPrice,
		auction.MinIncrement, string(auction.Status), nullString(auction.CurrentWinnerID),
		auction.TotalBids, auction.StartTime, auction.EndTime, auction.CreatedAt, auction.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert auction %s: %w", auction.ID, err)
	}
	return nil
}

func (r *MySQLAuctionRepository) GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = ?`

	auction, err := scanAuction(r.db.QueryRowContext(ctx, query, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %s: %w", auctionID, err)
	}
	return auction, nil
}

// GetAuctions returns the auctions that exist, in no particular order.
func (r *MySQLAuctionRepository) GetAuctions(ctx context.Context, auctionIDs []string) ([]*domain.Auction, error) {
	if len(auctionIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id IN (` + placeholders(len(auctionIDs)) + `)`
	return r.queryAuctions(ctx, query, stringArgs(auctionIDs)...)
}

func (r *MySQLAuctionRepository) GetActiveAuctions(ctx context.Context) ([]*domain.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE status = ? ORDER BY end_time ASC`
	return r.queryAuctions(ctx, query, string(domain.AuctionActive))
}

func (r *MySQLAuctionRepository) GetExpiredAuctions(ctx context.Context, now time.Time) ([]*domain.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE status = ? AND end_time <= ? ORDER BY end_time ASC`
	return r.queryAuctions(ctx, query, string(domain.AuctionActive), now)
}

func (r *MySQLAuctionRepository) UpdateAuctionStatus(ctx context.Context, auctionID string, status domain.AuctionStatus) error {
	query := `UPDATE auctions SET status = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, string(status), r.now(), auctionID)
	if err != nil {
		return fmt.Errorf("update auction %s status: %w", auctionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("auction %s: %w", auctionID, domain.ErrNotFound)
	}
	return nil
}

// ApplyBid locks the auction row, lets apply mutate it, then writes the row
// back and inserts the bid before committing. Any error rolls everything back.
func (r *MySQLAuctionRepository) ApplyBid(ctx context.Context, auctionID string, apply repositories.BidApplier) (*domain.Auction, *domain.Bid, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin bid transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = ? FOR UPDATE`
	auction, err := scanAuction(tx.QueryRowContext(ctx, query, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock auction %s: %w", auctionID, err)
	}

	bid, err := apply(auction)
	if err != nil {
		return nil, nil, err
	}

	update := `
        UPDATE auctions
        SET current_price = ?, current_winner_id = ?, total_bids = ?, updated_at = ?
        WHERE id = ?
    `
	if _, err := tx.ExecContext(ctx, update,
		auction.CurrentPrice, nullString(auction.CurrentWinnerID), auction.TotalBids,
		auction.UpdatedAt, auction.ID); err != nil {
		return nil, nil, fmt.Errorf("update auction %s: %w", auctionID, err)
	}

	insert := `
        INSERT INTO bids (` + bidColumns + `)
        VALUES (?, ?, ?, ?, ?, ?)
    `
	if _, err := tx.ExecContext(ctx, insert,
		bid.ID, bid.AuctionID, bid.UserID, bid.Amount, bid.PreviousPrice, bid.BidTime); err != nil {
		return nil, nil, fmt.Errorf("insert bid %s: %w", bid.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit bid %s: %w", bid.ID, err)
	}
	return auction, bid, nil
}

func (r *MySQLAuctionRepository) queryAuctions(ctx context.Context, query string, args ...any) ([]*domain.Auction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query auctions: %w", err)
	}
	defer rows.Close()

	var auctions []*domain.Auction
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		auctions = append(auctions, auction)
	}
	return auctions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(row rowScanner) (*domain.Auction, error) {
	var auction domain.Auction
	var status string
	var winner sql.NullString

	err := row.Scan(&auction.ID, &auction.Title, &auction.StartingPrice, &auction.CurrentPrice,
		&auction.MinIncrement, &status, &winner, &auction.TotalBids,
		&auction.StartTime, &auction.EndTime, &auction.CreatedAt, &auction.UpdatedAt)
	if err != nil {
		return nil, err
	}

	auction.Status = domain.AuctionStatus(status)
	auction.CurrentWinnerID = winner.String
	return &auction, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
