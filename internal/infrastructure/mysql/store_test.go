package mysql

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"live-bidding/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var auctionCols = []string{
	"id", "title", "starting_price", "current_price", "min_increment", "status",
	"current_winner_id", "total_bids", "start_time", "end_time", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewStore(db), mock
}

func auctionRow(id string, price float64, winner any, total int, end time.Time) *sqlmock.Rows {
	created := end.Add(-time.Hour)
	return sqlmock.NewRows(auctionCols).
		AddRow(id, "Lamp", 100.0, price, 10.0, "ACTIVE", winner, total, created, end, created, created)
}

func TestGetAuction(t *testing.T) {
	store, mock := newMockStore(t)
	end := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM auctions WHERE id = ?")).
		WithArgs("a1").
		WillReturnRows(auctionRow("a1", 120, "u2", 2, end))

	a, err := store.GetAuction(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 120.0, a.CurrentPrice)
	assert.Equal(t, "u2", a.CurrentWinnerID)
	assert.Equal(t, domain.AuctionActive, a.Status)
	assert.Equal(t, end, a.EndTime)
}

func TestGetAuctionNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM auctions WHERE id = ?")).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetAuction(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestGetAuctionsBuildsInClause(t *testing.T) {
	store, mock := newMockStore(t)
	end := time.Now().Add(time.Hour).UTC()

	rows := auctionRow("a1", 100, nil, 0, end).
		AddRow("a3", "Chair", 50.0, 50.0, 5.0, "ENDED", nil, 0, end, end, end, end)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id IN (?, ?, ?)")).
		WithArgs("a1", "a2", "a3").
		WillReturnRows(rows)

	got, err := store.GetAuctions(context.Background(), []string{"a1", "a2", "a3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "", got[0].CurrentWinnerID)
	assert.Equal(t, domain.AuctionEnded, got[1].Status)

	none, err := store.GetAuctions(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateAuctionStatusMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE auctions SET status = ?")).
		WithArgs("ENDED", sqlmock.AnyArg(), "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateAuctionStatus(context.Background(), "gone", domain.AuctionEnded)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestApplyBidCommitsUpdateAndInsert(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	end := now.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = ? FOR UPDATE")).
		WithArgs("a1").
		WillReturnRows(auctionRow("a1", 100, nil, 0, end))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE auctions")).
		WithArgs(110.0, "u1", 1, now, "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bids")).
		WithArgs("b1", "a1", "u1", 110.0, 100.0, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a, bid, err := store.ApplyBid(context.Background(), "a1", func(a *domain.Auction) (*domain.Bid, error) {
		return a.AcceptBid("b1", "u1", 110, now)
	})
	require.NoError(t, err)
	assert.Equal(t, 110.0, a.CurrentPrice)
	assert.Equal(t, 1, a.TotalBids)
	assert.Equal(t, 100.0, bid.PreviousPrice)
}

func TestApplyBidRejectionRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("a1").
		WillReturnRows(auctionRow("a1", 100, nil, 0, now.Add(time.Hour)))
	mock.ExpectRollback()

	_, _, err := store.ApplyBid(context.Background(), "a1", func(a *domain.Auction) (*domain.Bid, error) {
		return a.AcceptBid("b1", "u1", 105, now)
	})
	assert.True(t, domain.IsValidation(err))
}

func TestApplyBidInsertFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("a1").
		WillReturnRows(auctionRow("a1", 100, nil, 0, now.Add(time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE auctions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bids")).
		WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	_, _, err := store.ApplyBid(context.Background(), "a1", func(a *domain.Auction) (*domain.Bid, error) {
		return a.AcceptBid("b1", "u1", 110, now)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert bid b1")
}

func TestGetRecentBidsNewestFirst(t *testing.T) {
	store, mock := newMockStore(t)
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "auction_id", "user_id", "amount", "previous_price", "bid_time"}).
		AddRow("b2", "a1", "u2", 120.0, 110.0, t0.Add(time.Second)).
		AddRow("b1", "a1", "u1", 110.0, 100.0, t0)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY bid_time DESC")).
		WithArgs("a1", 5).
		WillReturnRows(rows)

	bids, err := store.GetRecentBids(context.Background(), "a1", 5)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.Equal(t, "b2", bids[0].ID)
	assert.Equal(t, 110.0, bids[0].PreviousPrice)
}

func TestEnsureSchemaRunsEachStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS auctions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS bids")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, EnsureSchema(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
