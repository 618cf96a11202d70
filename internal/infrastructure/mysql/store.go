package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"live-bidding/internal/domain/repositories"
)

//go:embed schema.sql
var schema string

// Store is the MySQL-backed authoritative store.
type Store struct {
	*MySQLAuctionRepository
	*MySQLBidRepository
}

var _ repositories.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{
		MySQLAuctionRepository: NewMySQLAuctionRepository(db),
		MySQLBidRepository:     NewMySQLBidRepository(db),
	}
}

// EnsureSchema creates the auctions and bids tables when they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
