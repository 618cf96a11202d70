package domain

import (
	"math"
	"strings"
	"time"
)

// Amounts within this distance of the minimum count as meeting it.
const priceEpsilon = 1e-9

// ValidateBid checks a bid against an auction snapshot. Checks run in order:
// amount, status, end time, current leader, minimum increment.
func ValidateBid(a *Auction, userID string, amount float64, now time.Time) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return NewValidationError(CodeInvalidAmount, "bid amount must be positive")
	}
	if a.Status != AuctionActive {
		return NewValidationError(CodeAuctionNotActive, "auction is %s", strings.ToLower(a.Status.String()))
	}
	if !a.EndTime.IsZero() && !now.Before(a.EndTime) {
		return NewValidationError(CodeAuctionEnded, "auction has ended")
	}
	if userID != "" && a.CurrentWinnerID == userID {
		return NewValidationError(CodeAlreadyLeader, "you are already the highest bidder")
	}
	if minimum := a.MinimumNextBid(); amount < minimum-priceEpsilon {
		return NewValidationError(CodeBidTooLow, "bid must be at least %.2f", minimum)
	}
	return nil
}
