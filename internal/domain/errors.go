package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrRequestNotFound = errors.New("bid request not found")
	ErrLockTimeout     = errors.New("lock acquisition timed out")
	ErrUnknownEvent    = errors.New("unknown event type")
)

type ValidationCode string

const (
	CodeInvalidAmount    ValidationCode = "INVALID_AMOUNT"
	CodeAuctionNotFound  ValidationCode = "AUCTION_NOT_FOUND"
	CodeAuctionNotActive ValidationCode = "AUCTION_NOT_ACTIVE"
	CodeAuctionEnded     ValidationCode = "AUCTION_ENDED"
	CodeAlreadyLeader    ValidationCode = "ALREADY_LEADER"
	CodeBidTooLow        ValidationCode = "BID_TOO_LOW"
)

// ValidationError rejects a bid. It is never retried.
type ValidationError struct {
	Code   ValidationCode
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func NewValidationError(code ValidationCode, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type LockTimeoutError struct {
	AuctionID string
	Attempts  int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not lock auction %s after %d attempts", e.AuctionID, e.Attempts)
}

func (e *LockTimeoutError) Unwrap() error {
	return ErrLockTimeout
}
