package domain

import (
	"time"
)

type Auction struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	StartingPrice   float64       `json:"starting_price"`
	CurrentPrice    float64       `json:"current_price"`
	MinIncrement    float64       `json:"min_increment"`
	Status          AuctionStatus `json:"status"`
	CurrentWinnerID string        `json:"current_winner_id,omitempty"`
	TotalBids       int           `json:"total_bids"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type AuctionStatus string

const (
	AuctionActive    AuctionStatus = "ACTIVE"
	AuctionEnded     AuctionStatus = "ENDED"
	AuctionCancelled AuctionStatus = "CANCELLED"
)

func (s AuctionStatus) String() string {
	return string(s)
}

func (s AuctionStatus) Valid() bool {
	switch s {
	case AuctionActive, AuctionEnded, AuctionCancelled:
		return true
	default:
		return false
	}
}

// MinimumNextBid is the lowest amount the next accepted bid may carry.
func (a *Auction) MinimumNextBid() float64 {
	return a.CurrentPrice + a.MinIncrement
}

// Expired reports whether the auction is still marked active past its end time.
func (a *Auction) Expired(now time.Time) bool {
	return a.Status == AuctionActive && !a.EndTime.IsZero() && !now.Before(a.EndTime)
}

func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// AcceptBid validates the bid against the auction's current state and, when it
// passes, advances price, leader and bid count. The returned bid is the record
// to persist alongside the updated auction.
func (a *Auction) AcceptBid(bidID, userID string, amount float64, now time.Time) (*Bid, error) {
	if err := ValidateBid(a, userID, amount, now); err != nil {
		return nil, err
	}

	bid := &Bid{
		ID:            bidID,
		AuctionID:     a.ID,
		UserID:        userID,
		Amount:        amount,
		PreviousPrice: a.CurrentPrice,
		BidTime:       now,
	}

	a.CurrentPrice = amount
	a.CurrentWinnerID = userID
	a.TotalBids++
	a.UpdatedAt = now
	return bid, nil
}

type Bid struct {
	ID            string    `json:"id"`
	AuctionID     string    `json:"auction_id"`
	UserID        string    `json:"user_id"`
	Amount        float64   `json:"amount"`
	PreviousPrice float64   `json:"previous_price"`
	BidTime       time.Time `json:"bid_time"`
}

type RequestStatus string

const (
	RequestQueued   RequestStatus = "QUEUED"
	RequestSuccess  RequestStatus = "SUCCESS"
	RequestRejected RequestStatus = "REJECTED"
	RequestFailed   RequestStatus = "FAILED"
	// RequestUnknown is never stored; it is reported when a request has no
	// metadata, either because it never existed or because it expired.
	RequestUnknown RequestStatus = "UNKNOWN"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestSuccess || s == RequestRejected || s == RequestFailed
}

// QueuedRequest is the metadata kept for every enqueued bid.
type QueuedRequest struct {
	RequestID  string        `json:"request_id"`
	AuctionID  string        `json:"auction_id"`
	UserID     string        `json:"user_id"`
	Amount     float64       `json:"amount"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Status     RequestStatus `json:"status"`
	Attempts   int           `json:"attempts"`
	Result     *BidResult    `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type BidResult struct {
	Bid            *Bid     `json:"bid"`
	Auction        *Auction `json:"auction"`
	PreviousLeader string   `json:"previous_leader,omitempty"`
}

// StatusResponse is what producers see when polling a request.
type StatusResponse struct {
	RequestID string        `json:"request_id"`
	Status    RequestStatus `json:"status"`
	Result    *BidResult    `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (r *QueuedRequest) StatusResponse() StatusResponse {
	return StatusResponse{
		RequestID: r.RequestID,
		Status:    r.Status,
		Result:    r.Result,
		Error:     r.Error,
	}
}

// BidReceipt is returned to a producer once a bid has been enqueued.
type BidReceipt struct {
	RequestID     string        `json:"request_id"`
	AuctionID     string        `json:"auction_id"`
	Status        RequestStatus `json:"status"`
	QueuePosition int64         `json:"queue_position"`
}

// Lease is a held per-auction lock.
type Lease struct {
	Key     string
	Token   string
	Retries int
}

type BidValidationRules struct {
	Rules map[string]float64 `json:"rules"`
}
