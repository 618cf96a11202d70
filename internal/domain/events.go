package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventUpdateAccepted EventType = "UPDATE_ACCEPTED"
	EventAuctionEnded   EventType = "AUCTION_ENDED"
	EventConnected      EventType = "CONNECTED"
)

// Event is the closed set of messages delivered to auction observers.
type Event interface {
	EventType() EventType
	EventAuctionID() string
}

type UpdateAccepted struct {
	AuctionID      string   `json:"auction_id"`
	Bid            *Bid     `json:"bid"`
	Auction        *Auction `json:"auction"`
	PreviousLeader string   `json:"previous_leader,omitempty"`
	RecentBids     []*Bid   `json:"recent_bids"`
}

func (UpdateAccepted) EventType() EventType     { return EventUpdateAccepted }
func (e UpdateAccepted) EventAuctionID() string { return e.AuctionID }

func (e UpdateAccepted) MarshalJSON() ([]byte, error) {
	type alias UpdateAccepted
	if e.RecentBids == nil {
		e.RecentBids = []*Bid{}
	}
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventUpdateAccepted, alias(e)})
}

type AuctionEndedEvent struct {
	AuctionID  string   `json:"auction_id"`
	Auction    *Auction `json:"auction"`
	WinnerID   string   `json:"winner_id,omitempty"`
	FinalPrice float64  `json:"final_price"`
	Reason     string   `json:"reason,omitempty"`
}

func (AuctionEndedEvent) EventType() EventType     { return EventAuctionEnded }
func (e AuctionEndedEvent) EventAuctionID() string { return e.AuctionID }

func (e AuctionEndedEvent) MarshalJSON() ([]byte, error) {
	type alias AuctionEndedEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventAuctionEnded, alias(e)})
}

// Connected is sent to a single observer when it joins; it never crosses the bus.
type Connected struct {
	AuctionID   string    `json:"auction_id"`
	UserID      string    `json:"user_id,omitempty"`
	Auction     *Auction  `json:"auction,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (Connected) EventType() EventType     { return EventConnected }
func (e Connected) EventAuctionID() string { return e.AuctionID }

func (e Connected) MarshalJSON() ([]byte, error) {
	type alias Connected
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventConnected, alias(e)})
}

func EncodeEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent returns the concrete event carried by data.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	switch head.Type {
	case EventUpdateAccepted:
		var e UpdateAccepted
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return e, nil
	case EventAuctionEnded:
		var e AuctionEndedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return e, nil
	case EventConnected:
		var e Connected
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, head.Type)
	}
}
